// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

// SessionRegistry maps user logins to their live Twitter sessions. Create
// and Destroy for the same login are serialized; different logins proceed
// independently.
type SessionRegistry struct {
	webhooks *WebhookManager
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[networkid.UserLoginID]*TwitterClient
	locks    map[networkid.UserLoginID]*sync.Mutex
}

// NewSessionRegistry creates an empty registry that subscribes sessions
// through webhooks.
func NewSessionRegistry(webhooks *WebhookManager, log zerolog.Logger) *SessionRegistry {
	return &SessionRegistry{
		webhooks: webhooks,
		log:      log,
		sessions: make(map[networkid.UserLoginID]*TwitterClient),
		locks:    make(map[networkid.UserLoginID]*sync.Mutex),
	}
}

func (sr *SessionRegistry) lockFor(loginID networkid.UserLoginID) *sync.Mutex {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	lock, ok := sr.locks[loginID]
	if !ok {
		lock = &sync.Mutex{}
		sr.locks[loginID] = lock
	}
	return lock
}

// Get returns the live session of a login, or nil.
func (sr *SessionRegistry) Get(loginID networkid.UserLoginID) *TwitterClient {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.sessions[loginID]
}

// Len returns the number of live sessions.
func (sr *SessionRegistry) Len() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.sessions)
}

// Create verifies the client's credentials, subscribes its account and
// makes it the live session of its login. An existing session for the login
// is torn down first. Failures are reported through the bridge state and
// returned; the client is not inserted.
func (sr *SessionRegistry) Create(ctx context.Context, tc *TwitterClient) error {
	loginID := tc.userLogin.ID
	lock := sr.lockFor(loginID)
	lock.Lock()
	defer lock.Unlock()

	log := sr.log.With().Str("login_id", string(loginID)).Logger()

	if old := sr.Get(loginID); old != nil {
		log.Debug().Msg("Replacing existing session")
		sr.teardown(ctx, old)
	}

	if err := tc.authenticate(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to verify Twitter credentials")
		if errors.Is(err, twitter.ErrUnauthorized) || errors.Is(err, errNoCredentials) {
			tc.sendState(status.StateBadCredentials, "twitter-auth-failed", "Twitter credentials are invalid")
		} else {
			tc.sendState(status.StateUnknownError, "twitter-verify-failed", "Failed to verify Twitter credentials")
		}
		return fmt.Errorf("failed to verify credentials: %w", err)
	}

	if err := sr.webhooks.EnsureRegistration(ctx); err != nil {
		log.Warn().Err(err).Msg("Webhook is not registered, subscribing anyway")
	}

	handle, err := sr.webhooks.Subscribe(ctx, tc.accountID, tc.creds, tc.handleActivity)
	if err != nil {
		log.Error().Err(err).Msg("Failed to subscribe to account activity")
		tc.sendState(status.StateUnknownError, "twitter-subscribe-failed", "Failed to subscribe to Twitter account activity")
		return err
	}
	tc.activity = handle

	sr.mu.Lock()
	sr.sessions[loginID] = tc
	sr.mu.Unlock()

	log.Info().
		Str("account_id", tc.accountID).
		Str("screen_name", tc.screenName).
		Msg("Session connected")
	tc.sendState(status.StateConnected, "", "connected!")
	return nil
}

// Destroy unsubscribes and removes the session of a login. It is a no-op if
// the login has no session.
func (sr *SessionRegistry) Destroy(ctx context.Context, loginID networkid.UserLoginID) {
	lock := sr.lockFor(loginID)
	lock.Lock()
	defer lock.Unlock()

	if tc := sr.Get(loginID); tc != nil {
		sr.teardown(ctx, tc)
	}
}

// teardown must be called with the login's lock held. The session is removed
// even if unsubscribing fails.
func (sr *SessionRegistry) teardown(ctx context.Context, tc *TwitterClient) {
	if err := sr.webhooks.Unsubscribe(ctx, tc.accountID, tc.creds); err != nil {
		sr.log.Warn().Err(err).
			Str("login_id", string(tc.userLogin.ID)).
			Str("account_id", tc.accountID).
			Msg("Failed to unsubscribe session, removing anyway")
	}
	tc.activity = nil

	sr.mu.Lock()
	if sr.sessions[tc.userLogin.ID] == tc {
		delete(sr.sessions, tc.userLogin.ID)
	}
	sr.mu.Unlock()
}
