// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

// maxWebhookBodySize caps account activity payloads (1 MB).
const maxWebhookBodySize = 1 << 20

// activityBacklog is the number of undelivered events kept per account.
// Further events are dropped until the session catches up.
const activityBacklog = 1024

// webhookAPI is the subset of *twitter.App the manager calls.
type webhookAPI interface {
	ListWebhooks(ctx context.Context) ([]twitter.Webhook, error)
	RegisterWebhook(ctx context.Context, callbackURL string) (*twitter.Webhook, error)
	DeleteWebhook(ctx context.Context, hook twitter.Webhook) error
	Subscribe(ctx context.Context, creds twitter.Credentials) error
	Unsubscribe(ctx context.Context, creds twitter.Credentials) error
}

// WebhookManager owns the process-wide Account Activity webhook, the per
// account subscriptions and the routing of incoming payloads to sessions.
type WebhookManager struct {
	api            webhookAPI
	consumerSecret string
	callbackURL    string
	log            zerolog.Logger

	group singleflight.Group

	mu           sync.RWMutex
	registration *twitter.Webhook
	handles      map[string]*ActivityHandle
}

// NewWebhookManager creates a manager that registers callbackURL.
func NewWebhookManager(api webhookAPI, consumerSecret, callbackURL string, log zerolog.Logger) *WebhookManager {
	return &WebhookManager{
		api:            api,
		consumerSecret: consumerSecret,
		callbackURL:    callbackURL,
		log:            log,
		handles:        make(map[string]*ActivityHandle),
	}
}

// Registration returns the webhook registered by this process, or nil.
func (wm *WebhookManager) Registration() *twitter.Webhook {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return wm.registration
}

// EnsureRegistration registers the callback URL unless this process already
// did. Concurrent callers share a single attempt, which is not cancelled with
// the caller that started it. Every webhook found on the platform is deleted
// first so that restarts don't leave orphans behind.
func (wm *WebhookManager) EnsureRegistration(ctx context.Context) error {
	if wm.Registration() != nil {
		return nil
	}
	regCtx := context.WithoutCancel(ctx)
	_, err, _ := wm.group.Do("register", func() (any, error) {
		if hook := wm.Registration(); hook != nil {
			return hook, nil
		}
		return wm.register(regCtx)
	})
	return err
}

func (wm *WebhookManager) register(ctx context.Context) (*twitter.Webhook, error) {
	existing, err := wm.api.ListWebhooks(ctx)
	if err != nil {
		wm.log.Error().Err(err).Msg("Failed to list webhooks")
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	for _, hook := range existing {
		if err := wm.api.DeleteWebhook(ctx, hook); err != nil {
			wm.log.Warn().Err(err).
				Str("webhook_id", hook.ID).
				Str("environment", hook.Environment).
				Msg("Failed to delete stale webhook")
			continue
		}
		wm.log.Debug().
			Str("webhook_id", hook.ID).
			Str("url", hook.URL).
			Msg("Deleted stale webhook")
	}

	hook, err := wm.api.RegisterWebhook(ctx, wm.callbackURL)
	if err != nil {
		wm.log.Error().Err(err).Str("url", wm.callbackURL).Msg("Failed to register webhook")
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}
	wm.mu.Lock()
	wm.registration = hook
	wm.mu.Unlock()
	wm.log.Info().
		Str("webhook_id", hook.ID).
		Str("url", hook.URL).
		Int("deleted_stale", len(existing)).
		Msg("Registered webhook")
	return hook, nil
}

// Subscribe subscribes the account to the webhook and starts routing its
// activity to deliver. A failed subscribe is usually a stale subscription,
// so it is removed and the subscribe retried once.
func (wm *WebhookManager) Subscribe(ctx context.Context, accountID string, creds twitter.Credentials, deliver func(twitter.ActivityEvent)) (*ActivityHandle, error) {
	log := wm.log.With().Str("account_id", accountID).Logger()
	if err := wm.api.Subscribe(ctx, creds); err != nil {
		log.Warn().Err(err).
			Bool("already_subscribed", errors.Is(err, twitter.ErrAlreadySubscribed)).
			Msg("Subscribe failed, removing old subscription and retrying")
		if err := wm.api.Unsubscribe(ctx, creds); err != nil {
			log.Warn().Err(err).Msg("Failed to remove old subscription")
		}
		if err := wm.api.Subscribe(ctx, creds); err != nil {
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	log.Info().Msg("Subscribed to account activity")

	handle := newActivityHandle(accountID, deliver, log)
	wm.mu.Lock()
	old := wm.handles[accountID]
	wm.handles[accountID] = handle
	wm.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return handle, nil
}

// Unsubscribe removes the account's subscription and stops routing its
// activity. Routing stops even if the platform call fails.
func (wm *WebhookManager) Unsubscribe(ctx context.Context, accountID string, creds twitter.Credentials) error {
	err := wm.api.Unsubscribe(ctx, creds)

	wm.mu.Lock()
	handle := wm.handles[accountID]
	delete(wm.handles, accountID)
	wm.mu.Unlock()
	if handle != nil {
		handle.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	wm.log.Info().Str("account_id", accountID).Msg("Unsubscribed from account activity")
	return nil
}

// Teardown deletes the webhook registered by this process and stops every
// activity handle.
func (wm *WebhookManager) Teardown(ctx context.Context) {
	wm.mu.Lock()
	hook := wm.registration
	wm.registration = nil
	handles := wm.handles
	wm.handles = make(map[string]*ActivityHandle)
	wm.mu.Unlock()

	for _, handle := range handles {
		handle.Close()
	}
	if hook == nil {
		return
	}
	if err := wm.api.DeleteWebhook(ctx, *hook); err != nil {
		wm.log.Warn().Err(err).Str("webhook_id", hook.ID).Msg("Failed to delete webhook")
	}
}

func (wm *WebhookManager) handleFor(accountID string) *ActivityHandle {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return wm.handles[accountID]
}

// ServeHTTP answers CRC challenges and accepts signed activity payloads.
func (wm *WebhookManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		wm.serveCRC(w, r)
	case http.MethodPost:
		wm.serveActivity(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (wm *WebhookManager) serveCRC(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("crc_token")
	if token == "" {
		http.Error(w, "missing crc_token", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"response_token": twitter.CRCResponse(wm.consumerSecret, token),
	}); err != nil {
		wm.log.Warn().Err(err).Msg("Failed to write CRC response")
	}
}

func (wm *WebhookManager) serveActivity(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !twitter.ValidSignature(wm.consumerSecret, body, r.Header.Get("x-twitter-webhooks-signature")) {
		wm.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Rejecting webhook payload with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)

	act := twitter.ParseActivity(body)
	handle := wm.handleFor(act.ForUserID)
	if handle == nil {
		wm.log.Debug().
			Str("for_user_id", act.ForUserID).
			Int("events", len(act.Events)).
			Msg("Dropping activity for unknown account")
		return
	}
	for _, evt := range act.Events {
		if !handle.enqueue(evt) {
			return
		}
	}
}

// ActivityHandle delivers one account's activity events in arrival order on
// its own goroutine. Enqueueing never blocks the webhook request.
type ActivityHandle struct {
	accountID string
	deliver   func(twitter.ActivityEvent)
	log       zerolog.Logger

	mu      sync.Mutex
	pending []twitter.ActivityEvent
	closed  bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newActivityHandle(accountID string, deliver func(twitter.ActivityEvent), log zerolog.Logger) *ActivityHandle {
	h := &ActivityHandle{
		accountID: accountID,
		deliver:   deliver,
		log:       log,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

// AccountID returns the account the handle routes for.
func (h *ActivityHandle) AccountID() string {
	return h.accountID
}

// Close stops delivery and waits for an event being delivered to finish.
// Queued events are dropped. Close must not be called from the deliver
// callback.
func (h *ActivityHandle) Close() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.pending = nil
		h.mu.Unlock()
		close(h.stop)
	})
	<-h.done
}

// enqueue queues evt for delivery. It reports false once the handle is
// closed. A full backlog drops the event.
func (h *ActivityHandle) enqueue(evt twitter.ActivityEvent) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	if len(h.pending) >= activityBacklog {
		h.mu.Unlock()
		h.log.Warn().
			Str("event_kind", evt.Kind().String()).
			Int("backlog", activityBacklog).
			Msg("Activity backlog full, dropping event")
		return true
	}
	h.pending = append(h.pending, evt)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return true
}

func (h *ActivityHandle) next() (twitter.ActivityEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.pending) == 0 {
		return nil, false
	}
	evt := h.pending[0]
	h.pending[0] = nil
	h.pending = h.pending[1:]
	return evt, true
}

func (h *ActivityHandle) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		case <-h.wake:
		}
		for {
			evt, ok := h.next()
			if !ok {
				break
			}
			h.deliverOne(evt)
		}
	}
}

func (h *ActivityHandle) deliverOne(evt twitter.ActivityEvent) {
	defer func() {
		if err := recover(); err != nil {
			h.log.Error().
				Any("panic", err).
				Str("event_kind", evt.Kind().String()).
				Msg("Panic while handling activity event")
		}
	}()
	h.deliver(evt)
}
