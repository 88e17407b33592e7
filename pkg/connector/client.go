// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

var errNoCredentials = errors.New("no Twitter credentials stored")

// remoteEventSender is an interface for queuing remote events. This allows
// tests to inject a mock instead of requiring a full bridgev2.Bridge.
type remoteEventSender interface {
	QueueRemoteEvent(login *bridgev2.UserLogin, evt bridgev2.RemoteEvent)
}

// bridgeEventSender is the production implementation that delegates to the bridge.
type bridgeEventSender struct {
	bridge *bridgev2.Bridge
}

func (b *bridgeEventSender) QueueRemoteEvent(login *bridgev2.UserLogin, evt bridgev2.RemoteEvent) {
	b.bridge.QueueRemoteEvent(login, evt)
}

// bridgeStateSender is satisfied by *bridgev2.BridgeStateQueue.
type bridgeStateSender interface {
	Send(state status.BridgeState)
}

// ghostUpdater applies profile updates to ghosts.
type ghostUpdater interface {
	UpdateGhost(ctx context.Context, userID networkid.UserID, info *bridgev2.UserInfo) error
}

type bridgeGhostUpdater struct {
	bridge *bridgev2.Bridge
}

func (b *bridgeGhostUpdater) UpdateGhost(ctx context.Context, userID networkid.UserID, info *bridgev2.UserInfo) error {
	ghost, err := b.bridge.GetGhostByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get ghost: %w", err)
	}
	ghost.UpdateInfo(ctx, info)
	return nil
}

// twitterAPI is the subset of *twitter.Client a session uses.
type twitterAPI interface {
	twitter.MediaAPI
	VerifyCredentials(ctx context.Context) (*twitter.User, error)
	LookupUser(ctx context.Context, userID string) (*twitter.User, error)
	SendDirectMessage(ctx context.Context, recipientID, text, mediaID string) (string, error)
	MarkRead(ctx context.Context, recipientID, eventID string) error
	IndicateTyping(ctx context.Context, recipientID string) error
	Download(ctx context.Context, mediaURL string) ([]byte, error)
}

// TwitterClient is the puppet session of a single Twitter account.
type TwitterClient struct {
	connector   *TwitterConnector
	userLogin   *bridgev2.UserLogin
	eventSender remoteEventSender
	bridgeState bridgeStateSender
	ghosts      ghostUpdater
	saveLogin   func(ctx context.Context) error

	api   twitterAPI
	creds twitter.Credentials

	accountID  string
	screenName string
	name       string

	ledger *EchoLedger

	appIDMu sync.RWMutex
	appID   string

	typingMu sync.Mutex
	typing   map[typingKey]struct{}

	activity *ActivityHandle
	log      zerolog.Logger
}

type typingKey struct {
	room   string
	sender string
}

var (
	_ bridgev2.NetworkAPI                    = (*TwitterClient)(nil)
	_ bridgev2.ReadReceiptHandlingNetworkAPI = (*TwitterClient)(nil)
	_ bridgev2.TypingHandlingNetworkAPI      = (*TwitterClient)(nil)
)

// NewTwitterClient creates a new client from an existing user login.
func NewTwitterClient(login *bridgev2.UserLogin, connector *TwitterConnector) *TwitterClient {
	log := login.Log.With().Str("component", "twitter_client").Logger()
	tc := &TwitterClient{
		connector:   connector,
		userLogin:   login,
		eventSender: &bridgeEventSender{bridge: connector.Bridge},
		ghosts:      &bridgeGhostUpdater{bridge: connector.Bridge},
		saveLogin:   login.Save,
		ledger:      NewEchoLedger(),
		appID:       connector.Config.AppID,
		typing:      make(map[typingKey]struct{}),
		log:         log,
	}
	if login.BridgeState != nil {
		tc.bridgeState = login.BridgeState
	}
	meta, _ := login.Metadata.(*UserLoginMetadata)
	if meta == nil {
		return tc
	}
	tc.accountID = meta.AccountID
	tc.screenName = meta.ScreenName
	tc.name = meta.Name
	tc.creds = twitter.Credentials{
		AccessToken:       meta.AccessToken,
		AccessTokenSecret: meta.AccessTokenSecret,
	}
	if !tc.creds.IsEmpty() && connector.App != nil {
		tc.api = connector.App.NewClient(tc.creds)
	}
	return tc
}

// Connect implements bridgev2.NetworkAPI. It does not return an error;
// failures are reported via BridgeState.
func (tc *TwitterClient) Connect(ctx context.Context) {
	if err := tc.connector.Sessions.Create(ctx, tc); err != nil {
		tc.log.Debug().Err(err).Msg("Session not created")
	}
}

// Disconnect unsubscribes the account and removes the session.
func (tc *TwitterClient) Disconnect() {
	tc.connector.Sessions.Destroy(context.Background(), tc.userLogin.ID)
}

// IsLoggedIn reports whether the client holds a token pair.
func (tc *TwitterClient) IsLoggedIn() bool {
	return tc.api != nil && !tc.creds.IsEmpty()
}

// LogoutRemote removes the activity subscription. Twitter has no endpoint
// to revoke a single access token.
func (tc *TwitterClient) LogoutRemote(ctx context.Context) {
	tc.connector.Sessions.Destroy(ctx, tc.userLogin.ID)
}

// IsThisUser reports whether the given network user ID is this session's account.
func (tc *TwitterClient) IsThisUser(_ context.Context, userID networkid.UserID) bool {
	return tc.accountID != "" && ParseUserID(userID) == tc.accountID
}

// authenticate verifies the credentials and stores the account's identity in
// the login.
func (tc *TwitterClient) authenticate(ctx context.Context) error {
	if !tc.IsLoggedIn() {
		return errNoCredentials
	}
	me, err := tc.api.VerifyCredentials(ctx)
	if err != nil {
		return err
	}
	tc.accountID = me.ID
	tc.screenName = me.ScreenName
	tc.name = me.Name

	meta, _ := tc.userLogin.Metadata.(*UserLoginMetadata)
	if meta == nil {
		meta = &UserLoginMetadata{AccessToken: tc.creds.AccessToken, AccessTokenSecret: tc.creds.AccessTokenSecret}
		tc.userLogin.Metadata = meta
	}
	meta.AccountID = me.ID
	meta.ScreenName = me.ScreenName
	meta.Name = me.Name
	tc.userLogin.RemoteName = formatRemoteName(me)
	if err := tc.saveLogin(ctx); err != nil {
		tc.log.Warn().Err(err).Msg("Failed to save login after verifying credentials")
	}
	return nil
}

func (tc *TwitterClient) sendState(event status.BridgeStateEvent, code status.BridgeStateErrorCode, message string) {
	if tc.bridgeState == nil {
		return
	}
	tc.bridgeState.Send(status.BridgeState{
		StateEvent: event,
		Error:      code,
		Message:    message,
	})
}

func (tc *TwitterClient) getAppID() string {
	tc.appIDMu.RLock()
	defer tc.appIDMu.RUnlock()
	return tc.appID
}

// learnAppID remembers the bridge's app ID the first time it is seen on an
// echo of an own message.
func (tc *TwitterClient) learnAppID(appID string) {
	if appID == "" {
		return
	}
	tc.appIDMu.Lock()
	defer tc.appIDMu.Unlock()
	if tc.appID == "" {
		tc.appID = appID
		tc.log.Debug().Str("app_id", appID).Msg("Learned own app ID from echo")
	}
}

// formatRemoteName renders the login description shown in the bridge.
func formatRemoteName(user *twitter.User) string {
	if user.Name == "" {
		return fmt.Sprintf("Twitter as @%s", user.ScreenName)
	}
	return fmt.Sprintf("Twitter as @%s (%s)", user.ScreenName, user.Name)
}

func (tc *TwitterClient) GetCapabilities(_ context.Context, _ *bridgev2.Portal) *event.RoomFeatures {
	return &event.RoomFeatures{
		File: event.FileFeatureMap{
			event.MsgImage: {
				MimeTypes: map[string]event.CapabilitySupportLevel{
					"image/jpeg": event.CapLevelFullySupported,
					"image/png":  event.CapLevelFullySupported,
					"image/gif":  event.CapLevelFullySupported,
					"image/webp": event.CapLevelFullySupported,
				},
				MaxSize: 5 * 1024 * 1024,
				Caption: event.CapLevelDropped,
			},
			event.MsgVideo: {
				MimeTypes: map[string]event.CapabilitySupportLevel{
					"video/mp4": event.CapLevelFullySupported,
				},
				MaxSize: 512 * 1024 * 1024,
				Caption: event.CapLevelDropped,
			},
		},
		MaxTextLength:       10000,
		ReadReceipts:        true,
		TypingNotifications: true,
	}
}
