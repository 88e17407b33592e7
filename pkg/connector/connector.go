// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

// TwitterConnector implements bridgev2.NetworkConnector for Twitter direct messages.
type TwitterConnector struct {
	Bridge   *bridgev2.Bridge
	Config   Config
	App      *twitter.App
	Webhooks *WebhookManager
	Sessions *SessionRegistry

	server *http.Server
}

var _ bridgev2.NetworkConnector = (*TwitterConnector)(nil)

func (tc *TwitterConnector) Init(bridge *bridgev2.Bridge) {
	tc.Bridge = bridge
}

func (tc *TwitterConnector) Start(ctx context.Context) error {
	if err := tc.Config.PostProcess(); err != nil {
		return fmt.Errorf("failed to post-process config: %w", err)
	}
	if tc.Config.ConsumerKey == "" || tc.Config.ConsumerSecret == "" {
		return fmt.Errorf("consumer_key and consumer_secret must be configured")
	}
	tc.setup()

	mux := http.NewServeMux()
	mux.Handle(tc.Config.Webhook.Path, tc.Webhooks)
	tc.server = &http.Server{
		Addr:         tc.Config.Webhook.ListenAddress,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		tc.Bridge.Log.Info().
			Str("addr", tc.server.Addr).
			Str("path", tc.Config.Webhook.Path).
			Msg("Starting webhook listener")
		if err := tc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			tc.Bridge.Log.Error().Err(err).Msg("Webhook listener error")
		}
	}()

	// Twitter sends a CRC challenge to the listener while registering.
	go func() {
		if err := tc.Webhooks.EnsureRegistration(ctx); err != nil {
			tc.Bridge.Log.Warn().Err(err).Msg("Initial webhook registration failed, retrying on next login")
		}
	}()
	return nil
}

// setup builds the API app, the webhook manager and the session registry.
func (tc *TwitterConnector) setup() {
	tc.App = twitter.NewApp(tc.Config.AppConfig())
	tc.Webhooks = NewWebhookManager(
		tc.App,
		tc.Config.ConsumerSecret,
		tc.Config.Webhook.URL,
		tc.Bridge.Log.With().Str("component", "webhook").Logger(),
	)
	tc.Sessions = NewSessionRegistry(tc.Webhooks, tc.Bridge.Log.With().Str("component", "sessions").Logger())
}

// Stop shuts down the webhook listener and deletes the webhook.
func (tc *TwitterConnector) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if tc.server != nil {
		if err := tc.server.Shutdown(ctx); err != nil {
			tc.Bridge.Log.Warn().Err(err).Msg("Failed to shut down webhook listener")
		}
	}
	if tc.Webhooks != nil {
		tc.Webhooks.Teardown(ctx)
	}
}

func (tc *TwitterConnector) LoadUserLogin(_ context.Context, login *bridgev2.UserLogin) error {
	login.Client = NewTwitterClient(login, tc)
	return nil
}

func (tc *TwitterConnector) GetName() bridgev2.BridgeName {
	return bridgev2.BridgeName{
		DisplayName:      "Twitter",
		NetworkURL:       "https://twitter.com",
		NetworkIcon:      "mxc://maunium.net/HVHcnusJkQcpVcsVGZRELLCn",
		NetworkID:        "twitter",
		BeeperBridgeType: "twitter",
		DefaultPort:      29327,
	}
}

func (tc *TwitterConnector) GetDBMetaTypes() database.MetaTypes {
	return database.MetaTypes{
		UserLogin: func() any {
			return &UserLoginMetadata{}
		},
	}
}

func (tc *TwitterConnector) GetCapabilities() *bridgev2.NetworkGeneralCapabilities {
	return &bridgev2.NetworkGeneralCapabilities{
		DisappearingMessages: false,
		AggressiveUpdateInfo: false,
	}
}

func (tc *TwitterConnector) GetBridgeInfoVersion() (info, capabilities int) {
	return 1, 1
}

// UserLoginMetadata is persisted with each user login.
type UserLoginMetadata struct {
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
	AccountID         string `json:"account_id"`
	ScreenName        string `json:"screen_name"`
	Name              string `json:"name"`
}
