// Copyright 2024-2026 Aiku AI

package twitter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dghubble/oauth1"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AppConfig identifies the Twitter developer app the bridge runs as.
type AppConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	// Owner is the token pair of the app owner account. Webhook registration
	// is done in its user context.
	Owner Credentials
	// Environment is the Account Activity API dev environment label.
	Environment string

	APIBaseURL    string
	UploadBaseURL string
	// HTTPClient overrides the base transport used under the OAuth signers.
	HTTPClient *http.Client
}

func (a *AppConfig) apiBaseURL() string {
	if a.APIBaseURL != "" {
		return a.APIBaseURL
	}
	return DefaultAPIBaseURL
}

func (a *AppConfig) uploadBaseURL() string {
	if a.UploadBaseURL != "" {
		return a.UploadBaseURL
	}
	return DefaultUploadBaseURL
}

// httpContext carries the base HTTP client for both oauth1 and oauth2.
func (a *AppConfig) httpContext() context.Context {
	ctx := context.Background()
	if a.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.HTTPClient)
		ctx = context.WithValue(ctx, oauth1.HTTPClient, a.HTTPClient)
	}
	return ctx
}

// Webhook is a registered Account Activity webhook.
type Webhook struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Valid       bool   `json:"valid"`
	Environment string `json:"-"`
}

// App performs app-level calls: webhook management and account activity
// subscriptions.
type App struct {
	cfg    *AppConfig
	owner  *Client
	bearer *http.Client
}

// NewApp creates an App. The bearer client fetches an app-only token through
// the OAuth2 client credentials grant on first use.
func NewApp(cfg *AppConfig) *App {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ConsumerKey,
		ClientSecret: cfg.ConsumerSecret,
		TokenURL:     cfg.apiBaseURL() + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return &App{
		cfg:    cfg,
		owner:  NewClient(cfg, cfg.Owner),
		bearer: cc.Client(cfg.httpContext()),
	}
}

// Config returns the app configuration.
func (a *App) Config() *AppConfig {
	return a.cfg
}

// NewClient returns a client for the given account.
func (a *App) NewClient(creds Credentials) *Client {
	return NewClient(a.cfg, creds)
}

func (a *App) envURL(suffix string) string {
	return a.cfg.apiBaseURL() + "/1.1/account_activity/all/" + url.PathEscape(a.cfg.Environment) + suffix
}

type webhookEnvironments struct {
	Environments []struct {
		Name     string    `json:"environment_name"`
		Webhooks []Webhook `json:"webhooks"`
	} `json:"environments"`
}

// ListWebhooks returns every webhook registered for the app, across all
// environments.
func (a *App) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.apiBaseURL()+"/1.1/account_activity/all/webhooks.json", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	var resp webhookEnvironments
	if err := doJSON(a.bearer, req, &resp); err != nil {
		return nil, err
	}
	var hooks []Webhook
	for _, env := range resp.Environments {
		for _, hook := range env.Webhooks {
			hook.Environment = env.Name
			hooks = append(hooks, hook)
		}
	}
	return hooks, nil
}

// RegisterWebhook registers callbackURL in the configured environment. The
// platform sends a CRC challenge to the URL before answering.
func (a *App) RegisterWebhook(ctx context.Context, callbackURL string) (*Webhook, error) {
	q := url.Values{"url": {callbackURL}}
	var hook Webhook
	if err := a.owner.postForm(ctx, a.envURL("/webhooks.json?"+q.Encode()), nil, &hook); err != nil {
		return nil, err
	}
	hook.Environment = a.cfg.Environment
	return &hook, nil
}

// DeleteWebhook removes a webhook from the environment it was registered in.
func (a *App) DeleteWebhook(ctx context.Context, hook Webhook) error {
	env := hook.Environment
	if env == "" {
		env = a.cfg.Environment
	}
	u := a.cfg.apiBaseURL() + "/1.1/account_activity/all/" + url.PathEscape(env) +
		"/webhooks/" + url.PathEscape(hook.ID) + ".json"
	return a.owner.delete(ctx, u)
}

// Subscribe subscribes the account owning creds to the environment's webhook.
func (a *App) Subscribe(ctx context.Context, creds Credentials) error {
	return a.NewClient(creds).postForm(ctx, a.envURL("/subscriptions.json"), nil, nil)
}

// Unsubscribe removes the subscription of the account owning creds.
func (a *App) Unsubscribe(ctx context.Context, creds Credentials) error {
	return a.NewClient(creds).delete(ctx, a.envURL("/subscriptions.json"))
}
