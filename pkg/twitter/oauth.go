// Copyright 2024-2026 Aiku AI

package twitter

import (
	"fmt"

	"github.com/dghubble/oauth1"
)

// Handshake runs the out-of-band (PIN) OAuth 1.0a flow that produces
// account Credentials.
type Handshake struct {
	config *oauth1.Config

	requestToken  string
	requestSecret string
}

// NewHandshake prepares a PIN flow for the app. Token requests go through
// app.HTTPClient when it is set.
func NewHandshake(app *AppConfig) *Handshake {
	base := app.apiBaseURL()
	return &Handshake{config: &oauth1.Config{
		ConsumerKey:    app.ConsumerKey,
		ConsumerSecret: app.ConsumerSecret,
		CallbackURL:    "oob",
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: base + "/oauth/request_token",
			AuthorizeURL:    base + "/oauth/authorize",
			AccessTokenURL:  base + "/oauth/access_token",
		},
		HTTPClient: app.HTTPClient,
	}}
}

// Start obtains a request token and returns the URL the user has to open to
// get a PIN.
func (h *Handshake) Start() (string, error) {
	token, secret, err := h.config.RequestToken()
	if err != nil {
		return "", fmt.Errorf("failed to get request token: %w", err)
	}
	authURL, err := h.config.AuthorizationURL(token)
	if err != nil {
		return "", fmt.Errorf("failed to build authorization url: %w", err)
	}
	h.requestToken, h.requestSecret = token, secret
	return authURL.String(), nil
}

// Finish exchanges the PIN for the account's access token pair.
func (h *Handshake) Finish(pin string) (Credentials, error) {
	if h.requestToken == "" {
		return Credentials{}, fmt.Errorf("handshake not started")
	}
	token, secret, err := h.config.AccessToken(h.requestToken, h.requestSecret, pin)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to fetch tokens: %w", err)
	}
	return Credentials{AccessToken: token, AccessTokenSecret: secret}, nil
}
