// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package twitter is a small client for the parts of the Twitter v1.1 API the
// bridge needs: account verification, direct messages, chunked media upload,
// user lookup and the Account Activity webhook API.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/oauth1"
)

const (
	DefaultAPIBaseURL    = "https://api.twitter.com"
	DefaultUploadBaseURL = "https://upload.twitter.com"
)

// Credentials is the OAuth 1.0a access token pair of a single account.
type Credentials struct {
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
}

// IsEmpty reports whether either half of the token pair is missing.
func (c Credentials) IsEmpty() bool {
	return c.AccessToken == "" || c.AccessTokenSecret == ""
}

// User is the subset of a Twitter user object the bridge uses.
type User struct {
	ID                   string `json:"id_str"`
	ScreenName           string `json:"screen_name"`
	Name                 string `json:"name"`
	ProfileImageURLHTTPS string `json:"profile_image_url_https"`
}

// Client is an API client authenticated as a single account.
type Client struct {
	apiBase    string
	uploadBase string
	http       *http.Client
}

// NewClient creates a client that signs every request with the app's consumer
// key and the given account credentials.
func NewClient(app *AppConfig, creds Credentials) *Client {
	cfg := oauth1.NewConfig(app.ConsumerKey, app.ConsumerSecret)
	return &Client{
		apiBase:    app.apiBaseURL(),
		uploadBase: app.uploadBaseURL(),
		http:       cfg.Client(app.httpContext(), oauth1.NewToken(creds.AccessToken, creds.AccessTokenSecret)),
	}
}

// VerifyCredentials returns the account the client is authenticated as.
func (c *Client) VerifyCredentials(ctx context.Context) (*User, error) {
	var user User
	err := c.get(ctx, c.apiBase+"/1.1/account/verify_credentials.json?skip_status=true", &user)
	if err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, fmt.Errorf("verify_credentials returned no user id")
	}
	return &user, nil
}

// LookupUser fetches a user by numeric ID.
func (c *Client) LookupUser(ctx context.Context, userID string) (*User, error) {
	q := url.Values{"user_id": {userID}, "include_entities": {"false"}}
	var user User
	if err := c.get(ctx, c.apiBase+"/1.1/users/show.json?"+q.Encode(), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Download fetches a URL with the client's credentials. Direct message media
// is only served to requests signed by one of the conversation's members.
func (c *Client) Download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return doJSON(c.http, req, out)
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doJSON(c.http, req, out)
}

func (c *Client) postJSON(ctx context.Context, u string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(c.http, req, out)
}

func (c *Client) delete(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return doJSON(c.http, req, nil)
}

// doJSON executes req and decodes a JSON response into out. Non-2xx responses
// become *APIError.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
