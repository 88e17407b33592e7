// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/caarlos0/env/v11"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

//go:embed example-config.yaml
var ExampleConfig string

// envPrefix prefixes the environment variables that override secrets and
// the webhook URL, e.g. MAUTRIX_TWITTER_CONSUMER_SECRET.
const envPrefix = "MAUTRIX_TWITTER_"

const (
	defaultWebhookPath   = "/webhook/twitter"
	defaultListenAddress = ":29321"
	defaultTypingTimeout = 10
)

// Config holds the Twitter connector configuration.
type Config struct {
	ConsumerKey    string `yaml:"consumer_key" env:"CONSUMER_KEY"`
	ConsumerSecret string `yaml:"consumer_secret" env:"CONSUMER_SECRET"`
	// AccessToken and AccessTokenSecret belong to the account owning the
	// developer app. Webhooks are registered in its user context.
	AccessToken       string `yaml:"access_token" env:"ACCESS_TOKEN"`
	AccessTokenSecret string `yaml:"access_token_secret" env:"ACCESS_TOKEN_SECRET"`
	Environment       string `yaml:"environment" env:"ENVIRONMENT"`

	APIBaseURL    string `yaml:"api_base_url"`
	UploadBaseURL string `yaml:"upload_base_url"`

	// AppID is the numeric ID of the developer app. Messages sent by the
	// bridge carry it as source_app_id. Learned from the first echo when empty.
	AppID string `yaml:"app_id" env:"APP_ID"`

	DisplaynameTemplate string `yaml:"displayname_template"`
	TypingTimeout       int    `yaml:"typing_timeout"`
	// PublicMediaURL is the base URL under which Matrix media can be fetched
	// by the counterparty when a media upload fails. The mxc:// URI is sent
	// when it's empty.
	PublicMediaURL string `yaml:"public_media_url"`

	Webhook WebhookConfig `yaml:"webhook"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// WebhookConfig configures the Account Activity callback listener.
type WebhookConfig struct {
	// URL is the public callback URL registered with Twitter.
	URL string `yaml:"url" env:"WEBHOOK_URL"`
	// Path is the route the listener serves the callback on.
	Path          string `yaml:"path"`
	ListenAddress string `yaml:"listen_address"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	ID         string
	ScreenName string
	Name       string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies environment overrides and defaults and validates the
// config.
func (c *Config) PostProcess() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if err != nil {
		return err
	}
	if c.Webhook.Path == "" {
		c.Webhook.Path = defaultWebhookPath
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with a slash, got %q", c.Webhook.Path)
	}
	if c.Webhook.ListenAddress == "" {
		c.Webhook.ListenAddress = defaultListenAddress
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = defaultTypingTimeout
	}
	c.PublicMediaURL = strings.TrimSuffix(c.PublicMediaURL, "/")
	return nil
}

// AppConfig returns the developer app settings for the API client.
func (c *Config) AppConfig() *twitter.AppConfig {
	return &twitter.AppConfig{
		ConsumerKey:    c.ConsumerKey,
		ConsumerSecret: c.ConsumerSecret,
		Owner: twitter.Credentials{
			AccessToken:       c.AccessToken,
			AccessTokenSecret: c.AccessTokenSecret,
		},
		Environment:   c.Environment,
		APIBaseURL:    c.APIBaseURL,
		UploadBaseURL: c.UploadBaseURL,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "consumer_key")
	helper.Copy(up.Str, "consumer_secret")
	helper.Copy(up.Str, "access_token")
	helper.Copy(up.Str, "access_token_secret")
	helper.Copy(up.Str, "environment")
	helper.Copy(up.Str, "api_base_url")
	helper.Copy(up.Str, "upload_base_url")
	helper.Copy(up.Str, "app_id")
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Int, "typing_timeout")
	helper.Copy(up.Str, "public_media_url")
	helper.Copy(up.Str, "webhook", "url")
	helper.Copy(up.Str, "webhook", "path")
	helper.Copy(up.Str, "webhook", "listen_address")
}

func (tc *TwitterConnector) GetConfig() (example string, data any, upgrader up.Upgrader) {
	return ExampleConfig, &tc.Config, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         [][]string{{"webhook"}},
		Base:           ExampleConfig,
	}
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	fallback := params.Name
	if fallback == "" {
		fallback = params.ScreenName
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var buf strings.Builder
	if err := c.displaynameTemplate.Execute(&buf, params); err != nil || buf.Len() == 0 {
		return fallback
	}
	return buf.String()
}
