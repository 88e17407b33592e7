// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

const (
	flowPIN   = "pin"
	flowToken = "token"
)

// GetLoginFlows returns the available login methods for the bridge.
func (tc *TwitterConnector) GetLoginFlows() []bridgev2.LoginFlow {
	return []bridgev2.LoginFlow{
		{
			Name:        "PIN",
			Description: "Authorize the bridge on twitter.com and enter the PIN you get",
			ID:          flowPIN,
		},
		{
			Name:        "Access Token",
			Description: "Log in with an access token and secret of the bridge's Twitter app",
			ID:          flowToken,
		},
	}
}

// CreateLogin starts a new login process for the given flow.
func (tc *TwitterConnector) CreateLogin(_ context.Context, user *bridgev2.User, flowID string) (bridgev2.LoginProcess, error) {
	switch flowID {
	case flowPIN:
		return &PINLoginProcess{
			connector: tc,
			user:      user,
			handshake: twitter.NewHandshake(tc.Config.AppConfig()),
		}, nil
	case flowToken:
		return &TokenLoginProcess{
			connector: tc,
			user:      user,
		}, nil
	default:
		return nil, fmt.Errorf("unknown login flow: %s", flowID)
	}
}

// PINLoginProcess implements the out-of-band OAuth flow.
type PINLoginProcess struct {
	connector *TwitterConnector
	user      *bridgev2.User
	handshake *twitter.Handshake
}

var _ bridgev2.LoginProcessUserInput = (*PINLoginProcess)(nil)

func (p *PINLoginProcess) Start(_ context.Context) (*bridgev2.LoginStep, error) {
	authURL, err := p.handshake.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start authorization: %w", err)
	}
	return &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeUserInput,
		StepID:       "fi.mau.twitter.login.pin",
		Instructions: fmt.Sprintf("Open %s, authorize the bridge and enter the PIN shown", authURL),
		UserInputParams: &bridgev2.LoginUserInputParams{
			Fields: []bridgev2.LoginInputDataField{
				{
					Type: bridgev2.LoginInputFieldType2FACode,
					ID:   "pin",
					Name: "PIN",
				},
			},
		},
	}, nil
}

func (p *PINLoginProcess) SubmitUserInput(ctx context.Context, input map[string]string) (*bridgev2.LoginStep, error) {
	pin := strings.TrimSpace(input["pin"])
	if pin == "" {
		return nil, fmt.Errorf("PIN is required")
	}
	creds, err := p.handshake.Finish(pin)
	if err != nil {
		return nil, err
	}
	return finishLogin(ctx, p.connector, p.user, creds)
}

func (p *PINLoginProcess) Cancel() {}

// TokenLoginProcess implements login with an existing token pair.
type TokenLoginProcess struct {
	connector *TwitterConnector
	user      *bridgev2.User
}

var _ bridgev2.LoginProcessUserInput = (*TokenLoginProcess)(nil)

func (t *TokenLoginProcess) Start(_ context.Context) (*bridgev2.LoginStep, error) {
	return &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeUserInput,
		StepID:       "fi.mau.twitter.login.token",
		Instructions: "Enter an access token and secret issued for the bridge's Twitter app",
		UserInputParams: &bridgev2.LoginUserInputParams{
			Fields: []bridgev2.LoginInputDataField{
				{
					Type: bridgev2.LoginInputFieldTypePassword,
					ID:   "access_token",
					Name: "Access Token",
				},
				{
					Type: bridgev2.LoginInputFieldTypePassword,
					ID:   "access_token_secret",
					Name: "Access Token Secret",
				},
			},
		},
	}, nil
}

func (t *TokenLoginProcess) SubmitUserInput(ctx context.Context, input map[string]string) (*bridgev2.LoginStep, error) {
	creds := twitter.Credentials{
		AccessToken:       strings.TrimSpace(input["access_token"]),
		AccessTokenSecret: strings.TrimSpace(input["access_token_secret"]),
	}
	if creds.IsEmpty() {
		return nil, fmt.Errorf("access token and secret are required")
	}
	return finishLogin(ctx, t.connector, t.user, creds)
}

func (t *TokenLoginProcess) Cancel() {}

// verifyLogin checks creds and returns the account they belong to.
func verifyLogin(ctx context.Context, app *twitter.App, creds twitter.Credentials) (*twitter.User, error) {
	me, err := app.NewClient(creds).VerifyCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return me, nil
}

func finishLogin(ctx context.Context, connector *TwitterConnector, user *bridgev2.User, creds twitter.Credentials) (*bridgev2.LoginStep, error) {
	me, err := verifyLogin(ctx, connector.App, creds)
	if err != nil {
		return nil, err
	}

	loginID := MakeUserLoginID(me.ID)
	ul, err := user.NewLogin(ctx, &database.UserLogin{
		ID:         loginID,
		RemoteName: formatRemoteName(me),
		Metadata: &UserLoginMetadata{
			AccessToken:       creds.AccessToken,
			AccessTokenSecret: creds.AccessTokenSecret,
			AccountID:         me.ID,
			ScreenName:        me.ScreenName,
			Name:              me.Name,
		},
	}, &bridgev2.NewLoginParams{
		LoadUserLogin: connector.LoadUserLogin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create login: %w", err)
	}

	ul.Client.Connect(ul.Log.WithContext(ctx))

	return &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeComplete,
		StepID:       "fi.mau.twitter.login.complete",
		Instructions: fmt.Sprintf("Logged in as @%s", me.ScreenName),
		CompleteParams: &bridgev2.LoginCompleteParams{
			UserLoginID: loginID,
			UserLogin:   ul,
		},
	}, nil
}
