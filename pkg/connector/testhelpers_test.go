// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

const (
	testConsumerSecret = "cs"
	testEnvironment    = "prod"
	testCallbackURL    = "https://bridge.example.com/webhook/twitter"
)

// mockEventSender captures queued remote events for test assertions.
type mockEventSender struct {
	mu     sync.Mutex
	events []bridgev2.RemoteEvent
}

func (m *mockEventSender) QueueRemoteEvent(_ *bridgev2.UserLogin, evt bridgev2.RemoteEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockEventSender) Events() []bridgev2.RemoteEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]bridgev2.RemoteEvent, len(m.events))
	copy(cp, m.events)
	return cp
}

// mockStateSender captures bridge states.
type mockStateSender struct {
	mu     sync.Mutex
	states []status.BridgeState
}

func (m *mockStateSender) Send(state status.BridgeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *mockStateSender) States() []status.BridgeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]status.BridgeState, len(m.states))
	copy(cp, m.states)
	return cp
}

func (m *mockStateSender) Last() status.BridgeState {
	states := m.States()
	if len(states) == 0 {
		return status.BridgeState{}
	}
	return states[len(states)-1]
}

// mockGhostUpdater records ghost profile updates.
type mockGhostUpdater struct {
	mu      sync.Mutex
	updates map[networkid.UserID]*bridgev2.UserInfo
}

func (m *mockGhostUpdater) UpdateGhost(_ context.Context, userID networkid.UserID, info *bridgev2.UserInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updates == nil {
		m.updates = make(map[networkid.UserID]*bridgev2.UserInfo)
	}
	m.updates[userID] = info
	return nil
}

func (m *mockGhostUpdater) Get(userID networkid.UserID) *bridgev2.UserInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[userID]
}

type uploadedMedia struct {
	RoomID   id.RoomID
	Data     []byte
	FileName string
	MimeType string
}

// mockMatrixMedia stands in for the Matrix media repository.
type mockMatrixMedia struct {
	mu        sync.Mutex
	uploads   []uploadedMedia
	files     map[id.ContentURIString][]byte
	UploadErr error
}

func (m *mockMatrixMedia) UploadMedia(_ context.Context, roomID id.RoomID, data []byte, fileName, mimeType string) (id.ContentURIString, *event.EncryptedFileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UploadErr != nil {
		return "", nil, m.UploadErr
	}
	m.uploads = append(m.uploads, uploadedMedia{RoomID: roomID, Data: data, FileName: fileName, MimeType: mimeType})
	return id.ContentURIString(fmt.Sprintf("mxc://example.com/upload%d", len(m.uploads))), nil, nil
}

func (m *mockMatrixMedia) DownloadMedia(_ context.Context, uri id.ContentURIString, _ *event.EncryptedFileInfo) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[uri]
	if !ok {
		return nil, fmt.Errorf("media %s not found", uri)
	}
	return data, nil
}

func (m *mockMatrixMedia) Uploads() []uploadedMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]uploadedMedia, len(m.uploads))
	copy(cp, m.uploads)
	return cp
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Token  string
	Body   string
}

type sentDM struct {
	Token     string
	Recipient string
	Text      string
	MediaID   string
}

type fakeWebhook struct {
	ID          string
	URL         string
	Environment string
}

// fakeTwitter is a test helper that wraps an httptest.Server simulating the
// Twitter API. It records calls and provides canned responses.
type fakeTwitter struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Accounts maps access tokens to the account they belong to.
	Accounts map[string]twitter.User
	// Users are returned by users/show.
	Users map[string]twitter.User
	// Webhooks are the registered webhooks.
	Webhooks []fakeWebhook
	// Media maps download paths to their content.
	Media map[string][]byte

	// SubscribeConflicts is the number of subscribe calls answered with a
	// duplicate subscription error before subscribing succeeds.
	SubscribeConflicts int
	// FailStatus maps "METHOD path-prefix" to a status code to fail with.
	FailStatus map[string]int
	// FailWebhookDelete lists webhook IDs whose deletion fails.
	FailWebhookDelete map[string]bool
	// RegisterDelay is how long webhook registration takes.
	RegisterDelay time.Duration

	dms         []sentDM
	nextEventID int
	nextMediaID int
	nextHookID  int
}

func newFakeTwitter(t *testing.T) *fakeTwitter {
	f := &fakeTwitter{
		Accounts:          make(map[string]twitter.User),
		Users:             make(map[string]twitter.User),
		Media:             make(map[string][]byte),
		FailStatus:        make(map[string]int),
		FailWebhookDelete: make(map[string]bool),
		nextEventID:       1000,
		nextMediaID:       500,
		nextHookID:        900,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

// AddAccount makes token a valid access token of the given account.
func (f *fakeTwitter) AddAccount(token string, user twitter.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Accounts[token] = user
	f.Users[user.ID] = user
}

func (f *fakeTwitter) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the calls matching method and path suffix.
func (f *fakeTwitter) CallsTo(method, pathSuffix string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && strings.HasSuffix(c.Path, pathSuffix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTwitter) DMs() []sentDM {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentDM, len(f.dms))
	copy(cp, f.dms)
	return cp
}

var oauthTokenPattern = regexp.MustCompile(`oauth_token="([^"]*)"`)

func requestToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if m := oauthTokenPattern.FindStringSubmatch(auth); m != nil {
		token, err := url.QueryUnescape(m[1])
		if err != nil {
			return m[1]
		}
		return token
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, map[string]any{"errors": []map[string]any{{"code": code, "message": message}}})
}

func (f *fakeTwitter) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	token := requestToken(r)
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Token: token, Body: string(body)})
	for key, code := range f.FailStatus {
		method, prefix, _ := strings.Cut(key, " ")
		if method == r.Method && strings.HasPrefix(r.URL.Path, prefix) {
			f.mu.Unlock()
			writeAPIError(w, code, 0, "forced failure")
			return
		}
	}
	f.mu.Unlock()

	envPrefix := "/1.1/account_activity/all/" + testEnvironment
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/oauth/request_token":
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte("oauth_token=req-token&oauth_token_secret=req-secret&oauth_callback_confirmed=true"))

	case r.Method == http.MethodPost && path == "/oauth/access_token":
		w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte("oauth_token=tok-a&oauth_token_secret=tok-a-secret&user_id=100&screen_name=alice"))

	case r.Method == http.MethodPost && path == "/oauth2/token":
		writeJSON(w, http.StatusOK, map[string]string{"token_type": "bearer", "access_token": "app-bearer"})

	case r.Method == http.MethodGet && path == "/1.1/account/verify_credentials.json":
		f.mu.Lock()
		user, ok := f.Accounts[token]
		f.mu.Unlock()
		if !ok {
			writeAPIError(w, http.StatusUnauthorized, 89, "Invalid or expired token.")
			return
		}
		writeJSON(w, http.StatusOK, user)

	case r.Method == http.MethodGet && path == "/1.1/users/show.json":
		f.mu.Lock()
		user, ok := f.Users[r.URL.Query().Get("user_id")]
		f.mu.Unlock()
		if !ok {
			writeAPIError(w, http.StatusNotFound, 50, "User not found.")
			return
		}
		writeJSON(w, http.StatusOK, user)

	case r.Method == http.MethodPost && path == "/1.1/direct_messages/events/new.json":
		f.handleNewDM(w, token, body)

	case r.Method == http.MethodPost && (path == "/1.1/direct_messages/mark_read.json" || path == "/1.1/direct_messages/indicate_typing.json"):
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && path == "/1.1/media/upload.json":
		f.handleUpload(w, body)

	case r.Method == http.MethodGet && path == "/1.1/account_activity/all/webhooks.json":
		f.handleListWebhooks(w)

	case r.Method == http.MethodPost && path == envPrefix+"/webhooks.json":
		f.handleRegisterWebhook(w, r)

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/1.1/account_activity/all/") && strings.Contains(path, "/webhooks/"):
		f.handleDeleteWebhook(w, path)

	case r.Method == http.MethodPost && path == envPrefix+"/subscriptions.json":
		f.mu.Lock()
		conflict := f.SubscribeConflicts > 0
		if conflict {
			f.SubscribeConflicts--
		}
		f.mu.Unlock()
		if conflict {
			writeAPIError(w, http.StatusConflict, 355, "Subscription already exists.")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodDelete && path == envPrefix+"/subscriptions.json":
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/media/"):
		f.mu.Lock()
		data, ok := f.Media[path]
		f.mu.Unlock()
		if !ok {
			writeAPIError(w, http.StatusNotFound, 0, "not found")
			return
		}
		_, _ = w.Write(data)

	default:
		writeAPIError(w, http.StatusNotFound, 34, "Sorry, that page does not exist.")
	}
}

func (f *fakeTwitter) handleNewDM(w http.ResponseWriter, token string, body []byte) {
	var req struct {
		Event struct {
			MessageCreate struct {
				Target struct {
					RecipientID string `json:"recipient_id"`
				} `json:"target"`
				MessageData struct {
					Text       string `json:"text"`
					Attachment *struct {
						Media struct {
							ID string `json:"id"`
						} `json:"media"`
					} `json:"attachment"`
				} `json:"message_data"`
			} `json:"message_create"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, 0, err.Error())
		return
	}
	dm := sentDM{
		Token:     token,
		Recipient: req.Event.MessageCreate.Target.RecipientID,
		Text:      req.Event.MessageCreate.MessageData.Text,
	}
	if att := req.Event.MessageCreate.MessageData.Attachment; att != nil {
		dm.MediaID = att.Media.ID
	}
	f.mu.Lock()
	f.nextEventID++
	eventID := fmt.Sprintf("%d", f.nextEventID)
	f.dms = append(f.dms, dm)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"event": map[string]any{"type": "message_create", "id": eventID}})
}

func (f *fakeTwitter) handleUpload(w http.ResponseWriter, body []byte) {
	form, _ := url.ParseQuery(string(body))
	switch form.Get("command") {
	case "INIT":
		f.mu.Lock()
		f.nextMediaID++
		mediaID := fmt.Sprintf("%d", f.nextMediaID)
		f.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]string{"media_id_string": mediaID})
	case "APPEND":
		w.WriteHeader(http.StatusNoContent)
	case "FINALIZE":
		writeJSON(w, http.StatusCreated, map[string]string{"media_id_string": form.Get("media_id")})
	default:
		writeAPIError(w, http.StatusBadRequest, 0, "unknown command")
	}
}

func (f *fakeTwitter) handleListWebhooks(w http.ResponseWriter) {
	f.mu.Lock()
	byEnv := make(map[string][]map[string]any)
	var order []string
	for _, hook := range f.Webhooks {
		if _, ok := byEnv[hook.Environment]; !ok {
			order = append(order, hook.Environment)
		}
		byEnv[hook.Environment] = append(byEnv[hook.Environment], map[string]any{"id": hook.ID, "url": hook.URL, "valid": true})
	}
	f.mu.Unlock()
	envs := make([]map[string]any, 0, len(order))
	for _, env := range order {
		envs = append(envs, map[string]any{"environment_name": env, "webhooks": byEnv[env]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

func (f *fakeTwitter) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	delay := f.RegisterDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	f.nextHookID++
	hook := fakeWebhook{
		ID:          fmt.Sprintf("%d", f.nextHookID),
		URL:         r.URL.Query().Get("url"),
		Environment: testEnvironment,
	}
	f.Webhooks = append(f.Webhooks, hook)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": hook.ID, "url": hook.URL, "valid": true})
}

func (f *fakeTwitter) handleDeleteWebhook(w http.ResponseWriter, path string) {
	hookID := strings.TrimSuffix(path[strings.LastIndex(path, "/")+1:], ".json")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWebhookDelete[hookID] {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors":[{"code":131,"message":"Internal error"}]}`))
		return
	}
	kept := f.Webhooks[:0]
	for _, hook := range f.Webhooks {
		if hook.ID != hookID {
			kept = append(kept, hook)
		}
	}
	f.Webhooks = kept
	w.WriteHeader(http.StatusNoContent)
}

func testConfig(serverURL string) Config {
	return Config{
		ConsumerKey:         "ck",
		ConsumerSecret:      testConsumerSecret,
		AccessToken:         "owner-token",
		AccessTokenSecret:   "owner-secret",
		Environment:         testEnvironment,
		APIBaseURL:          serverURL,
		UploadBaseURL:       serverURL,
		DisplaynameTemplate: "{{.Name}} (Twitter)",
		Webhook:             WebhookConfig{URL: testCallbackURL},
	}
}

// newTestConnector creates a connector wired to the fake API. Its components
// log to log.
func newTestConnector(t *testing.T, f *fakeTwitter, log zerolog.Logger) *TwitterConnector {
	t.Helper()
	tc := &TwitterConnector{
		Bridge: &bridgev2.Bridge{Log: log},
		Config: testConfig(f.Server.URL),
	}
	if err := tc.Config.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	tc.setup()
	t.Cleanup(func() {
		tc.Webhooks.Teardown(context.Background())
	})
	return tc
}

// testSession bundles a client with the mocks it reports to.
type testSession struct {
	client *TwitterClient
	events *mockEventSender
	states *mockStateSender
	ghosts *mockGhostUpdater
}

// newTestSession creates a client for the account owning token.
func newTestSession(connector *TwitterConnector, accountID, token string) *testSession {
	login := &bridgev2.UserLogin{
		UserLogin: &database.UserLogin{
			ID: MakeUserLoginID(accountID),
			Metadata: &UserLoginMetadata{
				AccessToken:       token,
				AccessTokenSecret: token + "-secret",
				AccountID:         accountID,
			},
		},
		Log: zerolog.Nop(),
	}
	s := &testSession{
		client: NewTwitterClient(login, connector),
		events: &mockEventSender{},
		states: &mockStateSender{},
		ghosts: &mockGhostUpdater{},
	}
	s.client.eventSender = s.events
	s.client.bridgeState = s.states
	s.client.ghosts = s.ghosts
	s.client.saveLogin = func(context.Context) error { return nil }
	return s
}

func makeTestPortal(counterpartyID string) *bridgev2.Portal {
	return &bridgev2.Portal{
		Portal: &database.Portal{
			PortalKey: networkid.PortalKey{
				ID: MakePortalID(counterpartyID),
			},
		},
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
