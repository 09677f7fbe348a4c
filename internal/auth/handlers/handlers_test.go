package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/clients"
	"github.com/brizzai/task-mcp/internal/auth/encryption"
	"github.com/brizzai/task-mcp/internal/auth/flow"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/auth/providers/providertest"
	"github.com/brizzai/task-mcp/internal/auth/sessions"
	"github.com/brizzai/task-mcp/internal/auth/state"
	"github.com/brizzai/task-mcp/internal/auth/users"
	"github.com/brizzai/task-mcp/internal/storage/memory"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "https://mcp.example.com"

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	handler  *Handler
	mux      *http.ServeMux
	stub     *providertest.Stub
	sessions *sessions.Store
	clients  *clients.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := encryption.New("handlers-test-secret-handlers-test-0000")
	require.NoError(t, err)

	repo := memory.New()
	stub := providertest.NewStub()
	states := state.NewMemoryStore(0)
	t.Cleanup(states.Stop)

	store := sessions.NewStore(repo, c, 10)
	registry := clients.NewRegistry(repo, c, 0)
	f := flow.New(flow.Deps{
		Provider: stub,
		States:   states,
		Users:    users.NewDirectory(repo),
		Sessions: store,
		Clients:  registry,
	})

	h := NewHandler(baseURL+"/", "", f, registry, repo)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/authorize", h.HandleAuthorize)
	mux.HandleFunc("/oauth/callback", h.HandleAuthCallback)
	mux.HandleFunc("/oauth/refresh", h.HandleRefresh)
	mux.HandleFunc("/oauth/register", h.HandleRegister)
	mux.HandleFunc("/oauth/clients/{client_id}", h.HandleClient)
	mux.HandleFunc("/oauth/logout", h.HandleLogout)
	mux.HandleFunc("/healthz", h.HandleHealth)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.HandleProtectedResourceDiscovery)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.HandleAuthorizationServerDiscovery)

	return &fixture{handler: h, mux: mux, stub: stub, sessions: store, clients: registry}
}

func (f *fixture) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// login runs authorize and callback for user and returns the session id.
func (f *fixture) login(t *testing.T, user models.UserInfo) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/oauth/authorize", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	auth := decode[flow.Authorization](t, rec)

	f.stub.AddCode("code-"+user.ID, user)
	rec = f.do(t, http.MethodGet, "/oauth/callback?code=code-"+user.ID+"&state="+auth.State, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[flow.Completion](t, rec).SessionID
}

var alice = models.UserInfo{ID: "sub-alice", Email: "alice@example.com", Name: "Alice"}

func TestDiscovery(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/.well-known/oauth-authorization-server", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[map[string]any](t, rec)
	assert.Equal(t, baseURL, doc["issuer"])
	assert.Equal(t, baseURL+"/oauth/authorize", doc["authorization_endpoint"])
	assert.Equal(t, baseURL+"/oauth/register", doc["registration_endpoint"])
	assert.Equal(t, []any{"S256"}, doc["code_challenge_methods_supported"])

	rec = f.do(t, http.MethodGet, "/.well-known/oauth-protected-resource", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	assert.Equal(t, "Session-Id", res["session_header"])

	rec = f.do(t, http.MethodPost, "/.well-known/oauth-protected-resource", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuthorize_GetRedirects(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/oauth/authorize", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "idp.test", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
}

func TestAuthorize_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/oauth/authorize?client_id=client_x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode[map[string]string](t, rec)["error"])

	rec = f.do(t, http.MethodGet, "/oauth/authorize?client_id=client_x&redirect_uri=https://a.test/cb", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decode[map[string]string](t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/oauth/authorize", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/oauth/authorize", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCallback(t *testing.T) {
	f := newFixture(t)

	sessionID := f.login(t, alice)
	sess, err := f.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, alice.ID, sess.UserID)
}

func TestCallback_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/oauth/authorize", "", nil)
	auth := decode[flow.Authorization](t, rec)

	rec = f.do(t, http.MethodGet, "/oauth/callback?code=bad&state="+auth.State, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "authorization_exchange_failed", body["error"])
	assert.Equal(t, baseURL+"/oauth/authorize", body["authorization_url"])
	assert.NotContains(t, rec.Body.String(), "bad code")

	rec = f.do(t, http.MethodGet, "/oauth/callback?code=bad&state="+auth.State, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_state", decode[map[string]string](t, rec)["error"])
}

func TestCallback_ProviderDenied(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/oauth/authorize", "", nil)
	auth := decode[flow.Authorization](t, rec)

	rec = f.do(t, http.MethodGet, "/oauth/callback?error=access_denied&state="+auth.State, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "authorization_exchange_failed", decode[map[string]string](t, rec)["error"])

	f.stub.AddCode("late", alice)
	rec = f.do(t, http.MethodGet, "/oauth/callback?code=late&state="+auth.State, "", nil)
	assert.Equal(t, "invalid_state", decode[map[string]string](t, rec)["error"])
}

func TestCallback_DynamicClientPost(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/oauth/register",
		`{"platform":"android","redirect_uris":["com.example.app://cb"]}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	reg := decode[registerResponse](t, rec)

	rec = f.do(t, http.MethodGet, "/oauth/authorize?client_id="+reg.ClientID+"&redirect_uri="+url.QueryEscape("com.example.app://cb"), "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	st := loc.Query().Get("state")
	assert.Equal(t, "com.example.app://cb", loc.Query().Get("redirect_uri"))

	f.stub.AddCode("dyn-code", alice)
	form := url.Values{
		"code":          {"dyn-code"},
		"state":         {st},
		"client_id":     {reg.ClientID},
		"client_secret": {reg.ClientSecret},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	out := httptest.NewRecorder()
	f.mux.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())
	assert.Equal(t, alice.Email, decode[flow.Completion](t, out).UserEmail)
}

func TestRefreshAndLogout(t *testing.T) {
	f := newFixture(t)
	sessionID := f.login(t, alice)

	rec := f.do(t, http.MethodPost, "/oauth/refresh", "", map[string]string{"Session-Id": sessionID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[refreshResponse](t, rec)
	assert.Equal(t, sessionID, out.SessionID)
	assert.True(t, out.ExpiresAt.After(time.Now()))
	assert.Equal(t, 1, f.stub.RefreshCalls())

	rec = f.do(t, http.MethodPost, "/oauth/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "resource_metadata=")

	rec = f.do(t, http.MethodPost, "/oauth/logout", "", map[string]string{"Authorization": "Bearer " + sessionID})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, f.stub.Revoked(), 1)

	rec = f.do(t, http.MethodPost, "/oauth/refresh", "", map[string]string{"Session-Id": sessionID})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_session", decode[map[string]string](t, rec)["error"])
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/oauth/register",
		`{"platform":"ios","redirect_uris":["com.example.app://cb"],"client_name":"Example"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	reg := decode[registerResponse](t, rec)
	assert.True(t, strings.HasPrefix(reg.ClientID, "client_"))
	assert.NotEmpty(t, reg.ClientSecret)
	assert.Equal(t, "ios", reg.Platform)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), reg.ExpiresAt, time.Minute)

	rec = f.do(t, http.MethodGet, "/oauth/clients/"+reg.ClientID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "client_secret")
	info := decode[ClientInfo](t, rec)
	want := ClientInfo{
		ClientID:     reg.ClientID,
		ClientName:   "Example",
		Platform:     "ios",
		RedirectURIs: []string{"com.example.app://cb"},
	}
	if diff := cmp.Diff(want, info, cmpIgnoreTimes); diff != "" {
		t.Errorf("client info mismatch (-want +got):\n%s", diff)
	}
}

var cmpIgnoreTimes = cmp.FilterPath(func(p cmp.Path) bool {
	switch p.Last().String() {
	case ".CreatedAt", ".ExpiresAt", ".LastUsed":
		return true
	}
	return false
}, cmp.Ignore())

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "bad platform", body: `{"platform":"tv","redirect_uris":["https://a.test/cb"]}`},
		{name: "no uris", body: `{"platform":"web","redirect_uris":[]}`},
		{name: "javascript uri", body: `{"platform":"web","redirect_uris":["javascript://alert(1)"]}`},
		{name: "plain http", body: `{"platform":"web","redirect_uris":["http://example.com/cb"]}`},
		{name: "not json", body: `platform=web`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/oauth/register", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestClient_Delete(t *testing.T) {
	f := newFixture(t)

	reg, err := f.clients.Register(context.Background(), "cli", []string{"http://localhost:8765/cb"}, "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/oauth/clients/"+reg.ClientID, `{"client_secret":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodDelete, "/oauth/clients/"+reg.ClientID, `{"client_secret":"`+reg.ClientSecret+`"}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/oauth/clients/"+reg.ClientID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decode[map[string]string](t, rec)["error"])

	rec = f.do(t, http.MethodPatch, "/oauth/clients/"+reg.ClientID, "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	f.handler.store = failingPinger{}
	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
