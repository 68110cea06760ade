package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/slack-mcp-broker/internal/broker"
	perrors "github.com/p-blackswan/slack-mcp-broker/internal/errors"
	"github.com/p-blackswan/slack-mcp-broker/internal/health"
	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/internal/session"
	"github.com/p-blackswan/slack-mcp-broker/internal/upstream"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

const (
	testClientID = "mcp-client"
	testRedirect = "http://localhost:8080/oauth/callback"
	goodCode     = "good"
	liveToken    = "xoxp-live"
)

// fakeSlack accepts goodCode and treats liveToken as live.
type fakeSlack struct {
	mu        sync.Mutex
	exchanges int
}

func (f *fakeSlack) ExchangeCode(_ context.Context, code, _ string) (upstream.ExchangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	if code == goodCode {
		return upstream.ExchangeResult{OK: true, AccessToken: liveToken, UserID: "U1"}, nil
	}
	return upstream.ExchangeResult{OK: false, Error: "invalid_code"}, nil
}

func (f *fakeSlack) CheckLiveness(_ context.Context, token string) bool {
	return token == liveToken
}

type testEnv struct {
	app   *fiber.App
	b     *broker.Broker
	coord *session.Coordinator
	store tokenstore.Store
}

// newTestEnv builds the server over in-memory collaborators.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	store := tokenstore.NewMemoryStore()
	slack := &fakeSlack{}
	m := metrics.New()

	b, err := broker.New(broker.Config{
		ClientID:       "broker-app-id",
		ClientSecret:   "secret",
		ServiceBaseURL: "https://broker.example",
	}, store, slack, logger, broker.WithMetrics(m))
	require.NoError(t, err)

	manager := session.NewManager(slack, logger)
	coord := session.NewCoordinator(session.CoordinatorConfig{ClientID: "broker-app-id"}, manager, store, b, slack, logger)

	checker := health.NewChecker(logger)
	checker.Register("store", health.StoreCheck(store))

	cfg := Config{
		ListenAddr:  ":0",
		Environment: "test",
		RateLimit:   RateLimitConfig{RPS: 100, Burst: 200},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	srv := New(cfg, b, coord, store, checker, m, logger)
	return &testEnv{app: srv.App(), b: b, coord: coord, store: store}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, target string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	return e.do(t, req)
}

func (e *testEnv) postForm(t *testing.T, target string, form url.Values) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(t, req)
}

func decodeOAuthError(t *testing.T, resp *http.Response) *perrors.OAuthError {
	t.Helper()
	var oe perrors.OAuthError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&oe))
	return &oe
}

func location(t *testing.T, resp *http.Response) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	u, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return u
}

func authorizePath(params url.Values) string {
	return "/authorize?" + params.Encode()
}

func defaultAuthorizeParams() url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirect},
		"state":         {"client-state"},
		"scope":         {"chat:write"},
	}
}

// codeFor runs /authorize and the Slack callback and returns the downstream code.
func (e *testEnv) codeFor(t *testing.T, params url.Values) string {
	t.Helper()
	upstreamURL := location(t, e.get(t, authorizePath(params)))
	state := upstreamURL.Query().Get("state")
	require.NotEmpty(t, state)

	back := location(t, e.get(t, "/slack/callback?code="+goodCode+"&state="+url.QueryEscape(state)))
	return back.Query().Get("code")
}

func TestServer_HealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ReadyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body["status"])
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/health")

	resp := env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "broker_pending_authorizations")
	assert.Contains(t, string(body), "broker_http_requests_total")
}

func TestServer_RequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp := env.do(t, req)
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	resp = env.get(t, "/health")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_NotFoundIsProblem(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "not_found", problem.Type)
}

func TestServer_Metadata(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/.well-known/oauth-authorization-server")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var md Metadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	assert.Equal(t, "https://broker.example", md.Issuer)
	assert.Equal(t, "https://broker.example/authorize", md.AuthorizationEndpoint)
	assert.Equal(t, "https://broker.example/token", md.TokenEndpoint)
	assert.Equal(t, "https://broker.example/register", md.RegistrationEndpoint)
	assert.Equal(t, "https://broker.example/revoke", md.RevocationEndpoint)
	assert.Contains(t, md.CodeChallengeMethodsSupported, "S256")
	assert.ElementsMatch(t, []string{"authorization_code", "refresh_token"}, md.GrantTypesSupported)
	assert.Equal(t, broker.DefaultScopes, md.ScopesSupported)
}

func TestServer_Register(t *testing.T) {
	env := newTestEnv(t)

	body := `{"client_name":"Inspector","redirect_uris":["https://app.example/cb"]}`
	req, _ := http.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := env.do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reg RegistrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	assert.NotEmpty(t, reg.ClientID)
	assert.Equal(t, "Inspector", reg.ClientName)
	assert.Equal(t, "none", reg.TokenEndpointAuthMethod)

	client := env.b.GetClient(t.Context(), reg.ClientID)
	assert.Contains(t, client.RedirectURIs, "https://app.example/cb")

	// The registered redirect is now accepted by /authorize.
	params := defaultAuthorizeParams()
	params.Set("client_id", reg.ClientID)
	params.Set("redirect_uri", "https://app.example/cb")
	resp = env.get(t, authorizePath(params))
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestServer_Register_KeepsSuppliedClientID(t *testing.T) {
	env := newTestEnv(t)

	body := `{"client_id":"fixed-id","redirect_uris":["http://127.0.0.1:3000/cb"]}`
	req, _ := http.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := env.do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reg RegistrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	assert.Equal(t, "fixed-id", reg.ClientID)
}

func TestServer_Register_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"redirect_uris":`, "invalid_client_metadata"},
		{"no redirects", `{"client_name":"x"}`, "invalid_redirect_uri"},
		{"relative redirect", `{"redirect_uris":["/cb"]}`, "invalid_redirect_uri"},
		{"fragment", `{"redirect_uris":["https://app.example/cb#frag"]}`, "invalid_redirect_uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req, _ := http.NewRequest(http.MethodPost, "/register", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp := env.do(t, req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, decodeOAuthError(t, resp).Code)
		})
	}
}

func TestServer_Authorize_RedirectsUpstream(t *testing.T) {
	env := newTestEnv(t)

	u := location(t, env.get(t, authorizePath(defaultAuthorizeParams())))
	assert.Equal(t, "slack.com", u.Host)
	q := u.Query()
	assert.Equal(t, "broker-app-id", q.Get("client_id"))
	assert.Equal(t, "chat:write", q.Get("scope"))
	assert.Equal(t, "https://broker.example/slack/callback", q.Get("redirect_uri"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEqual(t, "client-state", q.Get("state"))
}

func TestServer_Authorize_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(url.Values)
		code   string
	}{
		{"missing client", func(v url.Values) { v.Del("client_id") }, "invalid_request"},
		{"missing redirect", func(v url.Values) { v.Del("redirect_uri") }, "invalid_request"},
		{"unregistered redirect", func(v url.Values) { v.Set("redirect_uri", "https://evil.example/cb") }, "invalid_request"},
		{"bad pkce method", func(v url.Values) {
			v.Set("code_challenge", "abc")
			v.Set("code_challenge_method", "S512")
		}, "invalid_request"},
		{"bad response type", func(v url.Values) { v.Set("response_type", "token") }, "unsupported_response_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			params := defaultAuthorizeParams()
			tt.mutate(params)

			resp := env.get(t, authorizePath(params))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, decodeOAuthError(t, resp).Code)
		})
	}
}

func TestServer_FullFlow(t *testing.T) {
	env := newTestEnv(t)

	upstreamURL := location(t, env.get(t, authorizePath(defaultAuthorizeParams())))
	state := upstreamURL.Query().Get("state")

	back := location(t, env.get(t, "/slack/callback?code="+goodCode+"&state="+url.QueryEscape(state)))
	assert.Equal(t, "localhost:8080", back.Host)
	assert.Equal(t, "/oauth/callback", back.Path)
	assert.Equal(t, "client-state", back.Query().Get("state"))
	code := back.Query().Get("code")
	require.NotEmpty(t, code)

	resp := env.postForm(t, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {testClientID},
		"code":         {code},
		"redirect_uri": {testRedirect},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var pair broker.TokenPair
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pair))
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, "chat:write", pair.Scope)
	assert.Equal(t, 3600, pair.ExpiresIn)

	upstreamTok, ok := env.b.GetUpstreamTokenFor(t.Context(), pair.AccessToken)
	require.True(t, ok)
	assert.Equal(t, liveToken, upstreamTok)

	// Codes are single-use.
	resp = env.postForm(t, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {testClientID},
		"code":         {code},
		"redirect_uri": {testRedirect},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, resp).Code)

	// Refresh rotates the pair.
	resp = env.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {testClientID},
		"refresh_token": {pair.RefreshToken},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated broker.TokenPair
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rotated))
	assert.NotEqual(t, pair.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	resp = env.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {testClientID},
		"refresh_token": {pair.RefreshToken},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, resp).Code)

	// Revocation.
	resp = env.postForm(t, "/revoke", url.Values{"token": {rotated.AccessToken}, "token_type_hint": {"access_token"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok = env.b.GetUpstreamTokenFor(t.Context(), rotated.AccessToken)
	assert.False(t, ok)
}

func TestServer_Token_PKCE(t *testing.T) {
	env := newTestEnv(t)
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	params := defaultAuthorizeParams()
	params.Set("code_challenge", broker.S256Challenge(verifier))
	params.Set("code_challenge_method", "S256")
	code := env.codeFor(t, params)

	resp := env.postForm(t, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testClientID},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"code_verifier": {verifier},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code = env.codeFor(t, params)
	resp = env.postForm(t, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testClientID},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"code_verifier": {"wrong"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, resp).Code)
}

func TestServer_Token_BasicAuthClient(t *testing.T) {
	env := newTestEnv(t)
	code := env.codeFor(t, defaultAuthorizeParams())

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirect},
	}
	req, _ := http.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(testClientID+":")))
	resp := env.do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Token_Errors(t *testing.T) {
	tests := []struct {
		name   string
		form   url.Values
		status int
		code   string
	}{
		{"missing grant", url.Values{"client_id": {testClientID}}, http.StatusBadRequest, "invalid_request"},
		{"unsupported grant", url.Values{"grant_type": {"password"}}, http.StatusBadRequest, "unsupported_grant_type"},
		{"unknown code", url.Values{"grant_type": {"authorization_code"}, "client_id": {testClientID}, "code": {"nope"}, "redirect_uri": {testRedirect}}, http.StatusBadRequest, "invalid_grant"},
		{"code without client", url.Values{"grant_type": {"authorization_code"}, "code": {"nope"}}, http.StatusBadRequest, "invalid_request"},
		{"refresh without client", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"r"}}, http.StatusBadRequest, "invalid_request"},
		{"unknown refresh", url.Values{"grant_type": {"refresh_token"}, "client_id": {testClientID}, "refresh_token": {"r"}}, http.StatusBadRequest, "invalid_grant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp := env.postForm(t, "/token", tt.form)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			assert.Equal(t, tt.code, decodeOAuthError(t, resp).Code)
		})
	}
}

func TestServer_Revoke(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postForm(t, "/revoke", url.Values{"token": {"never-issued"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postForm(t, "/revoke", url.Values{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeOAuthError(t, resp).Code)
}

func TestServer_Callback_UnknownState(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/slack/callback?code=good&state=forged")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeOAuthError(t, resp).Code)

	resp = env.get(t, "/slack/callback?error=access_denied&state=forged")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Callback_MissingParams(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/slack/callback")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestServer_Callback_ErrorRedirectsToClient(t *testing.T) {
	env := newTestEnv(t)

	upstreamURL := location(t, env.get(t, authorizePath(defaultAuthorizeParams())))
	state := upstreamURL.Query().Get("state")

	back := location(t, env.get(t, "/slack/callback?error=access_denied&state="+url.QueryEscape(state)))
	assert.Equal(t, "access_denied", back.Query().Get("error"))
	assert.Equal(t, "client-state", back.Query().Get("state"))
	assert.Empty(t, back.Query().Get("code"))

	// The pending record was consumed.
	resp := env.get(t, "/slack/callback?code=good&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SessionFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	res, err := env.coord.Resolve(ctx, "u1", session.ClientInfo{Name: "claude"})
	require.NoError(t, err)
	require.False(t, res.Authenticated())
	authURL, err := url.Parse(res.AuthURL)
	require.NoError(t, err)
	state := authURL.Query().Get("state")

	resp := env.get(t, "/slack/callback?code="+goodCode+"&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "authorization complete")

	status, ok := env.coord.Sessions().GetStatus(res.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StatusAuthenticated, status)

	again, err := env.coord.Resolve(ctx, "u1", session.ClientInfo{})
	require.NoError(t, err)
	assert.True(t, again.Authenticated())
	assert.Equal(t, liveToken, again.Token)
}

func TestServer_SessionFlow_Denied(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.coord.Resolve(t.Context(), "u1", session.ClientInfo{})
	require.NoError(t, err)
	authURL, _ := url.Parse(res.AuthURL)
	state := authURL.Query().Get("state")

	resp := env.get(t, "/slack/callback?error=access_denied&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "access_denied")

	status, _ := env.coord.Sessions().GetStatus(res.SessionID)
	assert.Equal(t, session.StatusFailed, status)
}

func TestServer_SessionFlow_ExchangeFails(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.coord.Resolve(t.Context(), "u1", session.ClientInfo{})
	require.NoError(t, err)
	authURL, _ := url.Parse(res.AuthURL)
	state := authURL.Query().Get("state")

	resp := env.get(t, "/slack/callback?code=bad&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "invalid_code")

	status, _ := env.coord.Sessions().GetStatus(res.SessionID)
	assert.Equal(t, session.StatusFailed, status)
}

func TestServer_OAuthStatus(t *testing.T) {
	env := newTestEnv(t)
	code := env.codeFor(t, defaultAuthorizeParams())
	resp := env.postForm(t, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {testClientID},
		"code":         {code},
		"redirect_uri": {testRedirect},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.get(t, "/ready")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.get(t, "/oauth/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "broker-a...", st.ClientID)
	assert.Equal(t, "test", st.Environment)
	assert.True(t, st.HasValidToken)
	assert.Equal(t, "memory", st.Tokens.Backend)
	assert.Equal(t, 1, st.Tokens.AccessTokens)
	assert.Equal(t, 1, st.Tokens.RefreshTokens)
	assert.Equal(t, health.StatusOK, st.Checks["store"])

	raw, _ := json.Marshal(st)
	assert.NotContains(t, string(raw), liveToken)
}

func TestServer_Debug_DisabledWithoutKey(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/debug/tokens")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Debug_Auth(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DebugAPIKey = "debug-key" })

	resp := env.get(t, "/debug/sessions")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "missing_auth", problem.Type)

	req, _ := http.NewRequest(http.MethodGet, "/debug/sessions", nil)
	req.Header.Set("Authorization", "Token debug-key")
	resp = env.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, "/debug/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp = env.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "invalid_api_key", problem.Type)
}

func TestServer_Debug_Views(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DebugAPIKey = "debug-key" })
	_, err := env.coord.Resolve(t.Context(), "u1", session.ClientInfo{Name: "claude"})
	require.NoError(t, err)
	require.NoError(t, env.store.Set(t.Context(), "mcp_token:secret-value", "xoxp-secret", time.Hour))

	req, _ := http.NewRequest(http.MethodGet, "/debug/sessions", nil)
	req.Header.Set("Authorization", "Bearer debug-key")
	resp := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	assert.Equal(t, 1, sessions.Count)

	req, _ = http.NewRequest(http.MethodGet, "/debug/tokens", nil)
	req.Header.Set("Authorization", "Bearer debug-key")
	resp = env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"count":1`)
	assert.Contains(t, string(body), "mcp_toke...")
	assert.NotContains(t, string(body), "secret-value")
	assert.NotContains(t, string(body), "xoxp-secret")
}

func TestServer_RateLimit(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{RPS: 1, Burst: 2, Now: func() time.Time { return now }}
	})

	for i := 0; i < 2; i++ {
		resp := env.get(t, authorizePath(defaultAuthorizeParams()))
		assert.Equal(t, http.StatusFound, resp.StatusCode)
	}
	resp := env.get(t, authorizePath(defaultAuthorizeParams()))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// The bucket is shared by /token and /register.
	resp = env.postForm(t, "/token", url.Values{"grant_type": {"refresh_token"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Unlimited routes are unaffected.
	assert.Equal(t, http.StatusOK, env.get(t, "/health").StatusCode)
	assert.Equal(t, http.StatusOK, env.get(t, "/.well-known/oauth-authorization-server").StatusCode)
}
