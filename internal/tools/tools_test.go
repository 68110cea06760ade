package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/slack-mcp-broker/internal/broker"
	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/internal/session"
	"github.com/p-blackswan/slack-mcp-broker/internal/upstream"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

const liveToken = "xoxp-live"

type fakeSlack struct{}

func (fakeSlack) ExchangeCode(_ context.Context, code, _ string) (upstream.ExchangeResult, error) {
	if code == "good" {
		return upstream.ExchangeResult{OK: true, AccessToken: liveToken, UserID: "U1"}, nil
	}
	return upstream.ExchangeResult{OK: false, Error: "invalid_code"}, nil
}

func (fakeSlack) CheckLiveness(_ context.Context, token string) bool { return token == liveToken }

type fakeWorkspace struct {
	mu       sync.Mutex
	channels []upstream.Channel
	err      error
	posted   []string
	tokens   []string
}

func (f *fakeWorkspace) ListChannels(_ context.Context, token string) ([]upstream.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.channels, f.err
}

func (f *fakeWorkspace) PostMessage(_ context.Context, token, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return "", f.err
	}
	f.posted = append(f.posted, channelID+":"+text)
	return "1700000000.000100", nil
}

type testEnv struct {
	srv       *Server
	broker    *broker.Broker
	coord     *session.Coordinator
	store     tokenstore.Store
	workspace *fakeWorkspace
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	store := tokenstore.NewMemoryStore()
	b, err := broker.New(broker.Config{ClientID: "123.456789", ClientSecret: "secret"}, store, fakeSlack{}, logger)
	require.NoError(t, err)
	manager := session.NewManager(fakeSlack{}, logger)
	coord := session.NewCoordinator(session.CoordinatorConfig{ClientID: "123.456789"}, manager, store, b, fakeSlack{}, logger)
	ws := &fakeWorkspace{channels: []upstream.Channel{
		{ID: "C1", Name: "general"},
		{ID: "C2", Name: "random"},
		{ID: "", Name: "broken"},
	}}
	srv := New(Config{Environment: "test"}, b, coord, ws, metrics.New(), logger)
	return &testEnv{srv: srv, broker: b, coord: coord, store: store, workspace: ws}
}

// ctxWithHeaders simulates the context the streamable HTTP transport builds.
func ctxWithHeaders(headers map[string]string) context.Context {
	r := httptest.NewRequest("POST", "/mcp", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return withCaller(context.Background(), r)
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

// issueBearer runs the downstream OAuth flow and returns an access token.
func (e *testEnv) issueBearer(t *testing.T) string {
	t.Helper()
	ctx := t.Context()
	client := e.broker.GetClient(ctx, "mcp-client")
	raw, err := e.broker.Authorize(ctx, client, broker.AuthorizationParams{RedirectURI: "http://localhost:8080/oauth/callback"})
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	ac, err := e.broker.HandleUpstreamCallback(ctx, "good", u.Query().Get("state"))
	require.NoError(t, err)
	pair, err := e.broker.ExchangeAuthorizationCode(ctx, client, ac.Code, "http://localhost:8080/oauth/callback", "")
	require.NoError(t, err)
	return pair.AccessToken
}

func TestListChannels_WithBearer(t *testing.T) {
	env := newTestEnv(t)
	bearer := env.issueBearer(t)

	ctx := ctxWithHeaders(map[string]string{"Authorization": "Bearer " + bearer})
	res, err := env.srv.listChannels(ctx, callRequest(ToolListChannels, nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	assert.Equal(t, map[string]string{"general": "C1", "random": "C2"}, got)
	assert.Equal(t, []string{liveToken}, env.workspace.tokens)
}

func TestListChannels_StartsSessionAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := ctxWithHeaders(map[string]string{"Mcp-Session-Id": "abcdef0123456789zz"})

	res, err := env.srv.listChannels(ctx, callRequest(ToolListChannels, nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "Slack authentication required")
	assert.Contains(t, text, "https://slack.com/oauth/v2/authorize")
	assert.True(t, env.coord.AuthorizationInFlight("abcdef0123456789"))
	assert.Empty(t, env.workspace.tokens)

	// A second call reuses the same authorization.
	res2, err := env.srv.listChannels(ctx, callRequest(ToolListChannels, nil))
	require.NoError(t, err)
	assert.Equal(t, text, resultText(t, res2))
	assert.Equal(t, 1, env.coord.Sessions().Count())
}

func TestListChannels_PersistedUserToken(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Set(t.Context(), "123.456789:"+session.DefaultUser, liveToken, 0))

	res, err := env.srv.listChannels(ctxWithHeaders(nil), callRequest(ToolListChannels, nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{liveToken}, env.workspace.tokens)
}

func TestListChannels_InvalidBearerFallsBackToSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := ctxWithHeaders(map[string]string{"Authorization": "Bearer not-issued"})

	res, err := env.srv.listChannels(ctx, callRequest(ToolListChannels, nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Slack authentication required")
}

func TestListChannels_UpstreamErrorIsReduced(t *testing.T) {
	env := newTestEnv(t)
	bearer := env.issueBearer(t)
	env.workspace.err = slack.SlackErrorResponse{Err: "missing_scope"}

	ctx := ctxWithHeaders(map[string]string{"Authorization": "Bearer " + bearer})
	res, err := env.srv.listChannels(ctx, callRequest(ToolListChannels, nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "listing channels failed: missing_scope", resultText(t, res))
}

func TestPostMessage(t *testing.T) {
	env := newTestEnv(t)
	bearer := env.issueBearer(t)
	ctx := ctxWithHeaders(map[string]string{"Authorization": "Bearer " + bearer})

	res, err := env.srv.postMessage(ctx, callRequest(ToolPostMessage, map[string]any{"channel_id": "C1", "text": "hello"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "C1")
	assert.Equal(t, []string{"C1:hello"}, env.workspace.posted)
}

func TestPostMessage_MissingArguments(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.srv.postMessage(ctxWithHeaders(nil), callRequest(ToolPostMessage, map[string]any{"channel_id": "C1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "channel_id and text are required", resultText(t, res))
	assert.Zero(t, env.coord.Sessions().Count())
}

func TestPostMessage_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	bearer := env.issueBearer(t)
	env.workspace.err = slack.SlackErrorResponse{Err: "channel_not_found"}

	ctx := ctxWithHeaders(map[string]string{"Authorization": "Bearer " + bearer})
	res, err := env.srv.postMessage(ctx, callRequest(ToolPostMessage, map[string]any{"channel_id": "C9", "text": "hi"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "posting message failed: channel_not_found", resultText(t, res))
}

func TestGetAuthStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := ctxWithHeaders(map[string]string{"X-User-Id": "alice"})

	// Begin an authorization so the user has one in flight.
	_, err := env.srv.listChannels(ctx, callRequest(ToolListChannels, nil))
	require.NoError(t, err)
	env.issueBearer(t)

	res, err := env.srv.getAuthStatus(ctx, callRequest(ToolGetAuthStatus, nil))
	require.NoError(t, err)

	var st AuthStatus
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &st))
	assert.Equal(t, session.UserIdentifier(map[string][]string{"X-User-Id": {"alice"}}), st.UserID)
	assert.False(t, st.HasValidToken)
	assert.True(t, st.OAuthInitiatedForUser)
	assert.Len(t, st.AllSessions, 1)
	assert.Equal(t, "123.4567...", st.ClientID)
	assert.Equal(t, 1, st.AppTokensCount)
	assert.Equal(t, 2, st.AllTokensCount)
}

func TestGetAuthStatus_Bearer(t *testing.T) {
	env := newTestEnv(t)
	bearer := env.issueBearer(t)

	ctx := ctxWithHeaders(map[string]string{"Authorization": "Bearer " + bearer})
	res, err := env.srv.getAuthStatus(ctx, callRequest(ToolGetAuthStatus, nil))
	require.NoError(t, err)

	var st AuthStatus
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &st))
	assert.True(t, st.BearerAuthenticated)
	assert.True(t, st.HasValidToken)
	assert.NotContains(t, resultText(t, res), liveToken)
}

func TestSessionInfoResource(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Set(t.Context(), "123.456789:sess-1", liveToken, 0))

	contents, err := env.srv.sessionInfo(ctxWithHeaders(map[string]string{"Mcp-Session-Id": "sess-1"}), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, SessionInfoURI, tc.URI)
	assert.Equal(t, "application/json", tc.MIMEType)

	var info SessionInfo
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &info))
	assert.Equal(t, SessionInfo{
		UserID:        "sess-1",
		SessionID:     "session_sess-1",
		Authenticated: true,
		Environment:   "test",
		ClientID:      "123.4567...",
	}, info)
}

func TestInstrument_ConvertsErrors(t *testing.T) {
	env := newTestEnv(t)
	handler := env.srv.instrument(func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("boom")
	})

	res, err := handler(context.Background(), callRequest("x", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "boom", resultText(t, res))
}

func TestWithCaller(t *testing.T) {
	r := httptest.NewRequest("POST", "/mcp", nil)
	r.Header.Set("Authorization", "bearer abc ")
	r.Header.Set("X-Request-ID", "req-9")

	ctx := withCaller(context.Background(), r)
	c := callerFrom(ctx)
	assert.Equal(t, "abc", c.bearer)
	assert.Equal(t, "bearer abc ", c.header.Get("Authorization"))

	assert.Empty(t, callerFrom(context.Background()).bearer)
}

