package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/p-blackswan/slack-mcp-broker/internal/requestid"
	"github.com/p-blackswan/slack-mcp-broker/internal/session"
	"github.com/p-blackswan/slack-mcp-broker/internal/upstream"
)

// errAuthRequired carries the URL a caller must open before tools work.
type errAuthRequired struct {
	authURL string
}

func (e *errAuthRequired) Error() string {
	if e.authURL == "" {
		return "Slack authentication required. Retry the tool to start authorization."
	}
	return "Slack authentication required. Open this URL in a browser to authorize, then retry: " + e.authURL
}

// upstreamToken resolves the caller's Slack token. A valid downstream bearer
// token wins; otherwise the session coordinator decides, which may start an
// authorization and return errAuthRequired.
func (s *Server) upstreamToken(ctx context.Context) (string, error) {
	c := callerFrom(ctx)
	if c.bearer != "" {
		if tok, ok := s.broker.GetUpstreamTokenFor(ctx, c.bearer); ok {
			return tok, nil
		}
	}

	userID := session.UserIdentifier(c.header)
	res, err := s.coordinator.Resolve(ctx, userID, session.ClientInfo{Name: "mcp_client", UserID: userID})
	if err != nil {
		return "", fmt.Errorf("resolving slack token: %w", err)
	}
	if res.Authenticated() {
		return res.Token, nil
	}
	if res.Started {
		log := requestid.Logger(ctx, s.logger)
		log.Info().Str("user_id", userID).Msg("slack authorization required")
	}
	return "", &errAuthRequired{authURL: res.AuthURL}
}

// tokenOrResult returns a tool error result when no token is available.
func (s *Server) tokenOrResult(ctx context.Context) (string, *mcp.CallToolResult, error) {
	tok, err := s.upstreamToken(ctx)
	if err == nil {
		return tok, nil, nil
	}
	var authErr *errAuthRequired
	if errors.As(err, &authErr) {
		return "", mcp.NewToolResultError(authErr.Error()), nil
	}
	return "", nil, err
}

func (s *Server) listChannels(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tok, res, err := s.tokenOrResult(ctx)
	if tok == "" {
		return res, err
	}

	channels, err := s.workspace.ListChannels(ctx, tok)
	if err != nil {
		s.metrics.RecordError("tools", upstream.ErrorCode(err))
		return mcp.NewToolResultError("listing channels failed: " + upstream.ErrorCode(err)), nil
	}

	byName := make(map[string]string, len(channels))
	for _, ch := range channels {
		if ch.ID != "" && ch.Name != "" {
			byName[ch.Name] = ch.ID
		}
	}
	return jsonResult(byName)
}

func (s *Server) postMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channelID := req.GetString("channel_id", "")
	text := req.GetString("text", "")
	if channelID == "" || text == "" {
		return mcp.NewToolResultError("channel_id and text are required"), nil
	}

	tok, res, err := s.tokenOrResult(ctx)
	if tok == "" {
		return res, err
	}

	ts, err := s.workspace.PostMessage(ctx, tok, channelID, text)
	if err != nil {
		s.metrics.RecordError("tools", upstream.ErrorCode(err))
		return mcp.NewToolResultError("posting message failed: " + upstream.ErrorCode(err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message posted to channel %s (ts %s)", channelID, ts)), nil
}

// AuthStatus is the get_auth_status result.
type AuthStatus struct {
	UserID                string                     `json:"user_id"`
	HasValidToken         bool                       `json:"has_valid_token"`
	BearerAuthenticated   bool                       `json:"bearer_authenticated"`
	AppTokensCount        int                        `json:"app_tokens_count"`
	AllTokensCount        int                        `json:"all_tokens_count"`
	AllSessions           map[string]session.Summary `json:"all_sessions"`
	OAuthInitiatedForUser bool                       `json:"oauth_initiated_for_user"`
	ClientID              string                     `json:"client_id"`
}

func (s *Server) getAuthStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c := callerFrom(ctx)
	userID := session.UserIdentifier(c.header)

	status := AuthStatus{
		UserID:                userID,
		HasValidToken:         s.coordinator.HasToken(ctx, userID),
		AllSessions:           s.coordinator.Sessions().ListSessions(),
		OAuthInitiatedForUser: s.coordinator.AuthorizationInFlight(userID),
		ClientID:              s.broker.RedactedClientID(),
	}
	if c.bearer != "" {
		_, status.BearerAuthenticated = s.broker.GetUpstreamTokenFor(ctx, c.bearer)
		status.HasValidToken = status.HasValidToken || status.BearerAuthenticated
	}

	st, err := s.broker.Stats(ctx)
	if err != nil {
		log := requestid.Logger(ctx, s.logger)
		log.Warn().Err(err).Msg("reading token stats")
	} else {
		status.AppTokensCount = st.AccessTokens + st.Other
		status.AllTokensCount = st.Total
	}
	return jsonResult(status)
}

// SessionInfo is the session://info resource body.
type SessionInfo struct {
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id"`
	Authenticated bool   `json:"authenticated"`
	Environment   string `json:"environment"`
	ClientID      string `json:"client_id"`
}

func (s *Server) sessionInfo(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	userID := session.UserIdentifier(callerFrom(ctx).header)
	data, err := json.Marshal(SessionInfo{
		UserID:        userID,
		SessionID:     "session_" + userID,
		Authenticated: s.coordinator.HasToken(ctx, userID),
		Environment:   s.cfg.Environment,
		ClientID:      s.broker.RedactedClientID(),
	})
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      SessionInfoURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
