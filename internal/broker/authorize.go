package broker

import (
	"context"
	"net"
	"net/url"
	"strings"

	perrors "github.com/p-blackswan/slack-mcp-broker/internal/errors"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

// Authorize records a pending authorization for client and returns the
// upstream authorization URL the user agent must be sent to.
func (b *Broker) Authorize(ctx context.Context, client *Client, params AuthorizationParams) (string, error) {
	if client == nil || client.ID == "" {
		return "", perrors.InvalidRequest("client_id is required")
	}
	if params.RedirectURI == "" {
		return "", perrors.InvalidRequest("redirect_uri is required")
	}
	if !redirectAllowed(client.RedirectURIs, params.RedirectURI) {
		return "", perrors.InvalidRequest("redirect_uri is not registered for this client")
	}

	method := params.CodeChallengeMethod
	if params.CodeChallenge != "" {
		if method == "" {
			method = PKCEPlain
		}
		if method != PKCES256 && method != PKCEPlain {
			return "", perrors.InvalidRequest("unsupported code_challenge_method %q", method)
		}
	} else if method != "" {
		return "", perrors.InvalidRequest("code_challenge_method without code_challenge")
	}

	scopes := params.Scopes
	if len(scopes) == 0 {
		scopes = b.cfg.Scopes
	}

	p := &PendingAuthorization{
		ClientID:            client.ID,
		Scopes:              scopes,
		RedirectURI:         params.RedirectURI,
		ClientState:         params.State,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: method,
	}
	authURL, err := b.startPending(p)
	if err != nil {
		return "", err
	}

	b.logger.Info().
		Str("client_id", client.ID).
		Str("scope", JoinScopes(scopes)).
		Bool("pkce", p.CodeChallenge != "").
		Msg("authorization started")
	return authURL, nil
}

// AuthorizeSession starts a broker-driven authorization for an MCP session.
// The callback completes the session instead of redirecting to a client.
func (b *Broker) AuthorizeSession(_ context.Context, sessionID string, scopes []string) (string, error) {
	if sessionID == "" {
		return "", perrors.InvalidRequest("session id is required")
	}
	if len(scopes) == 0 {
		scopes = b.cfg.Scopes
	}
	return b.startPending(&PendingAuthorization{
		ClientID:  sessionClientID,
		Scopes:    scopes,
		SessionID: sessionID,
	})
}

func (b *Broker) startPending(p *PendingAuthorization) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", perrors.NewOAuthError(perrors.CodeServerError, "could not generate state")
	}
	p.State = state
	p.ExpiresAt = b.now().Add(b.cfg.PendingTTL)
	b.pending.PutWithTTL(state, p, b.cfg.PendingTTL)
	b.metrics.SetPending(b.PendingCount())

	return b.upstreamAuthURL(p.Scopes, state), nil
}

func (b *Broker) upstreamAuthURL(scopes []string, state string) string {
	q := url.Values{}
	q.Set("client_id", b.cfg.ClientID)
	q.Set("scope", JoinScopes(scopes))
	q.Set("redirect_uri", b.CallbackURI())
	q.Set("state", state)

	sep := "?"
	if strings.Contains(b.cfg.AuthorizeURL, "?") {
		sep = "&"
	}
	return b.cfg.AuthorizeURL + sep + q.Encode()
}

// HandleUpstreamCallback consumes the pending authorization for state and
// mints a downstream authorization code bound to the upstream code.
func (b *Broker) HandleUpstreamCallback(_ context.Context, code, state string) (*AuthorizationCode, error) {
	if code == "" || state == "" {
		return nil, perrors.InvalidRequest("missing code or state")
	}
	p, ok := b.pending.Take(state)
	if !ok {
		b.logger.Warn().Str("state", tokenstore.RedactKey(state)).Msg("callback for unknown or expired state")
		return nil, perrors.InvalidRequest("invalid or expired state")
	}
	// The code inherits the remaining window. A non-positive ttl would store
	// it without expiry.
	ttl := p.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		b.logger.Warn().Str("state", tokenstore.RedactKey(state)).Msg("callback after authorization window closed")
		return nil, perrors.InvalidRequest("invalid or expired state")
	}

	downstream, err := randomToken()
	if err != nil {
		return nil, perrors.NewOAuthError(perrors.CodeServerError, "could not generate code")
	}
	ac := &AuthorizationCode{
		Code:                downstream,
		ClientID:            p.ClientID,
		Scopes:              p.Scopes,
		RedirectURI:         p.RedirectURI,
		ClientState:         p.ClientState,
		UpstreamCode:        code,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		SessionID:           p.SessionID,
		ExpiresAt:           p.ExpiresAt,
	}
	b.codes.PutWithTTL(downstream, ac, ttl)
	b.metrics.SetPending(b.PendingCount())

	b.logger.Info().
		Str("client_id", p.ClientID).
		Str("code", tokenstore.RedactKey(downstream)).
		Msg("upstream callback accepted")
	return ac, nil
}

// CancelAuthorization drops the pending authorization for state, as when the
// provider redirects back with an error. It returns the consumed record.
func (b *Broker) CancelAuthorization(state string) (*PendingAuthorization, bool) {
	if state == "" {
		return nil, false
	}
	p, ok := b.pending.Take(state)
	if ok {
		b.metrics.SetPending(b.PendingCount())
	}
	return p, ok
}

// redirectAllowed matches exactly, except that loopback URIs match on any
// port (RFC 8252 section 7.3).
func redirectAllowed(allowed []string, uri string) bool {
	if containsString(allowed, uri) {
		return true
	}
	u, err := url.Parse(uri)
	if err != nil || !isLoopback(u.Hostname()) {
		return false
	}
	for _, a := range allowed {
		au, err := url.Parse(a)
		if err != nil || !isLoopback(au.Hostname()) {
			continue
		}
		if au.Scheme == u.Scheme && au.Hostname() == u.Hostname() && au.Path == u.Path {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
