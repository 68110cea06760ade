package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/slack-mcp-broker/internal/errors"
	"github.com/p-blackswan/slack-mcp-broker/internal/upstream"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"

	tokenTypeBearer = "Bearer"
)

// LoadAuthorizationCode returns the live code issued to client, or nil.
func (b *Broker) LoadAuthorizationCode(client *Client, code string) *AuthorizationCode {
	ac, ok := b.codes.Peek(code)
	if !ok || client == nil || ac.ClientID != client.ID || ac.expired(b.now()) {
		return nil
	}
	return ac
}

// ExchangeAuthorizationCode redeems a downstream code for a token pair. The
// code is consumed before the upstream exchange, so it can be redeemed at
// most once even if the exchange fails.
func (b *Broker) ExchangeAuthorizationCode(ctx context.Context, client *Client, code, redirectURI, codeVerifier string) (*TokenPair, error) {
	pair, err := b.exchangeAuthorizationCode(ctx, client, code, redirectURI, codeVerifier)
	b.recordGrant(GrantAuthorizationCode, err)
	return pair, err
}

func (b *Broker) exchangeAuthorizationCode(ctx context.Context, client *Client, code, redirectURI, codeVerifier string) (*TokenPair, error) {
	if client == nil || code == "" {
		return nil, perrors.InvalidRequest("client_id and code are required")
	}
	ac := b.LoadAuthorizationCode(client, code)
	if ac == nil || ac.SessionID != "" {
		return nil, perrors.InvalidGrant("invalid or expired authorization code")
	}
	if redirectURI != ac.RedirectURI {
		return nil, perrors.InvalidGrant("redirect_uri does not match the authorization request")
	}
	if _, ok := b.codes.Take(code); !ok {
		return nil, perrors.InvalidGrant("authorization code already used")
	}
	b.metrics.SetPending(b.PendingCount())

	if !verifyPKCE(ac.CodeChallenge, ac.CodeChallengeMethod, codeVerifier) {
		return nil, perrors.InvalidGrant("code_verifier does not match code_challenge")
	}

	res, err := b.exchangeUpstream(ctx, ac.UpstreamCode)
	if err != nil {
		return nil, err
	}

	pair, err := b.issueTokens(ctx, client.ID, ac.Scopes, res.AccessToken)
	if err != nil {
		return nil, err
	}
	b.logger.Info().
		Str("client_id", client.ID).
		Str("scope", pair.Scope).
		Str("user_id", res.UserID).
		Msg("authorization code exchanged")
	return pair, nil
}

// RedeemUpstream consumes a session-flow code and returns the upstream token
// without minting downstream tokens.
func (b *Broker) RedeemUpstream(ctx context.Context, code string) (*SessionGrant, error) {
	ac, ok := b.codes.Take(code)
	if !ok || ac.SessionID == "" || ac.expired(b.now()) {
		return nil, perrors.InvalidGrant("invalid or expired session code")
	}
	b.metrics.SetPending(b.PendingCount())

	res, err := b.exchangeUpstream(ctx, ac.UpstreamCode)
	b.recordGrant("session", err)
	if err != nil {
		return nil, err
	}
	b.logger.Info().
		Str("session_id", tokenstore.RedactKey(ac.SessionID)).
		Str("user_id", res.UserID).
		Msg("session authorization completed")
	return &SessionGrant{SessionID: ac.SessionID, UpstreamToken: res.AccessToken, UserID: res.UserID}, nil
}

func (b *Broker) exchangeUpstream(ctx context.Context, upstreamCode string) (upstream.ExchangeResult, error) {
	res, err := b.upstream.ExchangeCode(ctx, upstreamCode, b.CallbackURI())
	if err != nil {
		b.logger.Error().Err(err).Msg("upstream token exchange failed")
		return res, perrors.InvalidGrant("upstream token exchange failed: %s", upstream.ErrorCode(err))
	}
	if !res.OK {
		return res, perrors.InvalidGrant("upstream rejected the authorization code: %s", res.Error)
	}
	if res.AccessToken == "" {
		return res, perrors.InvalidGrant("upstream returned no access token")
	}
	return res, nil
}

// LoadRefreshToken returns the refresh token issued to client, or nil.
func (b *Broker) LoadRefreshToken(ctx context.Context, client *Client, token string) *RefreshToken {
	rec, ok := b.loadRecord(ctx, refreshKeyPrefix+token)
	if !ok || client == nil || rec.ClientID != client.ID {
		return nil
	}
	return &RefreshToken{Token: token, ClientID: rec.ClientID, Scopes: rec.Scopes}
}

// ExchangeRefreshToken rotates a refresh token. The new pair is bound to the
// same upstream token and the old refresh token is deleted. An empty
// requestedScopes keeps the original grant.
func (b *Broker) ExchangeRefreshToken(ctx context.Context, client *Client, refreshToken string, requestedScopes []string) (*TokenPair, error) {
	pair, err := b.exchangeRefreshToken(ctx, client, refreshToken, requestedScopes)
	b.recordGrant(GrantRefreshToken, err)
	return pair, err
}

func (b *Broker) exchangeRefreshToken(ctx context.Context, client *Client, refreshToken string, requestedScopes []string) (*TokenPair, error) {
	if client == nil || refreshToken == "" {
		return nil, perrors.InvalidRequest("client_id and refresh_token are required")
	}

	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()

	key := refreshKeyPrefix + refreshToken
	rec, ok := b.loadRecord(ctx, key)
	if !ok || rec.ClientID != client.ID {
		return nil, perrors.InvalidGrant("invalid or expired refresh token")
	}

	scopes := requestedScopes
	if len(scopes) == 0 {
		scopes = rec.Scopes
	}
	if !isSubset(scopes, rec.Scopes) {
		return nil, perrors.InvalidScope("requested scope exceeds the original grant")
	}

	pair, err := b.issueTokens(ctx, client.ID, scopes, rec.UpstreamToken)
	if err != nil {
		return nil, err
	}
	if err := b.store.Delete(ctx, key); err != nil {
		b.logger.Warn().Err(err).Str("token", tokenstore.RedactKey(refreshToken)).Msg("failed to delete rotated refresh token")
	}
	b.logger.Info().Str("client_id", client.ID).Str("scope", pair.Scope).Msg("refresh token rotated")
	return pair, nil
}

// LoadAccessToken resolves a downstream access token, or returns nil when it
// is unknown or past expiry.
func (b *Broker) LoadAccessToken(ctx context.Context, token string) *AccessToken {
	rec, expiresAt, ok := b.liveAccessRecord(ctx, token)
	if !ok {
		return nil
	}
	return &AccessToken{Token: token, ClientID: rec.ClientID, Scopes: rec.Scopes, ExpiresAt: expiresAt}
}

// GetUpstreamTokenFor maps a live downstream access token to its upstream
// token. Storage failures are reported as absent.
func (b *Broker) GetUpstreamTokenFor(ctx context.Context, token string) (string, bool) {
	rec, _, ok := b.liveAccessRecord(ctx, token)
	if !ok || rec.UpstreamToken == "" {
		return "", false
	}
	return rec.UpstreamToken, true
}

func (b *Broker) liveAccessRecord(ctx context.Context, token string) (*tokenRecord, time.Time, bool) {
	if token == "" {
		return nil, time.Time{}, false
	}
	rec, ok := b.loadRecord(ctx, accessKeyPrefix+token)
	if !ok {
		return nil, time.Time{}, false
	}
	expiresAt := rec.createdAt().Add(b.cfg.AccessTokenTTL)
	if !b.now().Before(expiresAt) {
		return nil, time.Time{}, false
	}
	return rec, expiresAt, true
}

// RevokeToken deletes token from the access and refresh namespaces. A hint
// of access_token or refresh_token narrows the deletion to that namespace.
func (b *Broker) RevokeToken(ctx context.Context, token, hint string) error {
	if token == "" {
		return perrors.InvalidRequest("token is required")
	}
	var keys []string
	switch hint {
	case HintAccessToken:
		keys = []string{accessKeyPrefix + token}
	case HintRefreshToken:
		keys = []string{refreshKeyPrefix + token}
	default:
		keys = []string{accessKeyPrefix + token, refreshKeyPrefix + token}
	}

	var errs []error
	for _, k := range keys {
		if err := b.store.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	b.logger.Info().Str("token", tokenstore.RedactKey(token)).Str("hint", hint).Msg("token revoked")
	return nil
}

func (b *Broker) issueTokens(ctx context.Context, clientID string, scopes []string, upstreamToken string) (*TokenPair, error) {
	access, err := randomToken()
	if err != nil {
		return nil, perrors.NewOAuthError(perrors.CodeServerError, "could not generate token")
	}
	refresh, err := randomToken()
	if err != nil {
		return nil, perrors.NewOAuthError(perrors.CodeServerError, "could not generate token")
	}

	now := b.now()
	raw, err := json.Marshal(tokenRecord{
		UpstreamToken: upstreamToken,
		ClientID:      clientID,
		Scopes:        scopes,
		CreatedAt:     float64(now.UnixNano()) / 1e9,
	})
	if err != nil {
		return nil, perrors.NewOAuthError(perrors.CodeServerError, "could not encode token")
	}

	if err := b.store.Set(ctx, accessKeyPrefix+access, string(raw), b.cfg.AccessTokenTTL); err != nil {
		b.logger.Error().Err(err).Msg("failed to persist access token")
		return nil, perrors.NewOAuthError(perrors.CodeServerError, "could not persist tokens")
	}
	if err := b.store.Set(ctx, refreshKeyPrefix+refresh, string(raw), b.cfg.RefreshTokenTTL); err != nil {
		b.logger.Error().Err(err).Msg("failed to persist refresh token")
		_ = b.store.Delete(ctx, accessKeyPrefix+access)
		return nil, perrors.NewOAuthError(perrors.CodeServerError, "could not persist tokens")
	}

	return &TokenPair{
		AccessToken:  access,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int(b.cfg.AccessTokenTTL / time.Second),
		RefreshToken: refresh,
		Scope:        JoinScopes(scopes),
	}, nil
}

func (b *Broker) loadRecord(ctx context.Context, key string) (*tokenRecord, bool) {
	tok, err := b.store.Get(ctx, key)
	if err != nil {
		if !tokenstore.IsMiss(err) {
			b.logger.Warn().Err(err).Str("key", tokenstore.RedactKey(key)).Msg("token lookup failed")
			b.metrics.RecordError("broker", "storage")
		}
		return nil, false
	}
	var rec tokenRecord
	if err := json.Unmarshal([]byte(tok.Value), &rec); err != nil {
		b.logger.Warn().Err(err).Str("key", tokenstore.RedactKey(key)).Msg("corrupt token record")
		return nil, false
	}
	return &rec, true
}

func (b *Broker) recordGrant(grantType string, err error) {
	result := "ok"
	if err != nil {
		result = perrors.CodeServerError
		if oe, ok := perrors.AsOAuth(err); ok {
			result = oe.Code
		}
	}
	b.metrics.RecordGrant(grantType, result)
}
