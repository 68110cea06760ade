package broker

import (
	"slices"
	"strings"
	"time"
)

// Client is a downstream OAuth client as seen by the broker.
type Client struct {
	ID           string   `json:"client_id"`
	Name         string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// AuthorizationParams are the downstream client's /authorize inputs.
type AuthorizationParams struct {
	Scopes              []string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// PendingAuthorization tracks one in-flight upstream authorization, keyed by
// the correlation state sent to the provider.
type PendingAuthorization struct {
	State               string
	ClientID            string
	Scopes              []string
	RedirectURI         string
	ClientState         string
	CodeChallenge       string
	CodeChallengeMethod string
	// SessionID is set for broker-driven session flows.
	SessionID string
	ExpiresAt time.Time
}

// AuthorizationCode is a downstream code minted after a successful upstream
// callback. It is single-use.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	Scopes              []string
	RedirectURI         string
	ClientState         string
	UpstreamCode        string
	CodeChallenge       string
	CodeChallengeMethod string
	SessionID           string
	ExpiresAt           time.Time
}

// expired reports whether the code's window has closed. Codes always carry
// an expiry.
func (ac *AuthorizationCode) expired(now time.Time) bool {
	return !now.Before(ac.ExpiresAt)
}

// TokenPair is the token endpoint response.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// AccessToken is a resolved downstream access token.
type AccessToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

// RefreshToken is a resolved downstream refresh token.
type RefreshToken struct {
	Token    string
	ClientID string
	Scopes   []string
}

// SessionGrant is the result of redeeming a session-flow code.
type SessionGrant struct {
	SessionID     string
	UpstreamToken string
	UserID        string
}

// tokenRecord is the JSON value persisted under each downstream token key.
type tokenRecord struct {
	UpstreamToken string   `json:"slack_token"`
	ClientID      string   `json:"client_id"`
	Scopes        []string `json:"scopes"`
	CreatedAt     float64  `json:"created_at"`
}

func (r *tokenRecord) createdAt() time.Time {
	return time.Unix(0, int64(r.CreatedAt*1e9))
}

// ParseScopes splits a space-delimited scope string. Commas are accepted too
// since Slack documents comma-separated scopes.
func ParseScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScopes renders scopes for the wire.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func isSubset(requested, granted []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}
