// Package tokenstore persists opaque string values under string keys with
// optional time-to-live.
//
// Every backend honors the same contract: Set supersedes any previous value
// for the key, Get never returns an expired record (deleting it
// opportunistically when the backend does not purge on its own), and List
// never exposes raw values.
package tokenstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Token represents a stored token with metadata.
type Token struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is the zero time when the token never expires.
	ExpiresAt time.Time `json:"expires_at"`
}

// HasExpiration reports whether the token was stored with a TTL.
func (t *Token) HasExpiration() bool {
	return !t.ExpiresAt.IsZero()
}

// IsExpired checks if the token has expired at the given instant.
func (t *Token) IsExpired(now time.Time) bool {
	return t.HasExpiration() && !now.Before(t.ExpiresAt)
}

// Entry is the redacted view of a stored token returned by List. Namespace
// is the unredacted key segment before the first ':', so keys must not carry
// secrets in that segment.
type Entry struct {
	Key           string    `json:"key"`
	Namespace     string    `json:"namespace"`
	CreatedAt     time.Time `json:"created_at"`
	Expired       bool      `json:"expired"`
	HasExpiration bool      `json:"has_expiration"`
	Backend       string    `json:"backend"`
}

// Store defines the token storage interface.
type Store interface {
	// Set stores a value under key, replacing any previous value. A ttl <= 0
	// stores a record that never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get retrieves a token by key. Returns ErrTokenNotFound or ErrTokenExpired.
	Get(ctx context.Context, key string) (*Token, error)
	// Delete removes a token by key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Cleanup removes all expired tokens and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
	// List returns redacted metadata for every stored record.
	List(ctx context.Context) ([]Entry, error)
	// Backend names the storage implementation.
	Backend() string
	Close() error
}

// Lookup returns the live value stored under key. The second result is false
// when the key is absent, expired, or the backend failed.
func Lookup(ctx context.Context, s Store, key string) (string, bool) {
	tok, err := s.Get(ctx, key)
	if err != nil {
		return "", false
	}
	return tok.Value, true
}

// IsMiss reports whether err means "no live record" rather than a backend
// failure.
func IsMiss(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenExpired)
}

// RedactKey shortens a key or token to a non-sensitive prefix.
func RedactKey(key string) string {
	if len(key) <= 8 {
		return key + "..."
	}
	return key[:8] + "..."
}

// KeyNamespace returns the part of key before the first ':', or "" when the
// key has no namespace.
func KeyNamespace(key string) string {
	ns, _, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	return ns
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
