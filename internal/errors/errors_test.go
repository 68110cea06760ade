package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("slack", 403, "forbidden")
	assert.Contains(t, err.Error(), "slack")
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "forbidden")
}

func TestAPIError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{Service: "slack", StatusCode: 0, Message: "dial", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("slack", 429, "rate limit")))
	assert.True(t, IsRetryable(NewAPIError("slack", 502, "bad gateway")))
	assert.True(t, IsRetryable(NewAPIError("slack", 503, "unavailable")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrRateLimit)))
	assert.True(t, IsRetryable(ErrUnavailable))

	assert.False(t, IsRetryable(NewAPIError("slack", 401, "unauth")))
	assert.False(t, IsRetryable(NewAPIError("slack", 404, "not found")))
	assert.False(t, IsRetryable(ErrUpstreamUnreachable))
	assert.False(t, IsRetryable(InvalidGrant("code expired")))
}

func TestRetryDelay(t *testing.T) {
	d, ok := RetryDelay(fmt.Errorf("call: %w", &APIError{StatusCode: 429, RetryAfter: 2 * time.Second}))
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = RetryDelay(NewAPIError("slack", 429, "no header"))
	assert.False(t, ok)
}

func TestOAuthError_Format(t *testing.T) {
	assert.Equal(t, "invalid_grant: code expired", InvalidGrant("code %s", "expired").Error())
	assert.Equal(t, "invalid_scope", (&OAuthError{Code: CodeInvalidScope}).Error())
}

func TestOAuthError_HTTPStatus(t *testing.T) {
	tests := []struct {
		err  *OAuthError
		want int
	}{
		{InvalidRequest("x"), http.StatusBadRequest},
		{InvalidGrant("x"), http.StatusBadRequest},
		{InvalidScope("x"), http.StatusBadRequest},
		{UnsupportedGrantType("x"), http.StatusBadRequest},
		{InvalidClient("x"), http.StatusUnauthorized},
		{&OAuthError{Code: CodeServerError}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestAsOAuth_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("exchange failed: %w", InvalidScope("requested scopes exceed original grant"))

	oe, ok := AsOAuth(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidScope, oe.Code)
	assert.True(t, IsOAuthCode(err, CodeInvalidScope))
	assert.False(t, IsOAuthCode(err, CodeInvalidGrant))

	_, ok = AsOAuth(errors.New("plain"))
	assert.False(t, ok)
}
