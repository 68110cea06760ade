package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes (RFC 6749 section 4.1.2.1 and 5.2).
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidScope         = "invalid_scope"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeAccessDenied         = "access_denied"
	CodeServerError          = "server_error"
)

// OAuthError is a caller-correctable protocol error. It is rendered on the
// wire as {"error": Code, "error_description": Description}.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// HTTPStatus maps the error code to the status used by token and
// authorization endpoints.
func (e *OAuthError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidClient:
		return http.StatusUnauthorized
	case CodeServerError:
		return http.StatusInternalServerError
	case CodeAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// NewOAuthError creates an OAuthError with a formatted description.
func NewOAuthError(code, format string, args ...any) *OAuthError {
	return &OAuthError{Code: code, Description: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...any) *OAuthError {
	return NewOAuthError(CodeInvalidRequest, format, args...)
}

func InvalidGrant(format string, args ...any) *OAuthError {
	return NewOAuthError(CodeInvalidGrant, format, args...)
}

func InvalidScope(format string, args ...any) *OAuthError {
	return NewOAuthError(CodeInvalidScope, format, args...)
}

func InvalidClient(format string, args ...any) *OAuthError {
	return NewOAuthError(CodeInvalidClient, format, args...)
}

func UnsupportedGrantType(format string, args ...any) *OAuthError {
	return NewOAuthError(CodeUnsupportedGrantType, format, args...)
}

// AsOAuth extracts an OAuthError from err's chain.
func AsOAuth(err error) (*OAuthError, bool) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// IsOAuthCode reports whether err carries the given OAuth error code.
func IsOAuthCode(err error, code string) bool {
	oe, ok := AsOAuth(err)
	return ok && oe.Code == code
}
