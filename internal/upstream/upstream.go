// Package upstream talks to the identity provider (Slack) on behalf of the
// broker: the authorization-code exchange, token liveness checks and the
// workspace calls the MCP tools make.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	perrors "github.com/p-blackswan/slack-mcp-broker/internal/errors"
)

// ExchangeResult mirrors the provider's token endpoint response shape. OK is
// false when the provider rejected the code; Error then carries its code.
type ExchangeResult struct {
	OK          bool
	AccessToken string
	Error       string
	Scope       string
	UserID      string
	TeamID      string
}

// Client is what the broker and session layer need from the provider.
type Client interface {
	// ExchangeCode trades an upstream authorization code for a token. A
	// non-nil error means the provider could not be reached; a rejection is
	// reported through ExchangeResult.
	ExchangeCode(ctx context.Context, code, redirectURI string) (ExchangeResult, error)
	// CheckLiveness reports whether token is still accepted. Any failure,
	// including network errors, is reported as false.
	CheckLiveness(ctx context.Context, token string) bool
}

// Channel is a workspace channel visible to the token holder.
type Channel struct {
	ID   string
	Name string
}

// Workspace is the tool-facing subset of the Slack Web API.
type Workspace interface {
	ListChannels(ctx context.Context, token string) ([]Channel, error)
	PostMessage(ctx context.Context, token, channelID, text string) (string, error)
}

// ErrorCode reduces an upstream failure to a short code suitable for showing
// to an end user. Raw response bodies are never surfaced.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) && slackErr.Err != "" {
		return slackErr.Err
	}
	var apiErr *perrors.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return "ratelimited"
		}
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	}
	if errors.Is(err, perrors.ErrUpstreamUnreachable) {
		return "upstream_unreachable"
	}
	if errors.Is(err, perrors.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown_error"
}
