// Package requestid propagates a per-request correlation id through contexts,
// HTTP headers and log lines.
package requestid

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header is the HTTP header carrying the request id.
const Header = "X-Request-ID"

const localsKey = "request_id"

type ctxKey struct{}

// New returns a context carrying a freshly generated id, and the id.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id stored in ctx, generating one when absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Logger returns base enriched with the request id from ctx.
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	return base.With().Str("request_id", FromContext(ctx)).Logger()
}

// Middleware accepts an inbound X-Request-ID (or generates one), echoes it on
// the response and stores it on the request's user context.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(Header)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(Header, id)
		c.Locals(localsKey, id)
		c.SetUserContext(WithRequestID(c.UserContext(), id))
		return c.Next()
	}
}

// FromFiber returns the id assigned by Middleware.
func FromFiber(c *fiber.Ctx) string {
	if id, ok := c.Locals(localsKey).(string); ok {
		return id
	}
	return FromContext(c.UserContext())
}
