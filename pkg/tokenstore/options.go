package tokenstore

import (
	"time"

	"github.com/rs/zerolog"
)

// Clock returns the current time. Tests inject a fake one to simulate expiry.
type Clock func() time.Time

type options struct {
	now    Clock
	logger zerolog.Logger
}

// Option configures a backend.
type Option func(*options)

// WithClock overrides the wall clock used for expiry decisions.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.now = c
		}
	}
}

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(backend string, opts []Option) options {
	o := options{now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "tokenstore").Str("backend", backend).Logger()
	return o
}
