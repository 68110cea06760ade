// Package cleanup runs the periodic sweep over the token store, the broker's
// pending authorizations and the session table.
package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

// PendingSweeper drops expired pending authorizations.
type PendingSweeper interface {
	Sweep() int
}

// SessionSweeper drops sessions past their maximum age.
type SessionSweeper interface {
	CleanupExpired(maxAge time.Duration) int
	Count() int
}

// Cleaner manages the cleanup lifecycle.
type Cleaner struct {
	cfg      CleanupConfig
	store    tokenstore.Store
	pending  PendingSweeper
	sessions SessionSweeper
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewCleaner creates a new Cleaner.
func NewCleaner(cfg CleanupConfig, store tokenstore.Store, pending PendingSweeper, sessions SessionSweeper, m *metrics.Metrics, logger zerolog.Logger) *Cleaner {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = def.SessionMaxAge
	}
	return &Cleaner{
		cfg:      cfg,
		store:    store,
		pending:  pending,
		sessions: sessions,
		metrics:  m,
		logger:   logger.With().Str("component", "cleanup").Logger(),
	}
}

// RunOnce performs a single sweep. A store failure is logged and the
// remaining steps still run.
func (c *Cleaner) RunOnce(ctx context.Context) Result {
	var res Result

	n, err := c.store.Cleanup(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("token store cleanup failed")
		c.metrics.RecordError("cleanup", "store_cleanup")
	}
	res.ExpiredTokens = n

	if entries, err := c.store.List(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("listing token store failed")
	} else {
		res.StoredTokens = len(entries)
		c.metrics.SetStoredTokens(res.StoredTokens)
	}

	res.ExpiredPending = c.pending.Sweep()
	res.ExpiredSession = c.sessions.CleanupExpired(c.cfg.SessionMaxAge)
	res.Sessions = c.sessions.Count()
	c.metrics.SetSessions(res.Sessions)

	ev := c.logger.Debug()
	if res.ExpiredTokens+res.ExpiredPending+res.ExpiredSession > 0 {
		ev = c.logger.Info()
	}
	ev.Int("expired_tokens", res.ExpiredTokens).
		Int("expired_pending", res.ExpiredPending).
		Int("expired_sessions", res.ExpiredSession).
		Int("stored_tokens", res.StoredTokens).
		Int("sessions", res.Sessions).
		Msg("cleanup sweep")
	return res
}

// Run sweeps every Interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.cfg.Interval).Dur("session_max_age", c.cfg.SessionMaxAge).Msg("cleanup started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("cleanup stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}
