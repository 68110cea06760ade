package cleanup

import "time"

// CleanupConfig holds configuration for the periodic sweep.
type CleanupConfig struct {
	Interval      time.Duration // default 15m
	SessionMaxAge time.Duration // default 24h
}

// DefaultConfig returns sane defaults.
func DefaultConfig() CleanupConfig {
	return CleanupConfig{
		Interval:      15 * time.Minute,
		SessionMaxAge: 24 * time.Hour,
	}
}

// Result summarizes one sweep.
type Result struct {
	ExpiredTokens  int
	ExpiredPending int
	ExpiredSession int
	StoredTokens   int
	Sessions       int
}
