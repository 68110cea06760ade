package tokenstore

import (
	"context"
	"fmt"

	perrors "github.com/p-blackswan/slack-mcp-broker/internal/errors"
)

// DefaultPath is the JSONL file used when no path is configured.
const DefaultPath = "tokens.jsonl"

// Config selects and configures a backend.
type Config struct {
	Backend   string
	Path      string
	RedisURL  string
	KeyPrefix string
}

// Open constructs the configured backend. Construction or connectivity
// failures are wrapped in ErrStorageUnavailable.
func Open(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case BackendJSONL, "":
		path := cfg.Path
		if path == "" {
			path = DefaultPath
		}
		s, err = NewJSONLStore(path, opts...)
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = "tokens.db"
		}
		s, err = NewSQLiteStore(path, opts...)
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("%w: redis backend requires REDIS_URL", perrors.ErrStorageUnavailable)
		}
		s, err = NewRedisStore(ctx, cfg.RedisURL, cfg.KeyPrefix, opts...)
	case BackendMemory:
		s = NewMemoryStore(opts...)
	default:
		return nil, fmt.Errorf("unknown token store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", perrors.ErrStorageUnavailable, cfg.Backend, err)
	}
	return s, nil
}
