package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendRedis = "redis"

	// DefaultRedisKeyPrefix namespaces every key the broker writes.
	DefaultRedisKeyPrefix = "slack-mcp:"

	redisTokenSegment = "token:"
	redisScanCount    = 100
)

// RedisStore is the networked backend. Each record is a hash under
// <prefix>token:<key> carrying token, created_at and expires_at (unix millis).
// The key also gets a native PEXPIREAT, but Get checks expires_at itself so an
// expired record is never returned even before Redis evicts it.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      options
}

// NewRedisStore connects to the Redis instance described by url
// (redis://[user:pass@]host:port/db) and verifies it with PING.
func NewRedisStore(ctx context.Context, url, keyPrefix string, opts ...Option) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, keyPrefix, opts...), nil
}

// NewRedisStoreWithClient wraps a pre-configured client. Tests pass a client
// pointed at miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      buildOptions(BackendRedis, opts),
	}
}

func (s *RedisStore) redisKey(key string) string {
	return s.keyPrefix + redisTokenSegment + key
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.opts.now()
	exp := expiryFor(now, ttl)
	rk := s.redisKey(key)

	fields := map[string]any{
		"token":      value,
		"created_at": now.UnixMilli(),
		"expires_at": "",
	}
	if !exp.IsZero() {
		fields["expires_at"] = exp.UnixMilli()
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, rk)
	pipe.HSet(ctx, rk, fields)
	if !exp.IsZero() {
		pipe.PExpireAt(ctx, rk, exp)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Token, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrTokenNotFound
	}

	tok := decodeRedisToken(key, fields)
	if tok.IsExpired(s.opts.now()) {
		if err := s.Delete(ctx, key); err != nil {
			s.opts.logger.Warn().Err(err).Str("key", RedactKey(key)).Msg("failed to purge expired token")
		}
		return nil, ErrTokenExpired
	}
	return tok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	now := s.opts.now()
	removed := 0
	err := s.scan(ctx, func(rk string, tok *Token) error {
		if !tok.IsExpired(now) {
			return nil
		}
		if err := s.client.Del(ctx, rk).Err(); err != nil {
			return fmt.Errorf("failed to delete expired token: %w", err)
		}
		removed++
		return nil
	})
	return removed, err
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	now := s.opts.now()
	var entries []Entry
	err := s.scan(ctx, func(_ string, tok *Token) error {
		entries = append(entries, Entry{
			Key:           RedactKey(tok.Key),
			Namespace:     KeyNamespace(tok.Key),
			CreatedAt:     tok.CreatedAt,
			Expired:       tok.IsExpired(now),
			HasExpiration: tok.HasExpiration(),
			Backend:       BackendRedis,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *RedisStore) Backend() string { return BackendRedis }

// Ping checks connectivity; used by the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// scan walks every token hash under the prefix. Keys that vanish between SCAN
// and HGETALL are skipped.
func (s *RedisStore) scan(ctx context.Context, fn func(redisKey string, tok *Token) error) error {
	prefix := s.keyPrefix + redisTokenSegment
	iter := s.client.Scan(ctx, 0, prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		rk := iter.Val()
		fields, err := s.client.HGetAll(ctx, rk).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("failed to read token: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		if err := fn(rk, decodeRedisToken(strings.TrimPrefix(rk, prefix), fields)); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan tokens: %w", err)
	}
	return nil
}

func decodeRedisToken(key string, fields map[string]string) *Token {
	tok := &Token{Key: key, Value: fields["token"]}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		tok.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		tok.ExpiresAt = time.UnixMilli(ms)
	}
	return tok
}
