package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const BackendSQLite = "sqlite"

// SQLiteStore keeps tokens in a single-file SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, opts: buildOptions(BackendSQLite, opts)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.opts.logger.Debug().Str("path", dbPath).Msg("token store initialized")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_expires ON tokens(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tokens table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.opts.now()
	var expiresAt sql.NullInt64
	if exp := expiryFor(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tokens (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		key, value, now.UnixMilli(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Token, error) {
	var (
		value     string
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, created_at, expires_at FROM tokens WHERE key = ?`, key,
	).Scan(&value, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	tok := &Token{Key: key, Value: value, CreatedAt: time.UnixMilli(createdAt)}
	if expiresAt.Valid {
		tok.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	if tok.IsExpired(s.opts.now()) {
		if err := s.Delete(ctx, key); err != nil {
			s.opts.logger.Warn().Err(err).Str("key", RedactKey(key)).Msg("failed to purge expired token")
		}
		return nil, ErrTokenExpired
	}
	return tok, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.opts.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed tokens: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, created_at, expires_at FROM tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	now := s.opts.now()
	var entries []Entry
	for rows.Next() {
		var (
			key       string
			createdAt int64
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&key, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tok := Token{Key: key, CreatedAt: time.UnixMilli(createdAt)}
		if expiresAt.Valid {
			tok.ExpiresAt = time.UnixMilli(expiresAt.Int64)
		}
		entries = append(entries, Entry{
			Key:           RedactKey(key),
			Namespace:     KeyNamespace(key),
			CreatedAt:     tok.CreatedAt,
			Expired:       tok.IsExpired(now),
			HasExpiration: tok.HasExpiration(),
			Backend:       BackendSQLite,
		})
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Backend() string { return BackendSQLite }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
