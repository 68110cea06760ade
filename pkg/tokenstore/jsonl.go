package tokenstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const BackendJSONL = "jsonl"

// jsonlRecord is one line of the log file. Files written by older releases
// keyed records by "client_id"; both spellings are accepted on read.
type jsonlRecord struct {
	Key         string   `json:"key,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Token       string   `json:"token"`
	CreatedAt   float64  `json:"created_at"`
	ExpiresAt   *float64 `json:"expires_at"`
	CreatedDate string   `json:"created_date"`
}

func (r *jsonlRecord) key() string {
	if r.Key != "" {
		return r.Key
	}
	return r.ClientID
}

func (r *jsonlRecord) token() *Token {
	tok := &Token{Key: r.key(), Value: r.Token, CreatedAt: fromEpoch(r.CreatedAt)}
	if r.ExpiresAt != nil {
		tok.ExpiresAt = fromEpoch(*r.ExpiresAt)
	}
	return tok
}

// jsonlLine keeps the raw bytes of every line so malformed entries survive a
// rewrite untouched.
type jsonlLine struct {
	raw    []byte
	record *jsonlRecord // nil when the line is not valid JSON
}

// JSONLStore is the embedded log-structured backend: newline-delimited JSON,
// one record per line, at most one line per key.
//
// Every mutation rewrites the whole file into a temporary sibling and renames
// it over the original, so a crash leaves either the old or the new file.
// Lookups are linear scans; the store is meant for small cardinalities.
type JSONLStore struct {
	mu   sync.Mutex
	path string
	opts options
}

// NewJSONLStore opens (creating if needed) the log file at path.
func NewJSONLStore(path string, opts ...Option) (*JSONLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl store: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating token store directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening token store file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing token store file: %w", err)
	}

	return &JSONLStore{path: path, opts: buildOptions(BackendJSONL, opts)}, nil
}

// Path returns the backing file path.
func (s *JSONLStore) Path() string { return s.path }

func (s *JSONLStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	now := s.opts.now()
	rec := jsonlRecord{
		Key:         key,
		Token:       value,
		CreatedAt:   toEpoch(now),
		CreatedDate: now.Format(time.RFC3339Nano),
	}
	if exp := expiryFor(now, ttl); !exp.IsZero() {
		e := toEpoch(exp)
		rec.ExpiresAt = &e
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return err
	}
	kept := dropKey(lines, key)
	kept = append(kept, jsonlLine{raw: raw, record: &rec})
	return s.writeLines(kept)
}

func (s *JSONLStore) Get(_ context.Context, key string) (*Token, error) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		if l.record == nil || l.record.key() != key {
			continue
		}
		tok := l.record.token()
		if tok.IsExpired(now) {
			if err := s.writeLines(dropKey(lines, key)); err != nil {
				s.opts.logger.Warn().Err(err).Str("key", RedactKey(key)).Msg("failed to purge expired token")
			}
			return nil, ErrTokenExpired
		}
		return tok, nil
	}
	return nil, ErrTokenNotFound
}

func (s *JSONLStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return err
	}
	kept := dropKey(lines, key)
	if len(kept) == len(lines) {
		return nil
	}
	return s.writeLines(kept)
}

func (s *JSONLStore) Cleanup(_ context.Context) (int, error) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return 0, err
	}
	kept := make([]jsonlLine, 0, len(lines))
	removed := 0
	for _, l := range lines {
		if l.record != nil && l.record.token().IsExpired(now) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.writeLines(kept); err != nil {
		return 0, err
	}
	s.opts.logger.Debug().Int("removed", removed).Msg("expired tokens removed")
	return removed, nil
}

func (s *JSONLStore) List(_ context.Context) ([]Entry, error) {
	now := s.opts.now()

	s.mu.Lock()
	lines, err := s.readLines()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(lines))
	for _, l := range lines {
		if l.record == nil {
			continue
		}
		tok := l.record.token()
		entries = append(entries, Entry{
			Key:           RedactKey(tok.Key),
			Namespace:     KeyNamespace(tok.Key),
			CreatedAt:     tok.CreatedAt,
			Expired:       tok.IsExpired(now),
			HasExpiration: tok.HasExpiration(),
			Backend:       BackendJSONL,
		})
	}
	return entries, nil
}

func (s *JSONLStore) Backend() string { return BackendJSONL }

func (s *JSONLStore) Close() error { return nil }

func (s *JSONLStore) readLines() ([]jsonlLine, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token store: %w", err)
	}

	var lines []jsonlLine
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		l := jsonlLine{raw: append([]byte(nil), raw...)}
		var rec jsonlRecord
		if err := json.Unmarshal(raw, &rec); err == nil && rec.key() != "" {
			l.record = &rec
		}
		lines = append(lines, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning token store: %w", err)
	}
	return lines, nil
}

func (s *JSONLStore) writeLines(lines []jsonlLine) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp token store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		w.Write(l.raw)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing token store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp token store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing token store: %w", err)
	}
	return nil
}

func dropKey(lines []jsonlLine, key string) []jsonlLine {
	kept := make([]jsonlLine, 0, len(lines)+1)
	for _, l := range lines {
		if l.record != nil && l.record.key() == key {
			continue
		}
		kept = append(kept, l)
	}
	return kept
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpoch(f float64) time.Time {
	return time.Unix(0, int64(math.Round(f*1e9)))
}
