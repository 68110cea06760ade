package tokenstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

const BackendMemory = "memory"

// MemoryStore is an in-memory token store for development.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
	opts   options
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*Token),
		opts:   buildOptions(BackendMemory, opts),
	}
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	now := m.opts.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = &Token{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: expiryFor(now, ttl),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Token, error) {
	now := m.opts.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.IsExpired(now) {
		delete(m.tokens, key)
		return nil, ErrTokenExpired
	}
	cp := *tok
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	now := m.opts.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k, tok := range m.tokens {
		if tok.IsExpired(now) {
			delete(m.tokens, k)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	now := m.opts.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.tokens))
	for _, tok := range m.tokens {
		entries = append(entries, Entry{
			Key:           RedactKey(tok.Key),
			Namespace:     KeyNamespace(tok.Key),
			CreatedAt:     tok.CreatedAt,
			Expired:       tok.IsExpired(now),
			HasExpiration: tok.HasExpiration(),
			Backend:       BackendMemory,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (m *MemoryStore) Backend() string { return BackendMemory }

func (m *MemoryStore) Close() error { return nil }
