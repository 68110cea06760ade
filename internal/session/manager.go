// Package session maps MCP sessions to upstream Slack tokens and coordinates
// the per-user authorization that fills them in.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

// Status is the authentication state of a session.
type Status string

const (
	StatusPendingAuth   Status = "pending_auth"
	StatusAuthenticated Status = "authenticated"
	StatusFailed        Status = "failed"
)

const DefaultPendingTTL = 10 * time.Minute

// LivenessChecker reports whether an upstream token is still accepted.
type LivenessChecker interface {
	CheckLiveness(ctx context.Context, token string) bool
}

// ClientInfo describes the MCP client that owns a session.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// Session is a snapshot of one session. The upstream token is never part of
// a snapshot.
type Session struct {
	ID            string
	Status        Status
	CreatedAt     time.Time
	ClientInfo    ClientInfo
	AuthURL       string
	AuthStartedAt time.Time
	HasToken      bool
	// UserKey is set for sessions started through BeginAuthorization.
	UserKey string
}

// Summary is the redacted diagnostic view returned by ListSessions.
type Summary struct {
	Status    Status    `json:"status"`
	Client    string    `json:"client"`
	CreatedAt time.Time `json:"created_at"`
	HasToken  bool      `json:"has_token"`
}

type entry struct {
	Session
	token string
}

func (e *entry) snapshot() Session {
	s := e.Session
	s.HasToken = e.token != ""
	return s
}

// Manager owns all sessions of the process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	// byUser indexes the latest session started for a user key.
	byUser map[string]string

	checker    LivenessChecker
	pendingTTL time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithPendingTTL bounds how long an unanswered authorization blocks a new one.
func WithPendingTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pendingTTL = d
		}
	}
}

// NewManager creates an empty session manager.
func NewManager(checker LivenessChecker, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions:   make(map[string]*entry),
		byUser:     make(map[string]string),
		checker:    checker,
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
		logger:     logger.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession registers a new session in pending_auth and returns its id.
func (m *Manager) CreateSession(info *ClientInfo) string {
	m.mu.Lock()
	e := m.createLocked(info)
	m.mu.Unlock()

	m.logger.Info().Str("session_id", tokenstore.RedactKey(e.ID)).Str("client", e.ClientInfo.Name).Msg("session created")
	return e.ID
}

func (m *Manager) createLocked(info *ClientInfo) *entry {
	e := &entry{Session: Session{
		ID:        uuid.NewString(),
		Status:    StatusPendingAuth,
		CreatedAt: m.now(),
	}}
	if info != nil {
		e.ClientInfo = *info
	}
	m.sessions[e.ID] = e
	m.metrics.SetSessions(len(m.sessions))
	return e
}

// SetToken stores the upstream token for a session and marks it
// authenticated. It reports false when the session does not exist.
func (m *Manager) SetToken(id, token string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		e.token = token
		e.Status = StatusAuthenticated
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn().Str("session_id", tokenstore.RedactKey(id)).Msg("set token for unknown session")
		return false
	}
	m.logger.Info().Str("session_id", tokenstore.RedactKey(id)).Msg("session authenticated")
	return true
}

// GetToken returns the session's token after checking it upstream. A token
// that fails the check is cleared and the session reverts to pending_auth.
func (m *Manager) GetToken(ctx context.Context, id string) (string, bool) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	var token string
	if ok {
		token = e.token
	}
	m.mu.Unlock()
	if token == "" {
		return "", false
	}

	if m.checker.CheckLiveness(ctx, token) {
		return token, true
	}

	m.mu.Lock()
	// Only demote if nobody replaced the token while we were checking.
	if e, ok := m.sessions[id]; ok && e.token == token {
		e.token = ""
		e.Status = StatusPendingAuth
		e.AuthURL = ""
		e.AuthStartedAt = time.Time{}
	}
	m.mu.Unlock()

	m.logger.Warn().Str("session_id", tokenstore.RedactKey(id)).Msg("upstream token failed liveness check, cleared")
	return "", false
}

// GetStatus returns the session's status.
func (m *Manager) GetStatus(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return "", false
	}
	return e.Status, true
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// MarkFailed records that the session's authorization was refused.
func (m *Manager) MarkFailed(id string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		e.Status = StatusFailed
		e.token = ""
	}
	m.mu.Unlock()
	return ok
}

// ListSessions returns a redacted view keyed by session id prefix.
func (m *Manager) ListSessions() map[string]Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Summary, len(m.sessions))
	for id, e := range m.sessions {
		client := e.ClientInfo.Name
		if client == "" {
			client = "unknown"
		}
		out[tokenstore.RedactKey(id)] = Summary{
			Status:    e.Status,
			Client:    client,
			CreatedAt: e.CreatedAt,
			HasToken:  e.token != "",
		}
	}
	return out
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RemoveSession deletes a session. Removing an unknown id is a no-op.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		m.removeLocked(e)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info().Str("session_id", tokenstore.RedactKey(id)).Str("client", e.ClientInfo.Name).Msg("session removed")
	}
}

func (m *Manager) removeLocked(e *entry) {
	delete(m.sessions, e.ID)
	if e.UserKey != "" && m.byUser[e.UserKey] == e.ID {
		delete(m.byUser, e.UserKey)
	}
	m.metrics.SetSessions(len(m.sessions))
}

// CleanupExpired removes every session at least maxAge old and returns how
// many were removed. A zero maxAge removes all sessions.
func (m *Manager) CleanupExpired(maxAge time.Duration) int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for _, e := range m.sessions {
		if now.Sub(e.CreatedAt) >= maxAge {
			m.removeLocked(e)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("expired sessions removed")
	}
	return removed
}

// BeginAuthorization decides atomically whether a new authorization must be
// started for userKey. While one is in flight, or the user's session already
// holds a token, the existing session is returned with started false.
// Otherwise a fresh session is created, marked as started, and returned with
// started true; the caller must follow up with SetAuthURL or MarkFailed.
func (m *Manager) BeginAuthorization(userKey string, info ClientInfo) (Session, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byUser[userKey]; ok {
		if e, ok := m.sessions[id]; ok {
			switch {
			case e.Status == StatusAuthenticated && e.token != "":
				return e.snapshot(), false
			case e.Status == StatusPendingAuth && !e.AuthStartedAt.IsZero() && now.Sub(e.AuthStartedAt) < m.pendingTTL:
				return e.snapshot(), false
			}
			m.removeLocked(e)
		}
	}

	e := m.createLocked(&info)
	e.UserKey = userKey
	e.AuthStartedAt = now
	m.byUser[userKey] = e.ID
	return e.snapshot(), true
}

// SetAuthURL records the authorization URL handed out for a session.
func (m *Manager) SetAuthURL(id, authURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.AuthURL = authURL
	}
}

func (m *Manager) inFlight(userKey string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[m.byUser[userKey]]
	return ok && e.Status == StatusPendingAuth && !e.AuthStartedAt.IsZero() && now.Sub(e.AuthStartedAt) < m.pendingTTL
}
