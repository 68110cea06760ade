package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

const (
	DefaultTokenTTL = 365 * 24 * time.Hour

	resolveTimeout = 30 * time.Second
)

// ErrUnknownSession is returned by Complete for a session that no longer exists.
var ErrUnknownSession = errors.New("unknown session")

// Authorizer starts a broker-driven upstream authorization for a session and
// returns the URL the user has to open.
type Authorizer interface {
	AuthorizeSession(ctx context.Context, sessionID string, scopes []string) (string, error)
}

// Resolution is the outcome of resolving a user's upstream token. Exactly one
// of Token and AuthURL is set.
type Resolution struct {
	UserKey   string
	Token     string
	AuthURL   string
	SessionID string
	// Started is true when this call began a new authorization.
	Started bool
}

// Authenticated reports whether a live token was found.
func (r Resolution) Authenticated() bool { return r.Token != "" }

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// ClientID is the broker's upstream client id, used to namespace
	// persisted per-user tokens.
	ClientID string
	TokenTTL time.Duration
	Scopes   []string
}

// Coordinator resolves the upstream token for a user, starting at most one
// authorization per user at a time.
type Coordinator struct {
	cfg      CoordinatorConfig
	sessions *Manager
	store    tokenstore.Store
	auth     Authorizer
	checker  LivenessChecker
	group    singleflight.Group
	logger   zerolog.Logger
}

// NewCoordinator wires the session manager to persistence and the broker.
func NewCoordinator(cfg CoordinatorConfig, sessions *Manager, store tokenstore.Store, auth Authorizer, checker LivenessChecker, logger zerolog.Logger) *Coordinator {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	return &Coordinator{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		auth:     auth,
		checker:  checker,
		logger:   logger.With().Str("component", "session_coordinator").Logger(),
	}
}

// UserKey is the store key of a user's persisted upstream token.
func (c *Coordinator) UserKey(userID string) string {
	return c.cfg.ClientID + ":" + userID
}

// Sessions returns the underlying session manager.
func (c *Coordinator) Sessions() *Manager { return c.sessions }

// Resolve returns the user's live upstream token or the URL of the
// authorization the user has to complete. Concurrent calls for one user
// share a single resolution.
func (c *Coordinator) Resolve(ctx context.Context, userID string, info ClientInfo) (Resolution, error) {
	key := c.UserKey(userID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Shared by every waiter, so it must outlive the first caller.
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return c.resolve(shared, key, info)
	})
	if err != nil {
		return Resolution{UserKey: key}, err
	}
	return v.(Resolution), nil
}

func (c *Coordinator) resolve(ctx context.Context, key string, info ClientInfo) (Resolution, error) {
	log := c.logger.With().Str("user_key", tokenstore.RedactKey(key)).Logger()

	if tok, ok := tokenstore.Lookup(ctx, c.store, key); ok {
		if c.checker.CheckLiveness(ctx, tok) {
			return Resolution{UserKey: key, Token: tok}, nil
		}
		// A failed check may be transient. The record stays until a
		// completed authorization replaces it.
		log.Warn().Msg("persisted upstream token failed liveness check")
	}

	// A demoted session is replaced on the second pass.
	for attempt := 0; attempt < 2; attempt++ {
		sess, started := c.sessions.BeginAuthorization(key, info)
		if started {
			authURL, err := c.auth.AuthorizeSession(ctx, sess.ID, c.cfg.Scopes)
			if err != nil {
				c.sessions.MarkFailed(sess.ID)
				return Resolution{}, fmt.Errorf("starting authorization: %w", err)
			}
			c.sessions.SetAuthURL(sess.ID, authURL)
			log.Info().Str("session_id", tokenstore.RedactKey(sess.ID)).Msg("authorization started")
			return Resolution{UserKey: key, AuthURL: authURL, SessionID: sess.ID, Started: true}, nil
		}
		if sess.Status != StatusAuthenticated {
			return Resolution{UserKey: key, AuthURL: sess.AuthURL, SessionID: sess.ID}, nil
		}
		if tok, ok := c.sessions.GetToken(ctx, sess.ID); ok {
			return Resolution{UserKey: key, Token: tok, SessionID: sess.ID}, nil
		}
	}
	return Resolution{}, errors.New("could not start authorization")
}

// Complete attaches the upstream token obtained by a session's authorization
// and persists it for the session's user.
func (c *Coordinator) Complete(ctx context.Context, sessionID, upstreamToken string) error {
	sess, ok := c.sessions.Get(sessionID)
	if !ok || !c.sessions.SetToken(sessionID, upstreamToken) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, tokenstore.RedactKey(sessionID))
	}
	if sess.UserKey == "" {
		return nil
	}
	if err := c.store.Set(ctx, sess.UserKey, upstreamToken, c.cfg.TokenTTL); err != nil {
		// The in-memory session still holds the token.
		c.logger.Warn().Err(err).Str("user_key", tokenstore.RedactKey(sess.UserKey)).Msg("failed to persist upstream token")
	}
	return nil
}

// Fail marks a session's authorization as refused by the user or provider.
func (c *Coordinator) Fail(sessionID string) {
	if c.sessions.MarkFailed(sessionID) {
		c.logger.Info().Str("session_id", tokenstore.RedactKey(sessionID)).Msg("session authorization failed")
	}
}

// HasToken reports whether a live persisted token exists for the user,
// without contacting the provider.
func (c *Coordinator) HasToken(ctx context.Context, userID string) bool {
	_, ok := tokenstore.Lookup(ctx, c.store, c.UserKey(userID))
	return ok
}

// AuthorizationInFlight reports whether an authorization was started for
// the user and has not completed.
func (c *Coordinator) AuthorizationInFlight(userID string) bool {
	return c.sessions.inFlight(c.UserKey(userID))
}
