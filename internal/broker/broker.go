// Package broker is the OAuth authorization server facing MCP clients. It
// proxies the authorization-code flow to Slack, mints its own opaque codes
// and tokens, and maps downstream tokens to the upstream Slack token.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/slack-mcp-broker/internal/lru"
	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/internal/upstream"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

const (
	DefaultAuthorizeURL    = "https://slack.com/oauth/v2/authorize"
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultPendingTTL      = 10 * time.Minute
	DefaultPendingCapacity = 10000

	localBaseURL = "http://localhost:8080"

	accessKeyPrefix  = "mcp_token:"
	refreshKeyPrefix = "mcp_refresh:"
	clientKeyPrefix  = "client:"

	// sessionClientID owns pending records of broker-driven session flows.
	sessionClientID = "session"

	tokenBytes = 32
)

// DefaultScopes are requested when a client asks for none.
var DefaultScopes = []string{"chat:write", "channels:read"}

// Config configures the broker.
type Config struct {
	// ClientID and ClientSecret identify the broker's own Slack app.
	ClientID        string
	ClientSecret    string
	ServiceBaseURL  string
	AuthorizeURL    string
	Scopes          []string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	PendingTTL      time.Duration
	PendingCapacity int
}

func (c *Config) setDefaults() {
	c.ServiceBaseURL = strings.TrimRight(c.ServiceBaseURL, "/")
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = DefaultAuthorizeURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	if c.PendingCapacity <= 0 {
		c.PendingCapacity = DefaultPendingCapacity
	}
}

// Broker issues and validates downstream codes and tokens.
type Broker struct {
	cfg      Config
	store    tokenstore.Store
	upstream upstream.Client
	pending  *lru.Cache[string, *PendingAuthorization]
	codes    *lru.Cache[string, *AuthorizationCode]
	// refreshMu serializes refresh-token rotation.
	refreshMu sync.Mutex
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the time source for every expiry decision.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// New creates a broker. Missing upstream credentials are a construction error.
func New(cfg Config, store tokenstore.Store, up upstream.Client, logger zerolog.Logger, opts ...Option) (*Broker, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("broker: upstream client id and secret are required")
	}
	if store == nil || up == nil {
		return nil, errors.New("broker: store and upstream client are required")
	}
	cfg.setDefaults()

	b := &Broker{
		cfg:      cfg,
		store:    store,
		upstream: up,
		now:      time.Now,
		logger:   logger.With().Str("component", "broker").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.pending = lru.New[string, *PendingAuthorization](cfg.PendingCapacity,
		lru.WithClock[string, *PendingAuthorization](b.now),
		lru.WithOnEvict[string, *PendingAuthorization](func(state string, _ *PendingAuthorization) {
			b.logger.Debug().Str("state", tokenstore.RedactKey(state)).Msg("pending authorization dropped")
		}),
	)
	b.codes = lru.New[string, *AuthorizationCode](cfg.PendingCapacity,
		lru.WithClock[string, *AuthorizationCode](b.now),
	)
	return b, nil
}

// Config returns the effective configuration.
func (b *Broker) Config() Config { return b.cfg }

// CallbackURI is the fixed redirect URI registered with Slack.
func (b *Broker) CallbackURI() string {
	if b.cfg.ServiceBaseURL == "" {
		return localBaseURL + "/slack/callback"
	}
	return b.cfg.ServiceBaseURL + "/slack/callback"
}

// BaseURL is the public base URL, falling back to the local development one.
func (b *Broker) BaseURL() string {
	if b.cfg.ServiceBaseURL == "" {
		return localBaseURL
	}
	return b.cfg.ServiceBaseURL
}

func (b *Broker) fixedRedirectURIs() []string {
	return []string{
		"http://localhost/redirect",
		"http://localhost:12345/callback",
		"http://localhost:8080/oauth/callback",
		"https://localhost:8080/oauth/callback",
		b.BaseURL() + "/oauth/callback",
	}
}

// GetClient accepts any client id (dynamic registration) and returns the
// fixed redirect URIs plus any registered for that id.
func (b *Broker) GetClient(ctx context.Context, clientID string) *Client {
	c := &Client{ID: clientID, Name: "Slack MCP Server", RedirectURIs: b.fixedRedirectURIs()}

	tok, err := b.store.Get(ctx, clientKeyPrefix+clientID)
	if err != nil {
		if !tokenstore.IsMiss(err) {
			b.logger.Warn().Err(err).Str("client_id", clientID).Msg("failed to load client registration")
		}
		return c
	}
	var reg Client
	if err := json.Unmarshal([]byte(tok.Value), &reg); err != nil {
		b.logger.Warn().Err(err).Str("client_id", clientID).Msg("corrupt client registration")
		return c
	}
	if reg.Name != "" {
		c.Name = reg.Name
	}
	for _, u := range reg.RedirectURIs {
		if !containsString(c.RedirectURIs, u) {
			c.RedirectURIs = append(c.RedirectURIs, u)
		}
	}
	return c
}

// RegisterClient persists a client registration. Registering the same id
// again replaces the previous record.
func (b *Broker) RegisterClient(ctx context.Context, c Client) error {
	if c.ID == "" {
		return errors.New("client id is required")
	}
	if c.RedirectURIs == nil {
		c.RedirectURIs = []string{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding client: %w", err)
	}
	if err := b.store.Set(ctx, clientKeyPrefix+c.ID, string(raw), 0); err != nil {
		return fmt.Errorf("saving client: %w", err)
	}
	b.logger.Info().
		Str("client_id", c.ID).
		Str("client_name", c.Name).
		Strs("redirect_uris", c.RedirectURIs).
		Msg("client registered")
	return nil
}

// Sweep drops expired pending authorizations and codes.
func (b *Broker) Sweep() int {
	n := b.pending.Sweep() + b.codes.Sweep()
	b.metrics.SetPending(b.PendingCount())
	return n
}

// PendingCount is the number of pending authorizations plus unredeemed codes.
func (b *Broker) PendingCount() int {
	return b.pending.Len() + b.codes.Len()
}

// randomToken returns 256 bits of URL-safe randomness.
func randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
