package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Credential sources understood by NewResolver.
const (
	SourceEnv        = "env"
	SourceFile       = "file"
	SourceKubernetes = "kubernetes"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment   string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort      int    `envconfig:"HTTP_PORT" default:"8002"`
	MCPListenAddr string `envconfig:"MCP_LISTEN_ADDR" default:":8001"`

	// Slack app (may instead come from CREDENTIALS_SOURCE)
	SlackClientID     string `envconfig:"SLACK_CLIENT_ID"`
	SlackClientSecret string `envconfig:"SLACK_CLIENT_SECRET"`
	ServiceBaseURL    string `envconfig:"SERVICE_BASE_URL"`
	SlackScopes       string `envconfig:"SLACK_SCOPES" default:"chat:write,channels:read"`
	SlackAPIURL       string `envconfig:"SLACK_API_URL"`
	SlackAuthorizeURL string `envconfig:"SLACK_AUTHORIZE_URL" default:"https://slack.com/oauth/v2/authorize"`

	// Credential resolution
	CredentialsSource          string `envconfig:"CREDENTIALS_SOURCE" default:"env"`
	CredentialsFile            string `envconfig:"CREDENTIALS_FILE"`
	CredentialsSecretNamespace string `envconfig:"CREDENTIALS_SECRET_NAMESPACE" default:"default"`
	CredentialsSecretName      string `envconfig:"CREDENTIALS_SECRET_NAME" default:"slack-mcp"`
	KubeconfigPath             string `envconfig:"KUBECONFIG"`

	// Token storage
	TokenStoreBackend string `envconfig:"TOKEN_STORE_BACKEND" default:"jsonl"`
	TokenStorePath    string `envconfig:"TOKEN_STORE_PATH"`
	RedisURL          string `envconfig:"REDIS_URL"`
	RedisKeyPrefix    string `envconfig:"REDIS_KEY_PREFIX" default:"slack-mcp:"`

	// Lifetimes
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"1h"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"720h"`
	PendingAuthTTL  time.Duration `envconfig:"PENDING_AUTH_TTL" default:"10m"`
	SessionMaxAge   time.Duration `envconfig:"SESSION_MAX_AGE" default:"24h"`
	SessionTokenTTL time.Duration `envconfig:"SESSION_TOKEN_TTL" default:"8760h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"15m"`
	PendingCapacity int           `envconfig:"PENDING_CAPACITY" default:"10000"`

	// HTTP surface
	DebugAPIKey    string  `envconfig:"DEBUG_API_KEY"`
	CORSOrigins    string  `envconfig:"CORS_ORIGINS"`
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// IsDevelopment reports whether console logging and local defaults apply.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Scopes returns the parsed list of Slack scopes requested by default.
func (c *Config) Scopes() []string {
	parts := strings.FieldsFunc(c.SlackScopes, func(r rune) bool { return r == ',' || r == ' ' })
	scopes := make([]string, 0, len(parts))
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// Validate checks settings that envconfig cannot.
func (c *Config) Validate() error {
	switch c.CredentialsSource {
	case SourceEnv, SourceKubernetes:
	case SourceFile:
		if c.CredentialsFile == "" {
			return errors.New("CREDENTIALS_FILE is required when CREDENTIALS_SOURCE=file")
		}
	default:
		return fmt.Errorf("unknown CREDENTIALS_SOURCE %q", c.CredentialsSource)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.CleanupInterval <= 0 {
		return errors.New("CLEANUP_INTERVAL must be positive")
	}
	return nil
}

// Load reads configuration from environment variables, after loading a .env
// file from the working directory if one exists.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
