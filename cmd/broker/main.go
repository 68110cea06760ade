package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/slack-mcp-broker/internal/broker"
	"github.com/p-blackswan/slack-mcp-broker/internal/cleanup"
	"github.com/p-blackswan/slack-mcp-broker/internal/config"
	"github.com/p-blackswan/slack-mcp-broker/internal/health"
	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/internal/server"
	"github.com/p-blackswan/slack-mcp-broker/internal/session"
	"github.com/p-blackswan/slack-mcp-broker/internal/tools"
	"github.com/p-blackswan/slack-mcp-broker/internal/upstream"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

var version = "dev"

func main() {
	// Initialize zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger.Info().
		Str("version", version).
		Str("environment", cfg.Environment).
		Str("token_store", cfg.TokenStoreBackend).
		Msg("starting slack mcp broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Slack app credentials
	resolver, err := config.NewResolver(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build credential resolver")
	}
	creds, err := resolver.Resolve(ctx)
	if err != nil {
		logger.Fatal().Err(err).Str("source", cfg.CredentialsSource).Msg("failed to resolve slack credentials")
	}

	// Token store
	store, err := tokenstore.Open(ctx, tokenstore.Config{
		Backend:   cfg.TokenStoreBackend,
		Path:      cfg.TokenStorePath,
		RedisURL:  cfg.RedisURL,
		KeyPrefix: cfg.RedisKeyPrefix,
	}, tokenstore.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open token store")
	}
	defer store.Close()

	m := metrics.New()

	slackClient := upstream.NewSlackClient(upstream.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		APIURL:       cfg.SlackAPIURL,
	}, logger, upstream.WithMetrics(m))

	b, err := broker.New(broker.Config{
		ClientID:        creds.ClientID,
		ClientSecret:    creds.ClientSecret,
		ServiceBaseURL:  creds.ServiceBaseURL,
		AuthorizeURL:    cfg.SlackAuthorizeURL,
		Scopes:          cfg.Scopes(),
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		PendingTTL:      cfg.PendingAuthTTL,
		PendingCapacity: cfg.PendingCapacity,
	}, store, slackClient, logger, broker.WithMetrics(m))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create broker")
	}

	sessions := session.NewManager(slackClient, logger,
		session.WithMetrics(m),
		session.WithPendingTTL(cfg.PendingAuthTTL),
	)
	coordinator := session.NewCoordinator(session.CoordinatorConfig{
		ClientID: creds.ClientID,
		TokenTTL: cfg.SessionTokenTTL,
		Scopes:   cfg.Scopes(),
	}, sessions, store, b, slackClient, logger)

	checker := health.NewChecker(logger)
	checker.Register("token_store", health.StoreCheck(store))
	checker.Register("slack", health.PingCheck(slackClient.Ping, false))

	httpServer := server.New(server.Config{
		ListenAddr:  fmt.Sprintf(":%d", cfg.HTTPPort),
		Environment: cfg.Environment,
		DebugAPIKey: cfg.DebugAPIKey,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit: server.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
	}, b, coordinator, store, checker, m, logger)

	mcpServer := tools.New(tools.Config{
		Version:     version,
		ListenAddr:  cfg.MCPListenAddr,
		Environment: cfg.Environment,
	}, b, coordinator, slackClient, m, logger)

	cleaner := cleanup.NewCleaner(cleanup.CleanupConfig{
		Interval:      cfg.CleanupInterval,
		SessionMaxAge: cfg.SessionMaxAge,
	}, store, b, sessions, m, logger)

	var wg sync.WaitGroup

	// Start OAuth HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Start MCP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mcpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("MCP server error")
		}
	}()

	// Start periodic cleanup
	cleaner.RunOnce(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleaner.Run(ctx)
	}()

	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Str("mcp_addr", cfg.MCPListenAddr).
		Str("callback_uri", b.CallbackURI()).
		Msg("broker ready")

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Cancel context to signal all goroutines
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := mcpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("MCP server shutdown error")
	}
	if err := httpServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("slack mcp broker stopped")
}
