// Package server is the HTTP surface of the broker: the OAuth authorization
// server endpoints MCP clients talk to, the Slack callback, status and debug
// views, probes and metrics.
package server

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/slack-mcp-broker/internal/broker"
	"github.com/p-blackswan/slack-mcp-broker/internal/health"
	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/internal/requestid"
	"github.com/p-blackswan/slack-mcp-broker/internal/session"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

// Config holds configuration for the HTTP server.
type Config struct {
	ListenAddr  string
	Environment string
	// DebugAPIKey guards /debug/*. The routes are not mounted when empty.
	DebugAPIKey string
	CORSOrigins string
	RateLimit   RateLimitConfig
}

// Server is the broker's Fiber application.
type Server struct {
	app         *fiber.App
	broker      *broker.Broker
	coordinator *session.Coordinator
	store       tokenstore.Store
	checker     *health.Checker
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      Config
}

// New creates and configures the HTTP server.
func New(
	cfg Config,
	b *broker.Broker,
	coordinator *session.Coordinator,
	store tokenstore.Store,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	logger = logger.With().Str("component", "http_server").Logger()
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:         app,
		broker:      b,
		coordinator: coordinator,
		store:       store,
		checker:     checker,
		metrics:     m,
		logger:      logger,
		config:      cfg,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes(cfg)

	return s
}

func isProbe(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

func (s *Server) setupMiddleware(cfg Config) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.Middleware())

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, Mcp-Session-Id",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	// Request metrics, labelled by route pattern.
	s.app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			}
		}
		s.metrics.RecordRequest(c.Route().Path, strconv.Itoa(status), time.Since(start).Seconds())
		return err
	})

	// Audit log
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		log := requestid.Logger(c.UserContext(), s.logger)
		log.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("http request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(cfg Config) {
	s.app.Get("/health", adaptor.HTTPHandlerFunc(health.LivenessHandler()))
	s.app.Get("/ready", adaptor.HTTPHandlerFunc(s.checker.ReadinessHandler()))
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	// OAuth authorization server
	limited := NewRateLimitMiddleware(cfg.RateLimit)
	s.app.Get("/.well-known/oauth-authorization-server", s.metadata)
	s.app.Post("/register", limited, s.register)
	s.app.Get("/authorize", limited, s.authorize)
	s.app.Post("/token", limited, s.token)
	s.app.Post("/revoke", s.revoke)

	// Slack redirects here after the user approves or denies.
	s.app.Get("/slack/callback", s.callback)

	s.app.Get("/oauth/status", s.status)

	if cfg.DebugAPIKey != "" {
		debug := s.app.Group("/debug", NewDebugAuthMiddleware(cfg.DebugAPIKey, s.logger))
		debug.Get("/sessions", s.debugSessions)
		debug.Get("/tokens", s.debugTokens)
	}
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8002"
	}

	s.logger.Info().Str("addr", addr).Msg("http server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("http server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		errType, title := describeStatus(code)
		return problemResponse(c, code, errType, title, detail)
	}
}

func describeStatus(code int) (string, string) {
	switch code {
	case fiber.StatusNotFound:
		return "not_found", "Not Found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed", "Method Not Allowed"
	case fiber.StatusInternalServerError:
		return "internal_error", "Internal Server Error"
	default:
		return "request_failed", "Request Failed"
	}
}
