// Package tools exposes the Slack workspace to MCP clients. Each tool call
// resolves the caller's upstream Slack token first, through a downstream
// bearer token issued by the broker or through the session coordinator.
package tools

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/slack-mcp-broker/internal/broker"
	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/internal/requestid"
	"github.com/p-blackswan/slack-mcp-broker/internal/session"
	"github.com/p-blackswan/slack-mcp-broker/internal/upstream"
)

const (
	ToolListChannels  = "list_channels"
	ToolPostMessage   = "post_message"
	ToolGetAuthStatus = "get_auth_status"

	SessionInfoURI = "session://info"

	defaultName = "slack-mcp-server"
)

// Config configures the MCP server.
type Config struct {
	Name        string
	Version     string
	ListenAddr  string
	Environment string
}

// Server is the MCP tool server.
type Server struct {
	cfg         Config
	mcp         *server.MCPServer
	http        *server.StreamableHTTPServer
	broker      *broker.Broker
	coordinator *session.Coordinator
	workspace   upstream.Workspace
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New registers the tools and the session resource.
func New(
	cfg Config,
	b *broker.Broker,
	coordinator *session.Coordinator,
	workspace upstream.Workspace,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:         cfg,
		broker:      b,
		coordinator: coordinator,
		workspace:   workspace,
		metrics:     m,
		logger:      logger.With().Str("component", "mcp_tools").Logger(),
	}

	s.mcp = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
		server.WithToolHandlerMiddleware(s.instrument),
	)

	s.mcp.AddTool(mcp.NewTool(ToolListChannels,
		mcp.WithDescription("List channels in the Slack workspace as a map of channel name to channel id."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.listChannels)

	s.mcp.AddTool(mcp.NewTool(ToolPostMessage,
		mcp.WithDescription("Post a message to a Slack channel."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("channel_id",
			mcp.Required(),
			mcp.Description("ID of the channel, in format Cxxxxxxxxxx."),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Message text."),
		),
	), s.postMessage)

	s.mcp.AddTool(mcp.NewTool(ToolGetAuthStatus,
		mcp.WithDescription("Report the caller's Slack authentication state and the broker's session overview."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.getAuthStatus)

	s.mcp.AddResource(mcp.NewResource(SessionInfoURI, "Current session information",
		mcp.WithMIMEType("application/json"),
	), s.sessionInfo)

	s.http = server.NewStreamableHTTPServer(s.mcp,
		server.WithHTTPContextFunc(withCaller),
	)
	return s
}

// MCP returns the underlying MCP server (useful for testing).
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Start serves the streamable HTTP transport. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = ":8001"
	}
	s.logger.Info().Str("addr", addr).Msg("mcp server starting")
	return s.http.Start(addr)
}

// Shutdown gracefully stops the transport.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("mcp server shutting down")
	return s.http.Shutdown(ctx)
}

// instrument logs and counts every tool call. Handler errors are turned into
// error results so clients see them instead of a JSON-RPC failure.
func (s *Server) instrument(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		log := requestid.Logger(ctx, s.logger).With().Str("tool", req.Params.Name).Logger()
		start := time.Now()

		res, err := next(ctx, req)
		if err != nil {
			log.Warn().Err(err).Msg("tool call failed")
			res = mcp.NewToolResultError(err.Error())
		}

		result := "ok"
		if res != nil && res.IsError {
			result = "error"
		}
		s.metrics.RecordToolCall(req.Params.Name, result)
		log.Info().Str("result", result).Dur("duration", time.Since(start)).Msg("tool call")
		return res, nil
	}
}

type callerKey struct{}

// caller is what a tool call knows about the HTTP request that carried it.
type caller struct {
	header http.Header
	bearer string
}

// withCaller captures request headers for the tool handlers.
func withCaller(ctx context.Context, r *http.Request) context.Context {
	c := caller{header: r.Header.Clone()}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		c.bearer = strings.TrimSpace(auth[7:])
	}
	if id := r.Header.Get(requestid.Header); id != "" {
		ctx = requestid.WithRequestID(ctx, id)
	} else {
		ctx, _ = requestid.New(ctx)
	}
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}
