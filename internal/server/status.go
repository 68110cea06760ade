package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/slack-mcp-broker/internal/broker"
	"github.com/p-blackswan/slack-mcp-broker/internal/health"
	"github.com/p-blackswan/slack-mcp-broker/internal/requestid"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

// StatusResponse is the redacted broker status.
type StatusResponse struct {
	ClientID      string       `json:"client_id"`
	Environment   string       `json:"environment"`
	HasValidToken bool         `json:"has_valid_token"`
	Pending       int          `json:"pending_authorizations"`
	Sessions      int          `json:"sessions"`
	Tokens        broker.Stats `json:"tokens"`

	// Checks are the results of the last readiness probe.
	Checks map[string]health.Status `json:"checks"`
}

func (s *Server) status(c *fiber.Ctx) error {
	st, err := s.broker.Stats(c.UserContext())
	if err != nil {
		log := requestid.Logger(c.UserContext(), s.logger)
		log.Error().Err(err).Msg("reading token stats")
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"storage_unavailable", "Service Unavailable",
			"Token storage is unavailable")
	}
	return c.JSON(StatusResponse{
		ClientID:      s.broker.RedactedClientID(),
		Environment:   s.config.Environment,
		HasValidToken: st.AccessTokens > 0 || st.Other > 0,
		Pending:       s.broker.PendingCount(),
		Sessions:      s.coordinator.Sessions().Count(),
		Tokens:        st,
		Checks:        s.checker.Last(),
	})
}

func (s *Server) debugSessions(c *fiber.Ctx) error {
	sessions := s.coordinator.Sessions().ListSessions()
	return c.JSON(fiber.Map{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) debugTokens(c *fiber.Ctx) error {
	entries, err := s.store.List(c.UserContext())
	if err != nil {
		log := requestid.Logger(c.UserContext(), s.logger)
		log.Error().Err(err).Msg("listing tokens")
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"storage_unavailable", "Service Unavailable",
			"Token storage is unavailable")
	}
	if entries == nil {
		entries = []tokenstore.Entry{}
	}
	return c.JSON(fiber.Map{
		"backend": s.store.Backend(),
		"count":   len(entries),
		"tokens":  entries,
	})
}
