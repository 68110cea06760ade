package server

import (
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/p-blackswan/slack-mcp-broker/internal/broker"
	perrors "github.com/p-blackswan/slack-mcp-broker/internal/errors"
	"github.com/p-blackswan/slack-mcp-broker/internal/requestid"
	"github.com/p-blackswan/slack-mcp-broker/internal/upstream"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

// RFC 7591 section 3.2.2 error codes.
const (
	codeInvalidRedirectURI    = "invalid_redirect_uri"
	codeInvalidClientMetadata = "invalid_client_metadata"
)

// Metadata is the RFC 8414 authorization server metadata document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// RegistrationRequest is the RFC 7591 client metadata the broker honors.
type RegistrationRequest struct {
	ClientID     string   `json:"client_id,omitempty"`
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// RegistrationResponse echoes the registered client.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

var grantTypes = []string{broker.GrantAuthorizationCode, broker.GrantRefreshToken}

func (s *Server) metadata(c *fiber.Ctx) error {
	base := s.broker.BaseURL()
	return c.JSON(Metadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		RegistrationEndpoint:              base + "/register",
		RevocationEndpoint:                base + "/revoke",
		ScopesSupported:                   s.broker.Config().Scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               grantTypes,
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{broker.PKCES256, broker.PKCEPlain},
	})
}

func (s *Server) register(c *fiber.Ctx) error {
	var req RegistrationRequest
	if err := c.BodyParser(&req); err != nil {
		return s.oauthError(c, perrors.NewOAuthError(codeInvalidClientMetadata, "invalid request body"))
	}
	if len(req.RedirectURIs) == 0 {
		return s.oauthError(c, perrors.NewOAuthError(codeInvalidRedirectURI, "redirect_uris is required"))
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Fragment != "" {
			return s.oauthError(c, perrors.NewOAuthError(codeInvalidRedirectURI, "invalid redirect uri %q", raw))
		}
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	client := broker.Client{ID: req.ClientID, Name: req.ClientName, RedirectURIs: req.RedirectURIs}
	if err := s.broker.RegisterClient(c.UserContext(), client); err != nil {
		return s.oauthError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(RegistrationResponse{
		ClientID:                client.ID,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		ClientIDIssuedAt:        time.Now().Unix(),
		GrantTypes:              grantTypes,
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
	})
}

func (s *Server) authorize(c *fiber.Ctx) error {
	if rt := c.Query("response_type"); rt != "" && rt != "code" {
		return s.oauthError(c, perrors.NewOAuthError("unsupported_response_type", "response_type must be code"))
	}
	clientID := c.Query("client_id")
	if clientID == "" {
		return s.oauthError(c, perrors.InvalidRequest("client_id is required"))
	}

	ctx := c.UserContext()
	client := s.broker.GetClient(ctx, clientID)
	authURL, err := s.broker.Authorize(ctx, client, broker.AuthorizationParams{
		Scopes:              broker.ParseScopes(c.Query("scope")),
		RedirectURI:         c.Query("redirect_uri"),
		State:               c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
	})
	if err != nil {
		return s.oauthError(c, err)
	}
	return c.Redirect(authURL, fiber.StatusFound)
}

func (s *Server) callback(c *fiber.Ctx) error {
	ctx := c.UserContext()
	log := requestid.Logger(ctx, s.logger)
	state := c.Query("state")

	if errCode := c.Query("error"); errCode != "" {
		p, ok := s.broker.CancelAuthorization(state)
		if !ok {
			return s.oauthError(c, perrors.InvalidRequest("invalid or expired state"))
		}
		log.Warn().Str("error", errCode).Str("client_id", p.ClientID).Msg("upstream authorization refused")
		if p.SessionID != "" {
			s.coordinator.Fail(p.SessionID)
			return renderResult(c, fiber.StatusBadRequest, false, "Slack returned: "+errCode)
		}
		return c.Redirect(withQuery(p.RedirectURI, map[string]string{
			"error": errCode,
			"state": p.ClientState,
		}), fiber.StatusFound)
	}

	code := c.Query("code")
	if code == "" {
		return renderResult(c, fiber.StatusBadRequest, false, "The request carried neither an authorization code nor an error.")
	}
	ac, err := s.broker.HandleUpstreamCallback(ctx, code, state)
	if err != nil {
		return s.oauthError(c, err)
	}

	if ac.SessionID == "" {
		return c.Redirect(withQuery(ac.RedirectURI, map[string]string{
			"code":  ac.Code,
			"state": ac.ClientState,
		}), fiber.StatusFound)
	}

	grant, err := s.broker.RedeemUpstream(ctx, ac.Code)
	if err != nil {
		s.coordinator.Fail(ac.SessionID)
		log.Warn().Err(err).Str("session_id", tokenstore.RedactKey(ac.SessionID)).Msg("session token exchange failed")
		return renderResult(c, fiber.StatusBadRequest, false, "Token exchange failed: "+exchangeFailure(err))
	}
	if err := s.coordinator.Complete(ctx, grant.SessionID, grant.UpstreamToken); err != nil {
		log.Warn().Err(err).Msg("completing session")
		return renderResult(c, fiber.StatusGone, false, "The session that started this authorization no longer exists.")
	}
	return renderResult(c, fiber.StatusOK, true, "")
}

// exchangeFailure reduces an exchange error to text safe to show a user.
func exchangeFailure(err error) string {
	if oe, ok := perrors.AsOAuth(err); ok {
		if oe.Description != "" {
			return oe.Description
		}
		return oe.Code
	}
	return upstream.ErrorCode(err)
}

func (s *Server) token(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set(fiber.HeaderPragma, "no-cache")

	ctx := c.UserContext()
	clientID := c.FormValue("client_id")
	if clientID == "" {
		clientID, _ = basicAuthUser(c.Get(fiber.HeaderAuthorization))
	}
	var client *broker.Client
	if clientID != "" {
		client = s.broker.GetClient(ctx, clientID)
	}

	var (
		pair *broker.TokenPair
		err  error
	)
	switch grant := c.FormValue("grant_type"); grant {
	case broker.GrantAuthorizationCode:
		pair, err = s.broker.ExchangeAuthorizationCode(ctx, client,
			c.FormValue("code"), c.FormValue("redirect_uri"), c.FormValue("code_verifier"))
	case broker.GrantRefreshToken:
		if client == nil {
			err = perrors.InvalidRequest("client_id is required")
			break
		}
		pair, err = s.broker.ExchangeRefreshToken(ctx, client,
			c.FormValue("refresh_token"), broker.ParseScopes(c.FormValue("scope")))
	case "":
		err = perrors.InvalidRequest("grant_type is required")
	default:
		err = perrors.UnsupportedGrantType("grant_type %q is not supported", grant)
	}
	if err != nil {
		return s.oauthError(c, err)
	}
	return c.JSON(pair)
}

func (s *Server) revoke(c *fiber.Ctx) error {
	token := c.FormValue("token")
	if token == "" {
		return s.oauthError(c, perrors.InvalidRequest("token is required"))
	}
	if err := s.broker.RevokeToken(c.UserContext(), token, c.FormValue("token_type_hint")); err != nil {
		return s.oauthError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

// oauthError renders err as an RFC 6749 error body. Anything that is not an
// OAuthError is logged and reported as server_error.
func (s *Server) oauthError(c *fiber.Ctx, err error) error {
	oe, ok := perrors.AsOAuth(err)
	if !ok {
		log := requestid.Logger(c.UserContext(), s.logger)
		log.Error().Err(err).Str("path", c.Path()).Msg("oauth endpoint failed")
		oe = perrors.NewOAuthError(perrors.CodeServerError, "internal error")
	}
	s.metrics.RecordError("http", oe.Code)
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Status(oe.HTTPStatus()).JSON(oe)
}

// withQuery appends params to raw, skipping empty values.
func withQuery(raw string, params map[string]string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// basicAuthUser returns the user part of an HTTP Basic Authorization header.
func basicAuthUser(header string) (string, bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", false
	}
	user, _, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", false
	}
	if u, err := url.QueryUnescape(user); err == nil {
		user = u
	}
	return user, user != ""
}
