package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	perrors "github.com/p-blackswan/slack-mcp-broker/internal/errors"
	"github.com/p-blackswan/slack-mcp-broker/internal/metrics"
	"github.com/p-blackswan/slack-mcp-broker/internal/retry"
	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

const (
	serviceName       = "slack"
	defaultTimeout    = 10 * time.Second
	channelsPageLimit = 200
	maxChannelPages   = 50
)

// Doer is the HTTP transport used for every Slack call.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config configures the Slack client.
type Config struct {
	ClientID     string
	ClientSecret string
	// APIURL is the Web API base, with trailing slash. Defaults to slack.APIURL.
	APIURL  string
	Timeout time.Duration
	Retry   retry.Config
}

// SlackClient implements Client and Workspace against the Slack Web API.
type SlackClient struct {
	cfg     Config
	http    Doer
	oauth   Doer
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures a SlackClient.
type Option func(*SlackClient)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(d Doer) Option {
	return func(c *SlackClient) { c.http = d }
}

// WithMetrics records one counter sample per API call.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *SlackClient) { c.metrics = m }
}

// NewSlackClient builds a client for the configured Slack app.
func NewSlackClient(cfg Config, logger zerolog.Logger, opts ...Option) *SlackClient {
	if cfg.APIURL == "" {
		cfg.APIURL = slack.APIURL
	}
	if !strings.HasSuffix(cfg.APIURL, "/") {
		cfg.APIURL += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	c := &SlackClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// The OAuth helper in slack-go always targets the package-level APIURL.
	c.oauth = c.http
	if cfg.APIURL != slack.APIURL {
		c.oauth = rewriteDoer{next: c.http, from: slack.APIURL, to: cfg.APIURL}
	}
	return c
}

func (c *SlackClient) api(token string) *slack.Client {
	return slack.New(token,
		slack.OptionHTTPClient(c.http),
		slack.OptionAPIURL(c.cfg.APIURL),
	)
}

// ExchangeCode calls oauth.v2.access. Codes are single-use, so the call is
// never retried.
func (c *SlackClient) ExchangeCode(ctx context.Context, code, redirectURI string) (ExchangeResult, error) {
	resp, err := slack.GetOAuthV2ResponseContext(ctx, c.oauth, c.cfg.ClientID, c.cfg.ClientSecret, code, redirectURI)
	if err != nil {
		var slackErr slack.SlackErrorResponse
		if errors.As(err, &slackErr) {
			c.record("oauth.v2.access", "rejected")
			c.logger.Warn().Str("error", slackErr.Err).Msg("slack rejected authorization code")
			return ExchangeResult{OK: false, Error: slackErr.Err}, nil
		}
		c.record("oauth.v2.access", "error")
		return ExchangeResult{}, fmt.Errorf("exchanging code: %w", classify(err))
	}

	c.record("oauth.v2.access", "ok")
	res := ExchangeResult{
		OK:          resp.Ok,
		AccessToken: resp.AccessToken,
		Error:       resp.Error,
		Scope:       resp.Scope,
		UserID:      resp.AuthedUser.ID,
		TeamID:      resp.Team.ID,
	}
	if res.AccessToken == "" {
		res.AccessToken = resp.AuthedUser.AccessToken
		if res.Scope == "" {
			res.Scope = resp.AuthedUser.Scope
		}
	}
	return res, nil
}

// CheckLiveness calls auth.test with the token.
func (c *SlackClient) CheckLiveness(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		_, err := c.api(token).AuthTestContext(ctx)
		if err != nil {
			return classify(err)
		}
		return nil
	})
	if err != nil {
		c.record("auth.test", "error")
		c.logger.Debug().Err(err).Str("token", tokenstore.RedactKey(token)).Msg("token liveness check failed")
		return false
	}
	c.record("auth.test", "ok")
	return true
}

// ListChannels pages through conversations.list for public channels.
func (c *SlackClient) ListChannels(ctx context.Context, token string) ([]Channel, error) {
	api := c.api(token)
	var (
		out    []Channel
		cursor string
	)
	for page := 0; page < maxChannelPages; page++ {
		var (
			chans []slack.Channel
			next  string
		)
		err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			var err error
			chans, next, err = api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
				Cursor:          cursor,
				ExcludeArchived: true,
				Limit:           channelsPageLimit,
				Types:           []string{"public_channel"},
			})
			if err != nil {
				return classify(err)
			}
			return nil
		})
		if err != nil {
			c.record("conversations.list", "error")
			return nil, fmt.Errorf("listing channels: %w", err)
		}
		for _, ch := range chans {
			if ch.ID != "" && ch.Name != "" {
				out = append(out, Channel{ID: ch.ID, Name: ch.Name})
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	c.record("conversations.list", "ok")
	return out, nil
}

// PostMessage posts plain text to a channel and returns the message timestamp.
func (c *SlackClient) PostMessage(ctx context.Context, token, channelID, text string) (string, error) {
	_, ts, err := c.api(token).PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		c.record("chat.postMessage", "error")
		return "", fmt.Errorf("posting message: %w", classify(err))
	}
	c.record("chat.postMessage", "ok")
	return ts, nil
}

// Ping calls api.test, which needs no token, to check that Slack is reachable.
func (c *SlackClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"api.test", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", perrors.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return perrors.NewAPIError(serviceName, resp.StatusCode, "api.test failed")
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body.OK {
		return perrors.NewAPIError(serviceName, resp.StatusCode, "api.test not ok")
	}
	return nil
}

func (c *SlackClient) record(method, result string) {
	c.metrics.RecordUpstreamCall(method, result)
}

// classify maps slack-go errors onto the broker's error taxonomy so retry and
// ErrorCode can reason about them.
func classify(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &perrors.APIError{Service: serviceName, StatusCode: http.StatusTooManyRequests,
			Message: "rate limited", RetryAfter: rl.RetryAfter, Err: err}
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		if sc.Code >= http.StatusInternalServerError {
			err = fmt.Errorf("%w: %w", perrors.ErrUnavailable, err)
		}
		return &perrors.APIError{Service: serviceName, StatusCode: sc.Code, Message: sc.Status, Err: err}
	}
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", perrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", perrors.ErrUpstreamUnreachable, err)
}

// rewriteDoer redirects requests aimed at one base URL to another.
type rewriteDoer struct {
	next     Doer
	from, to string
}

func (d rewriteDoer) Do(req *http.Request) (*http.Response, error) {
	if u := req.URL.String(); strings.HasPrefix(u, d.from) {
		target, err := url.Parse(d.to + strings.TrimPrefix(u, d.from))
		if err != nil {
			return nil, err
		}
		req.URL = target
		req.Host = target.Host
	}
	return d.next.Do(req)
}
