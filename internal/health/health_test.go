package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

type brokenStore struct{ tokenstore.Store }

func (brokenStore) Get(context.Context, string) (*tokenstore.Token, error) {
	return nil, errors.New("disk on fire")
}

func TestLivenessHandler(t *testing.T) {
	handler := LivenessHandler()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestChecker_Readiness(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Status
		ready  bool
	}{
		{"no checks", nil, true},
		{"all healthy", map[string]Status{"store": StatusOK, "slack": StatusOK}, true},
		{"degraded still ready", map[string]Status{"slack": StatusDegraded}, true},
		{"one down", map[string]Status{"store": StatusDown, "slack": StatusOK}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(zerolog.Nop())
			for name, s := range tt.checks {
				s := s
				c.Register(name, func(context.Context) Status { return s })
			}
			assert.Equal(t, tt.ready, c.IsReady(t.Context()))
			assert.Len(t, c.Last(), len(tt.checks))
		})
	}
}

func TestStoreCheck(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	assert.Equal(t, StatusOK, StoreCheck(store)(t.Context()))

	assert.Equal(t, StatusDown, StoreCheck(brokenStore{store})(t.Context()))
}

func TestPingCheck(t *testing.T) {
	fail := func(context.Context) error { return errors.New("unreachable") }
	ok := func(context.Context) error { return nil }

	assert.Equal(t, StatusOK, PingCheck(ok, true)(t.Context()))
	assert.Equal(t, StatusDown, PingCheck(fail, true)(t.Context()))
	assert.Equal(t, StatusDegraded, PingCheck(fail, false)(t.Context()))
}

func TestRunAll_AppliesTimeout(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("slow", func(ctx context.Context) Status {
		deadline, ok := ctx.Deadline()
		if !ok || time.Until(deadline) > checkTimeout {
			return StatusDown
		}
		return StatusOK
	})
	assert.Equal(t, StatusOK, c.RunAll(t.Context())["slow"])
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(context.Context) Status { return StatusOK })

	rr := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ready"`)

	c.Register("store", func(context.Context) Status { return StatusDown })
	rr = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_ready")
}
