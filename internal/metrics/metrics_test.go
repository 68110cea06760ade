package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordGrant("authorization_code", "success")
	m.RecordGrant("authorization_code", "success")
	m.RecordUpstreamCall("auth.test", "error")
	m.RecordToolCall("post_message", "success")
	m.RecordError("broker", "store")
	m.RecordRequest("/token", "200", 0.01)
	m.SetPending(3)
	m.SetSessions(2)
	m.SetStoredTokens(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GrantsTotal.WithLabelValues("authorization_code", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamCallsTotal.WithLabelValues("auth.test", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("post_message", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("broker", "store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/token", "200")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingAuthorizations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.StoredTokens))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordGrant("refresh_token", "error")
		m.RecordUpstreamCall("oauth.v2.access", "ok")
		m.RecordToolCall("list_channels", "error")
		m.RecordError("x", "y")
		m.RecordRequest("/", "200", 0)
		m.SetPending(1)
		m.SetSessions(1)
		m.SetStoredTokens(1)
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordGrant("refresh_token", "success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `broker_grants_total{grant_type="refresh_token",result="success"} 1`)
	assert.NotContains(t, string(body), "go_goroutines")
}
