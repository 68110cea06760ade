// Package metrics provides Prometheus metrics for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the broker. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	GrantsTotal           *prometheus.CounterVec
	UpstreamCallsTotal    *prometheus.CounterVec
	ToolCallsTotal        *prometheus.CounterVec
	ErrorsTotal           *prometheus.CounterVec
	PendingAuthorizations prometheus.Gauge
	SessionsActive        prometheus.Gauge
	StoredTokens          prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_http_requests_total",
				Help: "Total HTTP requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_http_request_duration_seconds",
				Help:    "HTTP request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		GrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_grants_total",
				Help: "Token endpoint grants by grant type and result.",
			},
			[]string{"grant_type", "result"},
		),
		UpstreamCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_upstream_calls_total",
				Help: "Calls to the Slack API by method and result.",
			},
			[]string{"method", "result"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_tool_calls_total",
				Help: "MCP tool invocations by tool and result.",
			},
			[]string{"tool", "result"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		PendingAuthorizations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_pending_authorizations",
				Help: "Pending authorizations and unredeemed codes held in memory.",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_sessions_active",
				Help: "Sessions tracked by the session manager.",
			},
		),
		StoredTokens: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_stored_tokens",
				Help: "Records in the token store at the last cleanup.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.GrantsTotal)
	reg.MustRegister(m.UpstreamCallsTotal)
	reg.MustRegister(m.ToolCallsTotal)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(m.PendingAuthorizations)
	reg.MustRegister(m.SessionsActive)
	reg.MustRegister(m.StoredTokens)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the HTTP request counter and observes duration.
func (m *Metrics) RecordRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordGrant increments the grant counter.
func (m *Metrics) RecordGrant(grantType, result string) {
	if m == nil {
		return
	}
	m.GrantsTotal.WithLabelValues(grantType, result).Inc()
}

// RecordUpstreamCall increments the Slack API call counter.
func (m *Metrics) RecordUpstreamCall(method, result string) {
	if m == nil {
		return
	}
	m.UpstreamCallsTotal.WithLabelValues(method, result).Inc()
}

// RecordToolCall increments the MCP tool counter.
func (m *Metrics) RecordToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, result).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

// SetPending sets the in-memory pending authorization count.
func (m *Metrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.PendingAuthorizations.Set(float64(count))
}

// SetSessions sets the tracked session count.
func (m *Metrics) SetSessions(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// SetStoredTokens sets the token store record count.
func (m *Metrics) SetStoredTokens(count int) {
	if m == nil {
		return
	}
	m.StoredTokens.Set(float64(count))
}
