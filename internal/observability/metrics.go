// Package observability exposes the bridge's Prometheus instruments.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all instruments on a private registry so embedding
// applications never collide with the default registry. A nil *Metrics is
// valid: every recorder is a no-op, which keeps metrics optional for
// library users.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	connectAttempts *prometheus.CounterVec
	oauthFlows      *prometheus.CounterVec
	appConnections  prometheus.Gauge
	userConnections prometheus.Gauge
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()
	m.registerMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	m.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_tool_calls_total",
			Help: "Total number of upstream tool calls",
		},
		[]string{"server", "tool", "status"},
	)

	m.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_tool_call_duration_seconds",
			Help:    "Upstream tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "tool"},
	)

	m.connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_connection_attempts_total",
			Help: "Upstream connection attempts by outcome",
		},
		[]string{"server", "outcome"},
	)

	m.oauthFlows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_oauth_flows_total",
			Help: "OAuth authorization flows by outcome",
		},
		[]string{"server", "outcome"},
	)

	m.appConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpbridge_app_connections",
		Help: "Live shared app-level connections",
	})

	m.userConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpbridge_user_connections",
		Help: "Live per-user connections",
	})
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.toolCalls,
		m.toolDuration,
		m.connectAttempts,
		m.oauthFlows,
		m.appConnections,
		m.userConnections,
	)

	// Go runtime and process metrics ride along.
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordToolCall counts a tool call and observes its latency.
func (m *Metrics) RecordToolCall(server, tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, tool, status).Inc()
	m.toolDuration.WithLabelValues(server, tool).Observe(duration.Seconds())
}

// RecordConnectAttempt counts a connection attempt by outcome.
func (m *Metrics) RecordConnectAttempt(server, outcome string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(server, outcome).Inc()
}

// RecordOAuthFlow counts a resolved authorization flow by outcome.
func (m *Metrics) RecordOAuthFlow(server, outcome string) {
	if m == nil {
		return
	}
	m.oauthFlows.WithLabelValues(server, outcome).Inc()
}

// SetConnectionCounts publishes the live pool sizes.
func (m *Metrics) SetConnectionCounts(app, user int) {
	if m == nil {
		return
	}
	m.appConnections.Set(float64(app))
	m.userConnections.Set(float64(user))
}
