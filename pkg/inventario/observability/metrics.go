package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Auth outcomes recorded by the agent gate
const (
	AuthResultOK       = "ok"
	AuthResultMissing  = "missing"
	AuthResultInvalid  = "invalid"
	AuthResultInactive = "inactive"
	AuthResultError    = "error"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Agent metrics
	AgentAuthTotal      *prometheus.CounterVec
	AgentSyncTotal      *prometheus.CounterVec
	AgentKeysIssued     prometheus.Counter
	AgentKeysRevoked    prometheus.Counter
	AgentKeysReactivate prometheus.Counter

	// Event bus metrics
	EventsPublished   *prometheus.CounterVec
	EventBreakerState prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// defaultBuckets are the default histogram buckets for duration metrics (in seconds)
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// NewMetrics creates and registers all Prometheus metrics.
// A nil registerer falls back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		AgentAuthTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inventario",
				Subsystem: "agent",
				Name:      "auth_attempts_total",
				Help:      "Agent API key authentication attempts by result",
			},
			[]string{"result"},
		),
		AgentSyncTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inventario",
				Subsystem: "agent",
				Name:      "sync_total",
				Help:      "Agent sync operations by operation and resulting action",
			},
			[]string{"operation", "action"},
		),
		AgentKeysIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "inventario",
				Subsystem: "agent",
				Name:      "keys_issued_total",
				Help:      "Agent API keys issued",
			},
		),
		AgentKeysRevoked: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "inventario",
				Subsystem: "agent",
				Name:      "keys_revoked_total",
				Help:      "Agent API keys deactivated",
			},
		),
		AgentKeysReactivate: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "inventario",
				Subsystem: "agent",
				Name:      "keys_reactivated_total",
				Help:      "Agent API keys reactivated",
			},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inventario",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Domain events handed to the broker by type and result",
			},
			[]string{"type", "result"},
		),
		EventBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "inventario",
				Subsystem: "events",
				Name:      "breaker_state",
				Help:      "Broker circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inventario",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "inventario",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// NewTestMetrics registers metrics on a fresh registry so tests can run in parallel
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordAgentAuth increments the auth counter. Safe on a nil receiver.
func (m *Metrics) RecordAgentAuth(result string) {
	if m == nil {
		return
	}
	m.AgentAuthTotal.WithLabelValues(result).Inc()
}

// RecordAgentSync increments the sync counter. Safe on a nil receiver.
func (m *Metrics) RecordAgentSync(operation, action string) {
	if m == nil {
		return
	}
	m.AgentSyncTotal.WithLabelValues(operation, action).Inc()
}

// Agent key lifecycle events
const (
	KeyEventIssued      = "issued"
	KeyEventRevoked     = "revoked"
	KeyEventReactivated = "reactivated"
)

// RecordKeyEvent adds n to the lifecycle counter for event. Safe on a nil receiver.
func (m *Metrics) RecordKeyEvent(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	switch event {
	case KeyEventIssued:
		m.AgentKeysIssued.Add(float64(n))
	case KeyEventRevoked:
		m.AgentKeysRevoked.Add(float64(n))
	case KeyEventReactivated:
		m.AgentKeysReactivate.Add(float64(n))
	}
}

// Event publish outcomes
const (
	EventResultOK       = "ok"
	EventResultError    = "error"
	EventResultRejected = "rejected"
)

// RecordEventPublish increments the publish counter. Safe on a nil receiver.
func (m *Metrics) RecordEventPublish(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

// SetEventBreakerState records the broker breaker state. Safe on a nil receiver.
func (m *Metrics) SetEventBreakerState(state int) {
	if m == nil {
		return
	}
	m.EventBreakerState.Set(float64(state))
}
