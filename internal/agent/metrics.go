package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus collectors. Every method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	refreshes        *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	authState        prometheus.Gauge
}

// NewMetrics creates the collectors on a dedicated registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solution_client_token_refreshes_total",
				Help: "Bearer token refreshes by outcome",
			},
			[]string{"outcome"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solution_client_reconnects_total",
				Help: "Transport reconnects by outcome",
			},
			[]string{"outcome"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solution_client_tool_calls_total",
				Help: "Tool invocations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		toolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solution_client_tool_call_duration_seconds",
				Help:    "Tool invocation round-trip time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		authState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solution_client_auth_state",
			Help: "Authentication manager state (0 unauthenticated, 1 authenticating, 2 authenticated, 3 refreshing, 4 failed)",
		}),
	}
	m.registry.MustRegister(m.refreshes, m.reconnects, m.toolCalls, m.toolCallDuration, m.authState)
	return m
}

// Registry exposes the registry for a /metrics handler
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) reconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) toolCall(operation, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(operation, outcome).Inc()
	m.toolCallDuration.WithLabelValues(operation).Observe(took.Seconds())
}

func (m *Metrics) setAuthState(s AuthState) {
	if m == nil {
		return
	}
	m.authState.Set(float64(s))
}
