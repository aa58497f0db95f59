// Package observability provides the daemon's Prometheus metrics, trimmed
// from the teacher's channel/webhook/session surface down to the Agent
// Loop's own concerns: provider round-trips, tool executions, iteration
// counts, and active works.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized interface for collecting daemon metrics. A nil
// *Metrics is valid everywhere it's accepted; every recording method is a
// no-op on a nil receiver, so wiring it in is optional.
type Metrics struct {
	// ProviderRequestDuration measures one provider round-trip (a single
	// attempt, not the whole retried call).
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider round-trips by outcome.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderRetries counts retried provider round-trips.
	// Labels: provider
	ProviderRetries *prometheus.CounterVec

	// ToolExecutionDuration measures tool dispatch latency.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool dispatches by outcome.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// TurnIterations records how many provider round-trips one
	// process_message call took before finalizing.
	TurnIterations prometheus.Histogram

	// ActiveWorks is a gauge of works currently running a turn.
	ActiveWorks prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics against the
// default registry. Call once at daemon startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ProviderRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_provider_request_duration_seconds",
				Help:    "Duration of a single provider round-trip attempt",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ProviderRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_provider_requests_total",
				Help: "Total provider round-trips by provider, model, and outcome",
			},
			[]string{"provider", "model", "status"},
		),
		ProviderRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_provider_retries_total",
				Help: "Total retried provider round-trips by provider",
			},
			[]string{"provider"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_tool_execution_duration_seconds",
				Help:    "Duration of tool dispatches",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_tool_executions_total",
				Help: "Total tool dispatches by tool name and outcome",
			},
			[]string{"tool_name", "status"},
		),
		TurnIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nexus_turn_iterations",
				Help:    "Provider round-trips taken per process_message turn",
				Buckets: []float64{1, 2, 4, 8, 16, 32},
			},
		),
		ActiveWorks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexus_active_works",
				Help: "Current number of works running a turn",
			},
		),
	}
}

// RecordProviderRequest records one provider round-trip attempt.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordProviderRetry records one retried provider round-trip.
func (m *Metrics) RecordProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordTurnIterations records the number of round-trips a finished turn took.
func (m *Metrics) RecordTurnIterations(iterations int) {
	if m == nil {
		return
	}
	m.TurnIterations.Observe(float64(iterations))
}

// WorkStarted increments the active-works gauge.
func (m *Metrics) WorkStarted() {
	if m == nil {
		return
	}
	m.ActiveWorks.Inc()
}

// WorkFinished decrements the active-works gauge.
func (m *Metrics) WorkFinished() {
	if m == nil {
		return
	}
	m.ActiveWorks.Dec()
}
