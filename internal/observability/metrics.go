package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metric set for the execution core, built on
// Prometheus. It tracks generation step latency, tool execution patterns,
// token consumption, error rates, queue depth, and the backlog of the
// background persistence writer.
type Metrics struct {
	// StepDuration measures one generation step in seconds.
	// Labels: provider, model
	StepDuration *prometheus.HistogramVec

	// StepCounter counts generation steps.
	// Labels: provider, model, status (success|error)
	StepCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// GuardDecisions counts guard classifications.
	// Labels: tool, decision (allow|approve|block)
	GuardDecisions *prometheus.CounterVec

	// Errors tracks errors by component.
	// Labels: component (runner|adapter|store|provider), kind
	Errors *prometheus.CounterVec

	// ActiveSessions gauges sessions with a draining run queue.
	ActiveSessions prometheus.Gauge

	// QueueDepth gauges queued runs per session queue, summed.
	QueueDepth prometheus.Gauge

	// PersistBacklog gauges pending writes in the async persistence queue.
	PersistBacklog prometheus.Gauge
}

// NewMetrics creates and registers the metric set with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_step_duration_seconds",
			Help:    "Duration of one generation step.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		StepCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_steps_total",
			Help: "Generation steps by outcome.",
		}, []string{"provider", "model", "status"}),
		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tokens_total",
			Help: "Tokens consumed by direction.",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Tool invocations by outcome.",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_tool_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		GuardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_guard_decisions_total",
			Help: "Guard policy classifications.",
		}, []string{"tool", "decision"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_errors_total",
			Help: "Errors by component.",
		}, []string{"component", "kind"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_sessions",
			Help: "Sessions with a running worker.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_queue_depth",
			Help: "Queued runs across all sessions.",
		}),
		PersistBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_persist_backlog",
			Help: "Pending writes in the async persistence queue.",
		}),
	}
}
