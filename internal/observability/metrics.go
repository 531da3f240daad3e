package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's Prometheus metrics: provider request
// performance, token consumption and cost, tool execution patterns,
// active agent runs, and session log appends.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RunStarted()
//	defer metrics.RunEnded(time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestCounter counts provider requests.
	// Labels: provider, model, status (success|error|aborted)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider request latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	LLMTokens *prometheus.CounterVec

	// LLMCost tracks the computed dollar cost of provider requests.
	// Labels: provider, model
	LLMCost *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveRuns is a gauge of agent runs currently streaming.
	ActiveRuns prometheus.Gauge

	// RunDuration measures full agent run time in seconds.
	RunDuration prometheus.Histogram

	// SessionEntries counts entries appended to session logs.
	// Labels: type (message|label|compaction|...)
	SessionEntries *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|provider|tool|session), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at startup; a second call panics on duplicate registration.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWithRegistry registers the metrics with a caller-supplied
// registry. Tests use this for isolation.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiller_llm_requests_total",
				Help: "Total number of provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tiller_llm_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiller_llm_tokens_total",
				Help: "Total number of tokens by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiller_llm_cost_dollars_total",
				Help: "Computed dollar cost of provider requests",
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiller_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tiller_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tiller_active_runs",
				Help: "Current number of agent runs streaming",
			},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tiller_run_duration_seconds",
				Help:    "Duration of full agent runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		SessionEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiller_session_entries_total",
				Help: "Total number of entries appended to session logs by type",
			},
			[]string{"type"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tiller_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordLLMRequest records one provider request.
//
// Example:
//
//	start := time.Now()
//	// ... stream the response ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds())
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordLLMUsage records the token counts and cost of one assistant
// message.
func (m *Metrics) RecordLLMUsage(provider, model string, input, output, cacheRead, cacheWrite int, cost float64) {
	if input > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(input))
	}
	if output > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(output))
	}
	if cacheRead > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	}
	if cacheWrite > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWrite))
	}
	if cost > 0 {
		m.LLMCost.WithLabelValues(provider, model).Add(cost)
	}
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active run gauge and records run duration.
func (m *Metrics) RunEnded(durationSeconds float64) {
	m.ActiveRuns.Dec()
	m.RunDuration.Observe(durationSeconds)
}

// EntryAppended counts one session log append.
func (m *Metrics) EntryAppended(entryType string) {
	m.SessionEntries.WithLabelValues(entryType).Inc()
}

// RecordError increments the error counter for a component.
//
// Example:
//
//	metrics.RecordError("provider", "http_429")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
