package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's Prometheus metrics.
//
// The metrics cover:
//   - Run outcomes and durations, labelled by terminal status
//   - Turn counts
//   - LLM token consumption by model and type
//   - Tool execution counts and latencies
//   - Compaction events by trigger
//   - Journal write latencies
type Metrics struct {
	// RunCounter counts finished runs.
	// Labels: status (success|aborted|chat_disabled|max_turns_exceeded|api_error)
	RunCounter *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	// Labels: status
	// Buckets: 0.5s, 1s, 5s, 15s, 30s, 60s, 300s, 900s
	RunDuration *prometheus.HistogramVec

	// TurnCounter counts turns across all runs.
	TurnCounter prometheus.Counter

	// TokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// CompactionCounter counts compactions.
	// Labels: trigger (auto|turn_limit|manual), status (success|error)
	CompactionCounter *prometheus.CounterVec

	// JournalWriteDuration measures journal write latency in seconds.
	// Labels: record (message|tool_use|tool_result|compaction)
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s
	JournalWriteDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at startup; a second call panics on duplicate registration.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with an explicit registerer. Tests
// pass a fresh prometheus.NewRegistry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_runs_total",
				Help: "Total number of finished agent runs by terminal status",
			},
			[]string{"status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_run_duration_seconds",
				Help:    "Wall time of agent runs in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"status"},
		),

		TurnCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Total number of turns across all runs",
			},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_compactions_total",
				Help: "Total number of context compactions by trigger and status",
			},
			[]string{"trigger", "status"},
		),

		JournalWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_journal_write_duration_seconds",
				Help:    "Duration of journal writes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"record"},
		),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	m.RunCounter.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordTurn counts one turn.
func (m *Metrics) RecordTurn() {
	m.TurnCounter.Inc()
}

// AddTokens records token consumption for one chat call.
func (m *Metrics) AddTokens(model string, prompt, completion int) {
	if prompt > 0 {
		m.TokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.TokensUsed.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// RecordToolExecution counts one tool invocation.
func (m *Metrics) RecordToolExecution(toolName string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
}

// ObserveToolDuration records a tool's execution latency.
func (m *Metrics) ObserveToolDuration(toolName string, d time.Duration) {
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// RecordCompaction counts one compaction attempt.
func (m *Metrics) RecordCompaction(trigger string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.CompactionCounter.WithLabelValues(trigger, status).Inc()
}

// ObserveJournalWrite records the latency of one journal write.
func (m *Metrics) ObserveJournalWrite(record string, d time.Duration) {
	m.JournalWriteDuration.WithLabelValues(record).Observe(d.Seconds())
}
