package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects application metrics for the dotbot server.
//
// Tracked concerns:
//   - Provider call performance, failovers, and token spend
//   - Tool execution patterns and latencies
//   - Dispatch decisions and background agent lifecycle
//   - Device websocket traffic
//   - Scheduled, recurring, and deferred task runs
//   - Error rates by component
type Metrics struct {
	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMFailovers counts chain hops after retryable failures.
	// Labels: role, from_provider, to_provider
	LLMFailovers *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_id, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_id
	ToolExecutionDuration *prometheus.HistogramVec

	// DispatchCounter counts background agent dispatches by trigger.
	// Labels: trigger (complexity|forced|max_iterations|recruit)
	DispatchCounter *prometheus.CounterVec

	// ActiveAgents gauges currently running background agents.
	ActiveAgents prometheus.Gauge

	// AgentOutcomes counts finished background agents.
	// Labels: status (completed|failed|cancelled)
	AgentOutcomes *prometheus.CounterVec

	// PipelineSteps counts executed plan steps.
	// Labels: status (completed|failed|escalated)
	PipelineSteps *prometheus.CounterVec

	// ConnectedDevices gauges live device websocket connections.
	ConnectedDevices prometheus.Gauge

	// FrameCounter counts websocket frames.
	// Labels: type, direction (inbound|outbound)
	FrameCounter *prometheus.CounterVec

	// TaskRuns counts task executions by scheduler family.
	// Labels: kind (scheduled|recurring|deferred), status (success|failure|timeout)
	TaskRuns *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures query latency in seconds.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotbot_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMFailovers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_llm_failovers_total",
				Help: "Total number of fallback-chain hops after retryable provider failures",
			},
			[]string{"role", "from_provider", "to_provider"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_tool_executions_total",
				Help: "Total number of tool executions by tool id and status",
			},
			[]string{"tool_id", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotbot_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_id"},
		),

		DispatchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_dispatches_total",
				Help: "Total number of background agent dispatches by trigger",
			},
			[]string{"trigger"},
		),

		ActiveAgents: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotbot_active_agents",
				Help: "Current number of running background agents",
			},
		),

		AgentOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_agent_outcomes_total",
				Help: "Total number of finished background agents by status",
			},
			[]string{"status"},
		),

		PipelineSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_pipeline_steps_total",
				Help: "Total number of executed plan steps by status",
			},
			[]string{"status"},
		),

		ConnectedDevices: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotbot_connected_devices",
				Help: "Current number of connected device websockets",
			},
		),

		FrameCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_frames_total",
				Help: "Total number of websocket frames by type and direction",
			},
			[]string{"type", "direction"},
		),

		TaskRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_task_runs_total",
				Help: "Total number of task executions by scheduler kind and status",
			},
			[]string{"kind", "status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotbot_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),
	}
}

// RecordLLMRequest records one provider call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordFailover records one hop along a role's fallback chain.
func (m *Metrics) RecordFailover(role, fromProvider, toProvider string) {
	m.LLMFailovers.WithLabelValues(role, fromProvider, toProvider).Inc()
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolID, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolID, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolID).Observe(durationSeconds)
}

// RecordDispatch records a background agent dispatch.
func (m *Metrics) RecordDispatch(trigger string) {
	m.DispatchCounter.WithLabelValues(trigger).Inc()
}

// AgentStarted marks one background agent as running.
func (m *Metrics) AgentStarted() {
	m.ActiveAgents.Inc()
}

// AgentFinished marks one background agent as done with the given status.
func (m *Metrics) AgentFinished(status string) {
	m.ActiveAgents.Dec()
	m.AgentOutcomes.WithLabelValues(status).Inc()
}

// RecordPipelineStep records an executed plan step.
func (m *Metrics) RecordPipelineStep(status string) {
	m.PipelineSteps.WithLabelValues(status).Inc()
}

// DeviceConnected increments the connected devices gauge.
func (m *Metrics) DeviceConnected() {
	m.ConnectedDevices.Inc()
}

// DeviceDisconnected decrements the connected devices gauge.
func (m *Metrics) DeviceDisconnected() {
	m.ConnectedDevices.Dec()
}

// RecordFrame records a websocket frame.
func (m *Metrics) RecordFrame(frameType, direction string) {
	m.FrameCounter.WithLabelValues(frameType, direction).Inc()
}

// RecordTaskRun records a task execution.
func (m *Metrics) RecordTaskRun(kind, status string) {
	m.TaskRuns.WithLabelValues(kind, status).Inc()
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordDatabaseQuery records a query's latency.
func (m *Metrics) RecordDatabaseQuery(operation, table string, durationSeconds float64) {
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
