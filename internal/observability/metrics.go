package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// Built on Prometheus, the metrics track:
//   - Envelope flow on the device channel by kind and direction
//   - LLM request performance, counts, and token usage
//   - Tool execution patterns and latencies
//   - Pipeline stage durations and task counts
//   - Credential proxy outcomes
//   - Error rates by component and type
//   - Connected device counts
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.EnvelopeReceived("prompt")
//	metrics.RecordLLMRequest("anthropic", model, "success", elapsed.Seconds(), in, out)
type Metrics struct {
	// EnvelopeCounter tracks envelopes by kind and direction.
	// Labels: kind, direction (inbound|outbound)
	EnvelopeCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// PipelineStageDuration measures orchestration stage latency.
	// Labels: stage (short_path|receptionist|planner|agents|synthesis)
	PipelineStageDuration *prometheus.HistogramVec

	// TasksStarted counts tasks entering the pipeline.
	// Labels: source
	TasksStarted *prometheus.CounterVec

	// ActiveAgents is a gauge of currently running spawned agents.
	ActiveAgents prometheus.Gauge

	// ConnectedDevices is a gauge of authenticated channel sessions.
	ConnectedDevices prometheus.Gauge

	// CredentialProxyCounter counts proxy calls.
	// Labels: status (success|domain_mismatch|decrypt_failed|error)
	CredentialProxyCounter *prometheus.CounterVec

	// AuthAttempts counts device auth and registration outcomes.
	// Labels: kind (auth|register), status (success|failed|rate_limited)
	AuthAttempts *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers all metrics with the given registerer.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate
// registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EnvelopeCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_envelopes_total",
				Help: "Total number of envelopes processed by kind and direction",
			},
			[]string{"kind", "direction"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotbot_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_llm_requests_total",
				Help: "Total number of LLM API requests",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_llm_tokens_total",
				Help: "Total number of LLM tokens consumed",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotbot_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"tool"},
		),

		PipelineStageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotbot_pipeline_stage_duration_seconds",
				Help:    "Duration of orchestration pipeline stages in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"stage"},
		),

		TasksStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_tasks_started_total",
				Help: "Total number of tasks entering the pipeline",
			},
			[]string{"source"},
		),

		ActiveAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotbot_active_agents",
				Help: "Number of spawned agents currently running",
			},
		),

		ConnectedDevices: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotbot_connected_devices",
				Help: "Number of authenticated device sessions",
			},
		),

		CredentialProxyCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_credential_proxy_total",
				Help: "Total number of credential proxy calls",
			},
			[]string{"status"},
		),

		AuthAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_auth_attempts_total",
				Help: "Total number of device auth and registration attempts",
			},
			[]string{"kind", "status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotbot_errors_total",
				Help: "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// EnvelopeReceived increments the envelope counter for an inbound kind.
func (m *Metrics) EnvelopeReceived(kind string) {
	m.EnvelopeCounter.WithLabelValues(kind, "inbound").Inc()
}

// EnvelopeSent increments the envelope counter for an outbound kind.
func (m *Metrics) EnvelopeSent(kind string) {
	m.EnvelopeCounter.WithLabelValues(kind, "outbound").Inc()
}

// RecordLLMRequest records metrics for one LLM API request.
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

// RecordToolExecution records metrics for one tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordPipelineStage records the duration of one orchestration stage.
func (m *Metrics) RecordPipelineStage(stage string, durationSeconds float64) {
	m.PipelineStageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// TaskStarted increments the task counter for a prompt source.
func (m *Metrics) TaskStarted(source string) {
	m.TasksStarted.WithLabelValues(source).Inc()
}

// AgentSpawned increments the active agent gauge.
func (m *Metrics) AgentSpawned() {
	m.ActiveAgents.Inc()
}

// AgentFinished decrements the active agent gauge.
func (m *Metrics) AgentFinished() {
	m.ActiveAgents.Dec()
}

// DeviceConnected increments the connected device gauge.
func (m *Metrics) DeviceConnected() {
	m.ConnectedDevices.Inc()
}

// DeviceDisconnected decrements the connected device gauge.
func (m *Metrics) DeviceDisconnected() {
	m.ConnectedDevices.Dec()
}

// RecordCredentialProxy records the outcome of one proxy call.
func (m *Metrics) RecordCredentialProxy(status string) {
	m.CredentialProxyCounter.WithLabelValues(status).Inc()
}

// RecordAuthAttempt records a device auth or registration outcome.
func (m *Metrics) RecordAuthAttempt(kind, status string) {
	m.AuthAttempts.WithLabelValues(kind, status).Inc()
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
