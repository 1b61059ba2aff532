package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide Prometheus instrumentation.
//
// It tracks:
//   - Message flow through channel plugins
//   - Provider stream performance and token consumption
//   - Agent runs by terminal reason, turn durations
//   - Tool execution counts and latencies
//   - Gateway connections and per-method request outcomes
//   - Cron job runs, session store queries, error rates
//
// Usage:
//
//	metrics := observability.NewMetrics(nil) // default registry
//	metrics.MessageReceived("wsbridge", "inbound")
//	metrics.RecordGatewayRequest("chat.send", "ok", time.Since(start).Seconds())
type Metrics struct {
	// MessageCounter tracks channel messages.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider stream latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider streams.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// AgentRunCounter counts agent runs by terminal reason.
	// Labels: reason (completed|abort|error)
	AgentRunCounter *prometheus.CounterVec

	// AgentTurnDuration measures a single turn (provider call + tools).
	// Labels: model
	AgentTurnDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// GatewayConnections is a gauge of live gateway connections.
	// Labels: role (operator|node|device|guest)
	GatewayConnections *prometheus.GaugeVec

	// GatewayRequestCounter counts gateway RPCs.
	// Labels: method, code ("ok" or a wire error code)
	GatewayRequestCounter *prometheus.CounterVec

	// GatewayRequestDuration measures gateway RPC handling time.
	// Labels: method
	GatewayRequestDuration *prometheus.HistogramVec

	// EventsPublished counts bus events by type.
	EventsPublished *prometheus.CounterVec

	// CronRunCounter counts cron job runs.
	// Labels: status (ok|error|skipped)
	CronRunCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|channel|tool|session|gateway|cron), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge of sessions with live agent state.
	// Labels: channel
	ActiveSessions *prometheus.GaugeVec

	// DatabaseQueryDuration measures session store query latency.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts session store queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all Prometheus metrics.
//
// A nil registerer uses the default registry; tests pass
// prometheus.NewRegistry() to stay isolated. Call once per registry:
// re-registering the same metric names panics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	var factory promauto.Factory
	var gatherer prometheus.Gatherer
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
		gatherer = prometheus.DefaultGatherer
	} else {
		factory = promauto.With(reg)
		gatherer = reg
	}

	return &Metrics{
		gatherer: gatherer,

		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Total number of channel messages by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_llm_request_duration_seconds",
				Help:    "Duration of provider streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "Total number of provider streams by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		AgentRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_agent_runs_total",
				Help: "Total number of agent runs by terminal reason",
			},
			[]string{"reason"},
		),

		AgentTurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_agent_turn_duration_seconds",
				Help:    "Duration of agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		GatewayConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_gateway_connections",
				Help: "Current number of gateway connections by role",
			},
			[]string{"role"},
		),

		GatewayRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_gateway_requests_total",
				Help: "Total number of gateway requests by method and result code",
			},
			[]string{"method", "code"},
		),

		GatewayRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_gateway_request_duration_seconds",
				Help:    "Duration of gateway request handling in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_events_published_total",
				Help: "Total number of bus events published by type",
			},
			[]string{"type"},
		),

		CronRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cron_runs_total",
				Help: "Total number of cron job runs by status",
			},
			[]string{"status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Current number of sessions with live agent state by channel",
			},
			[]string{"channel"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_database_query_duration_seconds",
				Help:    "Duration of session store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_database_queries_total",
				Help: "Total number of session store queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// Handler returns the HTTP handler serving this metrics registry.
// Mounted at /metrics next to the gateway WebSocket endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// MessageReceived increments the message counter for inbound messages.
func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the message counter for outbound messages.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordLLMRequest records a completed provider stream.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordAgentRun records an agent run reaching a terminal reason.
func (m *Metrics) RecordAgentRun(reason string) {
	m.AgentRunCounter.WithLabelValues(reason).Inc()
}

// RecordAgentTurn records the duration of one agent turn.
func (m *Metrics) RecordAgentTurn(model string, durationSeconds float64) {
	m.AgentTurnDuration.WithLabelValues(model).Observe(durationSeconds)
}

// RecordToolExecution records a tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// GatewayConnected increments the connection gauge for a role.
func (m *Metrics) GatewayConnected(role string) {
	m.GatewayConnections.WithLabelValues(role).Inc()
}

// GatewayDisconnected decrements the connection gauge for a role.
func (m *Metrics) GatewayDisconnected(role string) {
	m.GatewayConnections.WithLabelValues(role).Dec()
}

// RecordGatewayRequest records a gateway RPC outcome. code is "ok" on
// success, the wire error code otherwise.
func (m *Metrics) RecordGatewayRequest(method, code string, durationSeconds float64) {
	m.GatewayRequestCounter.WithLabelValues(method, code).Inc()
	m.GatewayRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// EventPublished increments the bus event counter for a type.
func (m *Metrics) EventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordCronRun records a cron job run.
func (m *Metrics) RecordCronRun(status string) {
	m.CronRunCounter.WithLabelValues(status).Inc()
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted(channel string) {
	m.ActiveSessions.WithLabelValues(channel).Inc()
}

// SessionEnded decrements the active sessions gauge.
func (m *Metrics) SessionEnded(channel string) {
	m.ActiveSessions.WithLabelValues(channel).Dec()
}

// RecordDatabaseQuery records a session store query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
