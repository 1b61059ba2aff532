// Package observability provides monitoring and debugging for relay through
// metrics, structured logging, distributed tracing, and an in-memory event
// timeline.
//
// # Metrics
//
// Prometheus counters, gauges, and histograms cover channel message flow,
// provider streams and token usage, agent runs and turn durations, tool
// executions, gateway connections and per-method request outcomes, cron runs,
// and session store queries. The registry is served on /metrics next to the
// gateway WebSocket endpoint.
//
//	metrics := observability.NewMetrics(nil)
//	metrics.MessageReceived("wsbridge")
//	metrics.RecordGatewayRequest("chat.send", "ok", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on slog with automatic correlation (request, run, session,
// user, channel pulled from context) and redaction of secrets in messages and
// arguments. Components that take a plain *slog.Logger are wired from
// Logger.Slog().
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddRunID(ctx, runID)
//	logger.Info(ctx, "run accepted", "session_key", key)
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. With no endpoint
// configured the tracer is a no-op. Helpers create spans for gateway
// dispatch, agent turns, provider streams, tool executions, and store
// queries.
//
// # Timeline
//
// Timeline retains a bounded ring of recent bus events for diagnostics; the
// app feeds it from a wildcard bus subscription and system.presence reports
// its stats.
package observability
