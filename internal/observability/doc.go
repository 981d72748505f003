// Package observability provides metrics, structured logging, and
// distributed tracing for both dotbot processes.
//
// The three pieces share one convention: correlation IDs ride on the
// context and every component extracts what it needs.
//
//	ctx = observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "prompt accepted", "source", "device")
//
// # Metrics
//
// Prometheus metrics carry the dotbot_ prefix and cover provider calls,
// failovers, tool executions, dispatches, device connections, and the
// scheduler families:
//
//	rate(dotbot_llm_requests_total[5m])
//	histogram_quantile(0.95, rate(dotbot_llm_request_duration_seconds_bucket[5m]))
//	dotbot_active_agents
//
// # Logging
//
// Logging wraps slog with mandatory redaction. API keys, JWTs, vault blobs,
// and sensitive map keys are replaced with [REDACTED] before the record is
// written. The vault and providers rely on this: a raw credential must
// never reach a sink.
//
// # Tracing
//
// Tracing wraps OpenTelemetry with an OTLP gRPC exporter. When no endpoint
// is configured every span is a no-op, so call sites always create spans
// unconditionally.
package observability
