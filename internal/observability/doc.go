// Package observability provides the logging, metrics, and tracing used by
// the tiller agent runtime.
//
// The package wires three concerns:
//
//  1. Metrics - Prometheus counters and histograms for provider requests,
//     token usage, tool executions, and active agent runs
//  2. Logging - structured slog output with sensitive data redaction
//  3. Tracing - OpenTelemetry spans exported over OTLP/gRPC
//
// Logging redacts API keys, OAuth tokens, and JWTs before they reach any
// sink; see DefaultRedactPatterns. Correlation ids (session and run)
// travel in the context and are attached to every record.
//
// Tracing is disabled unless an OTLP endpoint is configured, in which case
// agent runs, provider requests, and tool executions each get a span.
package observability
