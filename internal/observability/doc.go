// Package observability provides the logging, metrics and tracing setup for
// the presence daemon.
//
// # Logging
//
// NewLogger builds a *slog.Logger whose handler scrubs bearer tokens, JWTs and
// other secrets from messages and string attributes before they are written.
// Components receive the logger by injection and fall back to slog.Default.
//
// # Metrics
//
// Metrics are Prometheus collectors registered through promauto.With so tests
// can use an isolated registry:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.HeartbeatPush("tick", "sent")
//
// The Metrics type implements the observer hooks of the api and realtime
// packages, so it can be passed to them directly.
//
// # Tracing
//
// NewTracer installs an OTLP/gRPC exporter when an endpoint is configured and
// otherwise returns a tracer backed by the global no-op provider.
package observability
