// Package observability provides the shared logging, metrics, and
// tracing stack for the metrics proxy.
//
// Logging is backed by zap behind a small Logger interface so that
// packages depend on the interface rather than on zap directly.
// Metrics are Prometheus collectors registered on a private registry
// exposed through the operational metrics endpoint. Tracing is
// OpenTelemetry with an optional OTLP/gRPC exporter; when disabled,
// spans are no-ops.
package observability
