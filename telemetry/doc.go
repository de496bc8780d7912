// Package telemetry wires the daemon into OpenTelemetry. InitProvider
// installs an OTLP trace exporter (grpc or http) as the global tracer
// provider; the Start* helpers open spans for the operations worth
// watching in production: task transitions, watcher checks, executor
// runs and sync cycles. Without a provider the helpers degrade to the
// otel no-op tracer, so callers never guard for nil.
package telemetry
