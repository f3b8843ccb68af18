// Package telemetry sets up OpenTelemetry tracing and metrics for braidd.
//
// Components obtain tracers from the global provider with
// otel.Tracer(name); New installs OTLP-backed providers globally when
// telemetry is enabled and leaves the no-op defaults otherwise. Exporter
// failures degrade the instance rather than failing startup.
//
// Tests use NewTestTelemetry, which records spans in memory and installs
// itself globally until cleanup.
package telemetry
