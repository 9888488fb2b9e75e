// Package telemetry provides structured logging, metrics collection, and
// distributed tracing for the Terrane orchestrator.
//
// Logging is built on zerolog, metrics on Prometheus, and tracing on
// OpenTelemetry with stdout and OTLP gRPC exporters. All three are wired
// through a single Config with presets for development and production use.
package telemetry
