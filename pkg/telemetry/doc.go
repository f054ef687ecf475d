// Package telemetry wires Prometheus metrics, OpenTelemetry meters and the OTLP trace exporter
// for the interception service.
//
// Metrics implements intercept.Recorder, so a coordinator reports interception outcomes,
// registry refreshes and behavior executions to both a private Prometheus registry and the
// process-wide OpenTelemetry meter provider.
package telemetry
