package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	interceptionCounter   metric.Int64Counter
	refreshCounter        metric.Int64Counter
	executionCounter      metric.Int64Counter
	executionLatencyHisto metric.Float64Histogram
)

func recordInterception(outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	interceptionCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("intercept.outcome", outcome)))
}

func recordRefresh(status string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	refreshCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("intercept.refresh.status", status)))
}

func recordExecution(engine, result string, duration time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("intercept.engine", engine),
		attribute.String("intercept.result", result),
	}
	executionCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		executionLatencyHisto.Record(context.Background(), float64(duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("intercept.coordinator")

		interceptionCounter, metricsInitErr = meter.Int64Counter(
			"intercept.interceptions_total",
			metric.WithDescription("Interception attempts partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		refreshCounter, metricsInitErr = meter.Int64Counter(
			"intercept.registry.refreshes_total",
			metric.WithDescription("Registry refreshes partitioned by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionCounter, metricsInitErr = meter.Int64Counter(
			"intercept.executions_total",
			metric.WithDescription("Behavior executions partitioned by engine and result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionLatencyHisto, metricsInitErr = meter.Float64Histogram(
			"intercept.execution.duration_ms",
			metric.WithDescription("Observed behavior execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
