package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the interception service.
type Metrics struct {
	// Coordinator metrics
	interceptionsTotal *prometheus.CounterVec
	refreshesTotal     *prometheus.CounterVec
	registryEntries    prometheus.Gauge
	executionsTotal    *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec

	// Behavior source metrics
	sourceReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		interceptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercept_interceptions_total",
				Help: "Total number of interception attempts by outcome",
			},
			[]string{"outcome"},
		),

		refreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercept_registry_refreshes_total",
				Help: "Total number of registry refreshes by status",
			},
			[]string{"status"},
		),

		registryEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "intercept_registry_entries",
				Help: "Number of behaviors in the registry after the last successful refresh",
			},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercept_executions_total",
				Help: "Total number of behavior executions by engine and result",
			},
			[]string{"engine", "result"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intercept_execution_duration_seconds",
				Help:    "Behavior execution latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"engine"},
		),

		sourceReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercept_source_reloads_total",
				Help: "Total number of change-triggered behavior source reloads by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intercept_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intercept_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.interceptionsTotal,
		m.refreshesTotal,
		m.registryEntries,
		m.executionsTotal,
		m.executionDuration,
		m.sourceReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordInterception counts one interception attempt.
func (m *Metrics) RecordInterception(outcome string) {
	m.interceptionsTotal.WithLabelValues(outcome).Inc()
	recordInterception(outcome)
}

// RecordRefresh counts one registry refresh. entries is the registry size after it.
func (m *Metrics) RecordRefresh(status string, entries int) {
	m.refreshesTotal.WithLabelValues(status).Inc()
	m.registryEntries.Set(float64(entries))
	recordRefresh(status)
}

// RecordExecution records one behavior execution. result is "ok" or the failure phase.
func (m *Metrics) RecordExecution(engine, result string, duration time.Duration) {
	m.executionsTotal.WithLabelValues(engine, result).Inc()
	m.executionDuration.WithLabelValues(engine).Observe(duration.Seconds())
	recordExecution(engine, result, duration)
}

// RecordSourceReload records a reload triggered by a watched behavior source.
func (m *Metrics) RecordSourceReload(status string) {
	m.sourceReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := getEndpointName(r.URL.Path)
		statusCode := strconv.Itoa(wrapped.statusCode)

		m.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/behaviors":
		return "behaviors"
	case "/reload":
		return "reload"
	case "/simulate":
		return "simulate"
	default:
		return "unknown"
	}
}
