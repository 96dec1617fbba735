// Package middleware provides cross-cutting concerns for the decision
// engine.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/go-sibyl/internal/ports"
)

// PrometheusMetrics implements the MetricsCollector interface using
// Prometheus. It provides real-time monitoring of decision throughput,
// universe outcomes, device behavior, and budget consumption for the
// engine.
type PrometheusMetrics struct {
	decisionRequests *prometheus.CounterVec
	universeOutcomes *prometheus.CounterVec
	operationCounter *prometheus.CounterVec
	executionLatency *prometheus.HistogramVec
	batchSize        *prometheus.HistogramVec
	systemGauges     *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance and
// registers all required metrics in the global Prometheus registry.
// Because registration is global, construct at most one instance per
// process.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		// Decision lifecycle metrics.
		decisionRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decision_requests_total",
				Help: "Total number of decision requests by terminal status.",
			},
			[]string{"status"},
		),
		universeOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "universe_outcomes_total",
				Help: "Total number of universe outcomes by status.",
			},
			[]string{"status"},
		),

		// General execution metrics for comprehensive observability.
		executionLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_operation_duration_seconds",
				Help:    "Execution time of engine operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "component", "status"},
		),
		operationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_operations_total",
				Help: "Total number of operations performed by the engine.",
			},
			[]string{"operation", "status", "component"},
		),
		batchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "device_batch_size",
				Help:    "Distribution of universe batch sizes dispatched to devices.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"backend"},
		),
		systemGauges: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_system_state",
				Help: "Current system state values for the engine.",
			},
			[]string{"metric", "component"},
		),
	}
}

// RecordLatency implements the MetricsCollector interface by recording
// execution latency in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordLatency(
	operation string,
	duration time.Duration,
	labels map[string]string,
) {
	pm.executionLatency.WithLabelValues(
		operation,
		componentLabel(labels),
		statusLabel(labels),
	).Observe(duration.Seconds())
}

// RecordCounter implements the MetricsCollector interface by
// incrementing Prometheus counters. Known engine metrics route to
// their dedicated counter families; everything else lands in the
// general operations counter.
func (pm *PrometheusMetrics) RecordCounter(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case "decision_requests_total":
		pm.decisionRequests.WithLabelValues(statusLabel(labels)).Add(value)
	case "universe_outcomes_total":
		pm.universeOutcomes.WithLabelValues(statusLabel(labels)).Add(value)
	case "budget_exceeded_total":
		status := "exceeded_" + labels["limit_type"]
		pm.operationCounter.WithLabelValues("budget_check", status, componentLabel(labels)).Add(value)
	default:
		pm.operationCounter.WithLabelValues(metric, statusLabel(labels), componentLabel(labels)).Add(value)
	}
}

// RecordGauge implements the MetricsCollector interface by setting
// Prometheus gauge values.
func (pm *PrometheusMetrics) RecordGauge(
	metric string, value float64, labels map[string]string,
) {
	pm.systemGauges.WithLabelValues(metric, componentLabel(labels)).Set(value)
}

// RecordHistogram implements the MetricsCollector interface by
// recording values in a Prometheus histogram. Batch sizes have a
// dedicated family; other values are treated as latencies in seconds.
func (pm *PrometheusMetrics) RecordHistogram(
	metric string, value float64, labels map[string]string,
) {
	if metric == "device_batch_size" {
		pm.batchSize.WithLabelValues(backendLabel(labels)).Observe(value)
		return
	}
	pm.executionLatency.WithLabelValues(
		metric,
		componentLabel(labels),
		statusLabel(labels),
	).Observe(value)
}

// componentLabel resolves the component a metric belongs to from the
// caller's labels: the pipeline reports stages, the device middleware
// reports backends, and everything else defaults to the engine itself.
func componentLabel(labels map[string]string) string {
	if c, ok := labels["stage"]; ok {
		return c
	}
	if c, ok := labels["backend"]; ok {
		return c
	}
	if c, ok := labels["component"]; ok {
		return c
	}
	return "engine"
}

func statusLabel(labels map[string]string) string {
	if s, ok := labels["status"]; ok {
		return s
	}
	return "success"
}

func backendLabel(labels map[string]string) string {
	if b, ok := labels["backend"]; ok {
		return b
	}
	return "unknown"
}

// Compile-time verification that PrometheusMetrics implements
// MetricsCollector.
var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)
