// Package middleware contains the unit tests for the middleware
// package.
package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-sibyl/internal/ports"
)

// testPrometheusMetrics provides a global instance to avoid duplicate
// metric registration issues across tests in the same package.
var testPrometheusMetrics *PrometheusMetrics

func init() {
	// Create a single PrometheusMetrics instance to be shared across
	// all tests in this package. This prevents Prometheus from
	// panicking due to duplicate metric registration.
	testPrometheusMetrics = NewPrometheusMetrics()
}

// TestNewPrometheusMetrics verifies that a new PrometheusMetrics
// instance is created with all its internal metrics properly
// initialized.
func TestNewPrometheusMetrics(t *testing.T) {
	pm := testPrometheusMetrics

	assert.NotNil(t, pm, "PrometheusMetrics instance should not be nil")

	assert.NotNil(t, pm.decisionRequests, "decisionRequests should be initialized")
	assert.NotNil(t, pm.universeOutcomes, "universeOutcomes should be initialized")
	assert.NotNil(t, pm.operationCounter, "operationCounter should be initialized")
	assert.NotNil(t, pm.executionLatency, "executionLatency should be initialized")
	assert.NotNil(t, pm.batchSize, "batchSize should be initialized")
	assert.NotNil(t, pm.systemGauges, "systemGauges should be initialized")

	var _ ports.MetricsCollector = pm
}

// TestPrometheusMetrics_RecordLatency tests the recording of latency
// metrics with various label combinations.
func TestPrometheusMetrics_RecordLatency(t *testing.T) {
	pm := testPrometheusMetrics

	tests := []struct {
		name      string
		operation string
		duration  time.Duration
		labels    map[string]string
	}{
		{
			name:      "record stage latency",
			operation: "stage_execution",
			duration:  100 * time.Millisecond,
			labels:    map[string]string{"stage": "universe-sampler", "phase": "SAMPLING", "status": "success"},
		},
		{
			name:      "record decide latency",
			operation: "decide",
			duration:  250 * time.Millisecond,
			labels:    map[string]string{"status": "completed"},
		},
		{
			name:      "record latency without labels",
			operation: "another_operation",
			duration:  50 * time.Millisecond,
			labels:    map[string]string{"other": "value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// This test primarily ensures that recording latency does
			// not panic. Verifying the actual metric values would
			// require the Prometheus testutil package and a more
			// complex setup.
			assert.NotPanics(t, func() {
				pm.RecordLatency(tt.operation, tt.duration, tt.labels)
			}, "RecordLatency should not panic")
		})
	}
}

// TestPrometheusMetrics_RecordCounter tests the recording of various
// counter metrics, including both specific and generic counters.
func TestPrometheusMetrics_RecordCounter(t *testing.T) {
	pm := testPrometheusMetrics

	tests := []struct {
		name   string
		metric string
		value  float64
		labels map[string]string
	}{
		{
			name:   "record decision requests",
			metric: "decision_requests_total",
			value:  1.0,
			labels: map[string]string{"status": "completed"},
		},
		{
			name:   "record universe outcomes",
			metric: "universe_outcomes_total",
			value:  100.0,
			labels: map[string]string{"status": "ok"},
		},
		{
			name:   "record budget exceeded",
			metric: "budget_exceeded_total",
			value:  1.0,
			labels: map[string]string{"limit_type": "universes", "stage": "universe-sampler"},
		},
		{
			name:   "record device batch counter",
			metric: "device_batches_total",
			value:  1.0,
			labels: map[string]string{"backend": "cpu", "device": "cpu0", "status": "success"},
		},
		{
			name:   "record unknown metric as generic counter",
			metric: "unknown_metric",
			value:  42.0,
			labels: map[string]string{"stage": "universe-executor"},
		},
		{
			name:   "record with missing labels",
			metric: "decision_requests_total",
			value:  1.0,
			labels: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				pm.RecordCounter(tt.metric, tt.value, tt.labels)
			}, "RecordCounter should not panic for valid inputs")
		})
	}
}

// TestPrometheusMetrics_RecordGauge tests the recording of various
// gauge metrics.
func TestPrometheusMetrics_RecordGauge(t *testing.T) {
	pm := testPrometheusMetrics

	tests := []struct {
		name   string
		metric string
		value  float64
		labels map[string]string
	}{
		{
			name:   "record pool healthy devices",
			metric: "device_pool_healthy_devices",
			value:  4.0,
			labels: map[string]string{"component": "device-pool"},
		},
		{
			name:   "record budget remaining universes",
			metric: "budget_remaining_universes",
			value:  850.0,
			labels: map[string]string{"stage": "universe-sampler"},
		},
		{
			name:   "record cache entries",
			metric: "graph_cache_entries",
			value:  12.0,
			labels: map[string]string{"component": "graph-cache"},
		},
		{
			name:   "record unknown gauge metric",
			metric: "unknown_gauge",
			value:  123.45,
			labels: map[string]string{"stage": "universe-executor"},
		},
		{
			name:   "record with empty labels",
			metric: "device_pool_reserved_slots",
			value:  0.0,
			labels: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				pm.RecordGauge(tt.metric, tt.value, tt.labels)
			}, "RecordGauge should not panic for valid inputs")
		})
	}
}

// TestPrometheusMetrics_RecordHistogram tests the recording of
// histogram metrics, including the dedicated batch size family.
func TestPrometheusMetrics_RecordHistogram(t *testing.T) {
	pm := testPrometheusMetrics

	tests := []struct {
		name   string
		metric string
		value  float64
		labels map[string]string
	}{
		{
			name:   "record batch size",
			metric: "device_batch_size",
			value:  256.0,
			labels: map[string]string{"backend": "cpu", "device": "cpu0", "status": "success"},
		},
		{
			name:   "record batch size without backend",
			metric: "device_batch_size",
			value:  32.0,
			labels: map[string]string{"other": "value"},
		},
		{
			name:   "record batch latency",
			metric: "device_batch_latency_seconds",
			value:  0.123,
			labels: map[string]string{"backend": "cpu", "status": "success"},
		},
		{
			name:   "record generic histogram",
			metric: "another_histogram",
			value:  0.456,
			labels: map[string]string{"other": "value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				pm.RecordHistogram(tt.metric, tt.value, tt.labels)
			}, "RecordHistogram should not panic for valid inputs")
		})
	}
}

// TestPrometheusMetrics_LabelResolution verifies how caller labels map
// to the component, status, and backend label values.
func TestPrometheusMetrics_LabelResolution(t *testing.T) {
	tests := []struct {
		name          string
		labels        map[string]string
		wantComponent string
		wantStatus    string
		wantBackend   string
	}{
		{
			name:          "stage label wins",
			labels:        map[string]string{"stage": "universe-sampler", "backend": "cpu", "status": "success"},
			wantComponent: "universe-sampler",
			wantStatus:    "success",
			wantBackend:   "cpu",
		},
		{
			name:          "backend label when no stage",
			labels:        map[string]string{"backend": "cpu", "status": "error"},
			wantComponent: "cpu",
			wantStatus:    "error",
			wantBackend:   "cpu",
		},
		{
			name:          "component label when no stage or backend",
			labels:        map[string]string{"component": "device-pool"},
			wantComponent: "device-pool",
			wantStatus:    "success",
			wantBackend:   "unknown",
		},
		{
			name:          "defaults for nil labels",
			labels:        nil,
			wantComponent: "engine",
			wantStatus:    "success",
			wantBackend:   "unknown",
		},
		{
			name:          "defaults for empty labels",
			labels:        map[string]string{},
			wantComponent: "engine",
			wantStatus:    "success",
			wantBackend:   "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantComponent, componentLabel(tt.labels))
			assert.Equal(t, tt.wantStatus, statusLabel(tt.labels))
			assert.Equal(t, tt.wantBackend, backendLabel(tt.labels))
		})
	}
}

// TestPrometheusMetrics_LabelHandling verifies that the metrics
// collector gracefully handles nil, empty, and incomplete label maps.
func TestPrometheusMetrics_LabelHandling(t *testing.T) {
	pm := testPrometheusMetrics

	tests := []struct {
		name   string
		labels map[string]string
	}{
		{"nil labels map", nil},
		{"empty labels map", map[string]string{}},
		{"labels map with stage", map[string]string{"stage": "universe-sampler"}},
		{"labels map with backend", map[string]string{"backend": "cpu"}},
		{"labels map without known keys", map[string]string{"other": "value"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				pm.RecordLatency("test_op", 100*time.Millisecond, tt.labels)
			}, "RecordLatency should handle labels gracefully")

			assert.NotPanics(t, func() {
				pm.RecordCounter("test_counter", 1.0, tt.labels)
			}, "RecordCounter should handle labels gracefully")

			assert.NotPanics(t, func() {
				pm.RecordGauge("test_gauge", 42.0, tt.labels)
			}, "RecordGauge should handle labels gracefully")

			assert.NotPanics(t, func() {
				pm.RecordHistogram("test_hist", 0.5, tt.labels)
			}, "RecordHistogram should handle labels gracefully")
		})
	}
}

// TestPrometheusMetrics_InterfaceCompliance ensures that
// PrometheusMetrics correctly implements the ports.MetricsCollector
// interface.
func TestPrometheusMetrics_InterfaceCompliance(t *testing.T) {
	var metrics ports.MetricsCollector = testPrometheusMetrics
	require.NotNil(t, metrics, "PrometheusMetrics should implement MetricsCollector")

	labels := map[string]string{"stage": "universe-executor"}

	assert.NotPanics(t, func() {
		metrics.RecordLatency("test", 100*time.Millisecond, labels)
	}, "RecordLatency should be callable through interface")

	assert.NotPanics(t, func() {
		metrics.RecordCounter("test", 1.0, labels)
	}, "RecordCounter should be callable through interface")

	assert.NotPanics(t, func() {
		metrics.RecordGauge("test", 42.0, labels)
	}, "RecordGauge should be callable through interface")

	assert.NotPanics(t, func() {
		metrics.RecordHistogram("test", 0.5, labels)
	}, "RecordHistogram should be callable through interface")
}

// TestPrometheusMetrics_DecisionLifecycleMetrics records the full set
// of metrics a decision request produces, as the orchestrator and
// device middleware would emit them.
func TestPrometheusMetrics_DecisionLifecycleMetrics(t *testing.T) {
	pm := testPrometheusMetrics

	t.Run("request counters", func(t *testing.T) {
		assert.NotPanics(t, func() {
			pm.RecordCounter("decision_requests_total", 1.0, map[string]string{"status": "completed"})
			pm.RecordCounter("decision_requests_total", 1.0, map[string]string{"status": "quorum_not_met"})
		}, "Should record request counters without panic")
	})

	t.Run("universe outcomes", func(t *testing.T) {
		assert.NotPanics(t, func() {
			pm.RecordCounter("universe_outcomes_total", 950.0, map[string]string{"status": "ok"})
			pm.RecordCounter("universe_outcomes_total", 40.0, map[string]string{"status": "failed"})
			pm.RecordCounter("universe_outcomes_total", 10.0, map[string]string{"status": "timed_out"})
		}, "Should record outcome counters without panic")
	})

	t.Run("stage latencies", func(t *testing.T) {
		assert.NotPanics(t, func() {
			labels := map[string]string{"stage": "universe-sampler", "phase": "SAMPLING", "status": "success"}
			pm.RecordLatency("stage_execution", 10*time.Millisecond, labels)
		}, "Should record stage latencies without panic")
	})

	t.Run("device batches", func(t *testing.T) {
		labels := map[string]string{"backend": "cpu", "device": "cpu0", "status": "success"}
		assert.NotPanics(t, func() {
			pm.RecordHistogram("device_batch_latency_seconds", 0.050, labels)
			pm.RecordCounter("device_batches_total", 1.0, labels)
			pm.RecordHistogram("device_batch_size", 250.0, labels)
		}, "Should record device batch metrics without panic")
	})

	t.Run("budget exceeded counter", func(t *testing.T) {
		exceededLabels := map[string]string{
			"limit_type": "universes",
			"stage":      "universe-sampler",
		}
		assert.NotPanics(t, func() {
			pm.RecordCounter("budget_exceeded_total", 1.0, exceededLabels)
		}, "Should record budget exceeded counter without panic")
	})
}

// TestPrometheusMetrics_EdgeCases tests various edge cases to ensure
// the metrics collector is robust.
func TestPrometheusMetrics_EdgeCases(t *testing.T) {
	pm := testPrometheusMetrics

	t.Run("zero duration latency", func(t *testing.T) {
		assert.NotPanics(t, func() {
			pm.RecordLatency("zero_duration", 0, map[string]string{"stage": "test"})
		}, "Should handle zero duration gracefully")
	})

	t.Run("negative counter value", func(t *testing.T) {
		// Prometheus counters cannot be negative, so this should panic.
		assert.Panics(t, func() {
			pm.RecordCounter("negative_counter", -1.0, map[string]string{"stage": "test"})
		}, "Prometheus counters should panic on negative values")
	})

	t.Run("very large gauge value", func(t *testing.T) {
		assert.NotPanics(t, func() {
			pm.RecordGauge("large_gauge", 1e9, map[string]string{"stage": "test"})
		}, "Should handle large gauge values gracefully")
	})

	t.Run("very small histogram value", func(t *testing.T) {
		assert.NotPanics(t, func() {
			pm.RecordHistogram("small_histogram", 1e-9, map[string]string{"stage": "test"})
		}, "Should handle very small histogram values gracefully")
	})
}

// BenchmarkPrometheusMetrics_RecordLatency benchmarks the performance
// of recording latency metrics.
func BenchmarkPrometheusMetrics_RecordLatency(b *testing.B) {
	pm := testPrometheusMetrics
	labels := map[string]string{"stage": "benchmark-test"}
	duration := 100 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.RecordLatency("benchmark_operation", duration, labels)
	}
}

// BenchmarkPrometheusMetrics_RecordCounter benchmarks the performance
// of recording counter metrics.
func BenchmarkPrometheusMetrics_RecordCounter(b *testing.B) {
	pm := testPrometheusMetrics
	labels := map[string]string{"stage": "benchmark-test"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.RecordCounter("benchmark_counter", float64(i), labels)
	}
}

// BenchmarkPrometheusMetrics_RecordGauge benchmarks the performance of
// recording gauge metrics.
func BenchmarkPrometheusMetrics_RecordGauge(b *testing.B) {
	pm := testPrometheusMetrics
	labels := map[string]string{"stage": "benchmark-test"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.RecordGauge("benchmark_gauge", float64(i)*0.001, labels)
	}
}
