package ports

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-sibyl/internal/domain"
)

// Test that our interfaces can be implemented correctly

// mockMetricsCollector implements MetricsCollector interface
type mockMetricsCollector struct {
	latencies  []time.Duration
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// newMockMetricsCollector creates a new mock metrics collector for testing.
func newMockMetricsCollector() *mockMetricsCollector {
	return &mockMetricsCollector{
		latencies:  []time.Duration{},
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *mockMetricsCollector) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	m.latencies = append(m.latencies, duration)
}

func (m *mockMetricsCollector) RecordCounter(metric string, value float64, labels map[string]string) {
	m.counters[metric] += value
}

func (m *mockMetricsCollector) RecordGauge(metric string, value float64, labels map[string]string) {
	m.gauges[metric] = value
}

func (m *mockMetricsCollector) RecordHistogram(metric string, value float64, labels map[string]string) {
	m.histograms[metric] = append(m.histograms[metric], value)
}

// mockStageObserver implements StageObserver interface
type mockStageObserver struct {
	started   []domain.Phase
	completed []domain.Phase
	errs      []error
}

type observerCtxKey struct{}

func (m *mockStageObserver) PhaseStarted(ctx context.Context, requestID string, phase domain.Phase) context.Context {
	m.started = append(m.started, phase)
	return context.WithValue(ctx, observerCtxKey{}, phase)
}

func (m *mockStageObserver) PhaseCompleted(ctx context.Context, requestID string, phase domain.Phase, elapsed time.Duration, err error) {
	m.completed = append(m.completed, phase)
	m.errs = append(m.errs, err)
}

// mockConfigLoader implements ConfigLoader interface
type mockConfigLoader struct {
	loadFunc func(ctx context.Context, config any) error
}

func (m *mockConfigLoader) Load(ctx context.Context, config any) error {
	if m.loadFunc != nil {
		return m.loadFunc(ctx, config)
	}
	return nil
}

func TestMetricsCollector_Interface(t *testing.T) {
	var _ MetricsCollector = (*mockMetricsCollector)(nil)

	collector := newMockMetricsCollector()

	collector.RecordLatency("stage_execution", 42*time.Millisecond, map[string]string{"stage": "sampler"})
	collector.RecordCounter("universes_total", 100, map[string]string{"status": "ok"})
	collector.RecordCounter("universes_total", 5, map[string]string{"status": "failed"})
	collector.RecordGauge("pool_healthy_devices", 3, nil)
	collector.RecordHistogram("batch_size", 250, nil)

	assert.Len(t, collector.latencies, 1, "Latency should be recorded")
	assert.Equal(t, 105.0, collector.counters["universes_total"], "Counter should accumulate")
	assert.Equal(t, 3.0, collector.gauges["pool_healthy_devices"], "Gauge should be set")
	assert.Equal(t, []float64{250}, collector.histograms["batch_size"], "Histogram should record values")
}

func TestStageObserver_Interface(t *testing.T) {
	var _ StageObserver = (*mockStageObserver)(nil)

	observer := &mockStageObserver{}
	ctx := context.Background()

	phaseCtx := observer.PhaseStarted(ctx, "req-1", domain.PhaseSampling)
	require.NotNil(t, phaseCtx, "PhaseStarted should return a context")
	assert.Equal(t, domain.PhaseSampling, phaseCtx.Value(observerCtxKey{}),
		"Returned context should carry per-phase values back to PhaseCompleted")

	observer.PhaseCompleted(phaseCtx, "req-1", domain.PhaseSampling, 5*time.Millisecond, nil)

	assert.Equal(t, []domain.Phase{domain.PhaseSampling}, observer.started, "Started phases mismatch")
	assert.Equal(t, []domain.Phase{domain.PhaseSampling}, observer.completed, "Completed phases mismatch")
	assert.Equal(t, []error{nil}, observer.errs, "A clean phase should complete without error")
}

func TestConfigLoader_Interface(t *testing.T) {
	var _ ConfigLoader = (*mockConfigLoader)(nil)

	type engineConfig struct {
		Backend string
	}

	loader := &mockConfigLoader{
		loadFunc: func(ctx context.Context, config any) error {
			cfg, ok := config.(*engineConfig)
			require.True(t, ok, "Load should receive a pointer to the target struct")
			cfg.Backend = "cpu"
			return nil
		},
	}

	var cfg engineConfig
	err := loader.Load(context.Background(), &cfg)
	require.NoError(t, err, "Load should not fail")
	assert.Equal(t, "cpu", cfg.Backend, "Load should populate the struct")
}
