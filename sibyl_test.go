package sibyl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-sibyl/infrastructure/device"
	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/testutils"
)

// perturbedConfig returns an engine config with a fixed CPU device
// count and noise on both context features, so repeated universes
// actually differ.
func perturbedConfig(t *testing.T, devices int) EngineConfig {
	t.Helper()

	cfg := DefaultEngineConfig()

	var params yaml.Node
	require.NoError(t, params.Encode(map[string]any{"devices": devices}))
	cfg.Backend.Params = params

	var sampler yaml.Node
	require.NoError(t, sampler.Encode(map[string]any{
		"perturbations": map[string]any{
			"demand":     map[string]any{"distribution": "normal", "stddev": 5.0},
			"volatility": map[string]any{"distribution": "uniform", "halfwidth": 2.0},
		},
	}))
	cfg.Stages.Sampler = sampler

	return cfg
}

func decide(t *testing.T, engine *Engine, cfg DecisionConfig) *DecisionResult {
	t.Helper()

	result, err := engine.Decide(context.Background(),
		testutils.BasicContext(), testutils.TwoOptions(), testutils.RevenueRiskScorer(), cfg)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestNew_Defaults(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)
	defer engine.Close()

	cfg := engine.Config()
	assert.Equal(t, "cpu", cfg.Backend.Type)
	assert.Equal(t, 1000, cfg.Defaults.UniverseCount)
	assert.Equal(t, 0.9, cfg.Defaults.QuorumFraction)

	stats := engine.PoolStats()
	assert.GreaterOrEqual(t, stats.Devices, 1)
	assert.GreaterOrEqual(t, stats.HealthyDevices, 1)
	assert.Positive(t, stats.CapacitySlots)
}

func TestNew_OptionErrors(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{
			name:    "empty config file path",
			opts:    []Option{WithConfigFile("")},
			wantErr: "config file path cannot be empty",
		},
		{
			name:    "nil backend",
			opts:    []Option{WithBackend(nil)},
			wantErr: "backend cannot be nil",
		},
		{
			name:    "nil metrics",
			opts:    []Option{WithMetrics(nil)},
			wantErr: "metrics collector cannot be nil",
		},
		{
			name:    "nil observer",
			opts:    []Option{WithObserver(nil)},
			wantErr: "observer cannot be nil",
		},
		{
			name:    "empty policy name",
			opts:    []Option{WithPolicy("", func(map[string]any) (Policy, error) { return nil, nil })},
			wantErr: "policy name cannot be empty",
		},
		{
			name:    "nil policy factory",
			opts:    []Option{WithPolicy("custom", nil)},
			wantErr: "policy factory cannot be nil",
		},
		{
			name:    "config and config file together",
			opts:    []Option{WithConfig(DefaultEngineConfig()), WithConfigFile("engine.yaml")},
			wantErr: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := New(tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, engine)
		})
	}
}

func TestNew_ConfigErrors(t *testing.T) {
	t.Run("invalid version", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Version = "not-semver"

		_, err := New(WithConfig(cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Version")
	})

	t.Run("unknown backend type", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Backend.Type = "quantum"

		_, err := New(WithConfig(cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown backend")
	})

	t.Run("rate limit without burst", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Backend.RateLimit.RequestsPerSecond = 100

		_, err := New(WithConfig(cfg))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "burst must be at least 1")
	})
}

func TestNew_WithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `version: "1.0.0"
metadata:
  name: file-engine
backend:
  type: cpu
  params:
    devices: 2
defaults:
  universe_count: 64
  quorum_fraction: 0.9
  confidence_level: 0.95
  policy: max_mean
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	engine, err := New(WithConfigFile(path))
	require.NoError(t, err)
	defer engine.Close()

	assert.Equal(t, "file-engine", engine.Config().Metadata.Name)
	assert.Equal(t, 64, engine.Config().Defaults.UniverseCount)
	assert.Equal(t, 2, engine.PoolStats().Devices)
}

func TestNew_WithBackend(t *testing.T) {
	engine, err := New(WithBackend(device.NewMockBackend(2)))
	require.NoError(t, err)
	defer engine.Close()

	assert.Equal(t, 2, engine.PoolStats().Devices)
	assert.Equal(t, 2, engine.PoolStats().HealthyDevices)
}

func TestEngine_Decide_EndToEnd(t *testing.T) {
	engine, err := New(WithConfig(perturbedConfig(t, 2)))
	require.NoError(t, err)
	defer engine.Close()

	result := decide(t, engine, DecisionConfig{
		UniverseCount:  100,
		Seed:           42,
		QuorumFraction: 0.9,
	})

	assert.Equal(t, "aggressive", result.BestOption)
	assert.Equal(t, int64(42), result.Seed)
	assert.Equal(t, "max_mean", result.Policy)
	assert.NotEmpty(t, result.RequestID)
	assert.Greater(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)

	require.Len(t, result.Distributions, 2)
	aggressive := result.Distributions["aggressive"]
	steady := result.Distributions["steady"]
	assert.Equal(t, 100, aggressive.SampleCount)
	assert.InDelta(t, 120.0, aggressive.Mean, 5.0)
	assert.InDelta(t, 99.0, steady.Mean, 5.0)
	assert.Less(t, aggressive.Interval.Lower, aggressive.Interval.Upper)

	diag := result.Diagnostics
	assert.Equal(t, 100, diag.UniversesRequested)
	assert.Equal(t, 100, diag.UniversesSucceeded)
	assert.Equal(t, 90, diag.QuorumRequired)
	assert.NotEmpty(t, diag.DevicesUsed)
	assert.Positive(t, diag.Elapsed)

	assert.GreaterOrEqual(t, engine.CacheStats().Entries, 1,
		"compiled graphs should be cached")
	assert.Zero(t, engine.PoolStats().InUseSlots,
		"slots should be released after the request")
}

func TestEngine_Decide_Reproducible(t *testing.T) {
	cfg := perturbedConfig(t, 2)
	request := DecisionConfig{UniverseCount: 50, Seed: 7}

	// Fresh engines so the pool's rotation state cannot shift the
	// universe-to-device assignment between runs.
	run := func() *DecisionResult {
		engine, err := New(WithConfig(cfg))
		require.NoError(t, err)
		defer engine.Close()
		return decide(t, engine, request)
	}

	first := run()
	second := run()

	assert.Equal(t, first.BestOption, second.BestOption)
	assert.Equal(t, first.Distributions, second.Distributions,
		"same seed must reproduce the distributions exactly")
	assert.Equal(t, first.Confidence, second.Confidence)

	engine, err := New(WithConfig(cfg))
	require.NoError(t, err)
	defer engine.Close()
	other := decide(t, engine, DecisionConfig{UniverseCount: 50, Seed: 8})
	assert.NotEqual(t, first.Distributions, other.Distributions,
		"a different seed should perturb differently")
}

func TestEngine_Decide_QuorumNotMet(t *testing.T) {
	engine, err := New(WithConfig(perturbedConfig(t, 2)))
	require.NoError(t, err)
	defer engine.Close()

	scoreErr := errors.New("model crashed")
	_, err = engine.Decide(context.Background(),
		testutils.BasicContext(), testutils.TwoOptions(), testutils.FailingScorer(scoreErr),
		DecisionConfig{UniverseCount: 20, Seed: 1})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuorumNotMet)

	var quorumErr *domain.QuorumNotMetError
	require.ErrorAs(t, err, &quorumErr)
	assert.Equal(t, 18, quorumErr.Required)
	assert.Zero(t, quorumErr.Completed)
}

func TestEngine_Decide_BudgetEnforced(t *testing.T) {
	cfg := perturbedConfig(t, 2)
	cfg.Budget.MaxUniverses = 10

	engine, err := New(WithConfig(cfg))
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Decide(context.Background(),
		testutils.BasicContext(), testutils.TwoOptions(), testutils.RevenueRiskScorer(),
		DecisionConfig{UniverseCount: 50, Seed: 3})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	var budgetErr *domain.BudgetExceededError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "universes", budgetErr.Kind)
	assert.Equal(t, int64(10), budgetErr.Limit)
	assert.Equal(t, int64(50), budgetErr.Used)
}

// floorPolicy ranks options by the lower bound of their confidence
// interval, a maximally pessimistic preference.
type floorPolicy struct{}

func (floorPolicy) Name() string { return "floor" }

func (floorPolicy) Utility(dist OutcomeDistribution) float64 { return dist.Interval.Lower }

func TestEngine_WithPolicy(t *testing.T) {
	engine, err := New(
		WithConfig(perturbedConfig(t, 2)),
		WithPolicy("floor", func(map[string]any) (Policy, error) { return floorPolicy{}, nil }),
	)
	require.NoError(t, err)
	defer engine.Close()

	result := decide(t, engine, DecisionConfig{
		UniverseCount: 100,
		Seed:          11,
		Policy:        "floor",
	})

	assert.Equal(t, "floor", result.Policy)
	assert.Equal(t, "aggressive", result.BestOption,
		"aggressive wins even on interval lower bounds at this sample size")
}

// captureMetrics records metric names for assertion.
type captureMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func newCaptureMetrics() *captureMetrics {
	return &captureMetrics{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func (c *captureMetrics) RecordLatency(string, time.Duration, map[string]string) {}

func (c *captureMetrics) RecordCounter(metric string, value float64, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[metric] += value
}

func (c *captureMetrics) RecordGauge(metric string, value float64, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[metric] = value
}

func (c *captureMetrics) RecordHistogram(string, float64, map[string]string) {}

func TestEngine_WithMetrics(t *testing.T) {
	metrics := newCaptureMetrics()

	engine, err := New(WithConfig(perturbedConfig(t, 2)), WithMetrics(metrics))
	require.NoError(t, err)
	defer engine.Close()

	decide(t, engine, DecisionConfig{UniverseCount: 20, Seed: 5})

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, float64(1), metrics.counters["decision_requests_total"])
	assert.Equal(t, float64(20), metrics.counters["universe_outcomes_total"])
	assert.GreaterOrEqual(t, metrics.gauges["pool_healthy_devices"], float64(1))
	assert.GreaterOrEqual(t, metrics.gauges["graph_cache_entries"], float64(1))
	assert.Zero(t, metrics.gauges["pool_in_use_slots"])
}

func TestEngine_CloseLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine, err := New(WithConfig(perturbedConfig(t, 2)))
	require.NoError(t, err)

	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close(), "close must be idempotent")

	_, err = engine.Decide(context.Background(),
		testutils.BasicContext(), testutils.TwoOptions(), testutils.RevenueRiskScorer(),
		DecisionConfig{UniverseCount: 10})
	assert.ErrorIs(t, err, ErrEngineClosed)
}
