// Package sibyl is the public entry point for the scenario-simulation
// decision engine. An Engine evaluates a decision by simulating many
// perturbed variants of the caller's context in parallel across
// devices, aggregating the outcome distributions per option, and
// synthesizing a recommendation with a calibrated confidence.
//
// Typical usage:
//
//	engine, err := sibyl.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	result, err := engine.Decide(ctx, context, options, scorer, sibyl.DecisionConfig{
//	    UniverseCount: 1000,
//	    Seed:          42,
//	})
//
// The zero-option engine runs on the CPU backend with the built-in
// defaults. Production deployments configure the backend, pool sizing,
// stage parameters, and budgets through WithConfig or WithConfigFile.
package sibyl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-sibyl/infrastructure/device"
	"github.com/ahrav/go-sibyl/infrastructure/middleware"
	"github.com/ahrav/go-sibyl/infrastructure/stages"
	"github.com/ahrav/go-sibyl/internal/application"
	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// Public aliases for the types that cross the engine boundary, so
// callers import a single package.
type (
	// DecisionContext describes the situation a decision is being made
	// about: a numeric feature map plus opaque tags.
	DecisionContext = domain.DecisionContext

	// DecisionOption is one candidate action under evaluation.
	DecisionOption = domain.DecisionOption

	// DecisionResult is the synthesized recommendation with per-option
	// distributions, confidence, and diagnostics.
	DecisionResult = domain.DecisionResult

	// OutcomeDistribution summarizes one option's utility across the
	// simulated universes.
	OutcomeDistribution = domain.OutcomeDistribution

	// ConfidenceInterval is a two-sided interval estimate for an
	// option's mean utility.
	ConfidenceInterval = domain.ConfidenceInterval

	// Diagnostics reports universe accounting, device usage, and phase
	// timings for one request.
	Diagnostics = domain.Diagnostics

	// DeviceID identifies one device within a backend.
	DeviceID = domain.DeviceID

	// DecisionConfig carries per-request settings; zero fields fall
	// back to the engine defaults.
	DecisionConfig = application.DecisionConfig

	// EngineConfig is the declarative engine specification consumed by
	// WithConfig and WithConfigFile.
	EngineConfig = application.EngineConfig

	// Scorer computes one option's utility in one simulated universe.
	Scorer = ports.Scorer

	// ScorerFunc adapts a plain function to the Scorer interface.
	ScorerFunc = ports.ScorerFunc

	// Policy ranks options from their outcome distributions.
	Policy = ports.Policy

	// PolicyFactory creates a Policy from request-level parameters.
	PolicyFactory = ports.PolicyFactory
)

// Sentinel errors callers match with errors.Is.
var (
	// ErrQuorumNotMet indicates too few universes completed for a
	// trustworthy result.
	ErrQuorumNotMet = domain.ErrQuorumNotMet

	// ErrDeviceUnavailable indicates no device capacity could be
	// reserved for the request.
	ErrDeviceUnavailable = domain.ErrDeviceUnavailable

	// ErrInsufficientData indicates aggregation lacked the samples
	// needed for the requested estimates.
	ErrInsufficientData = domain.ErrInsufficientData

	// ErrBudgetExceeded indicates a request hit its universe or retry
	// budget.
	ErrBudgetExceeded = domain.ErrBudgetExceeded
)

// ErrEngineClosed is returned by Decide after Close.
var ErrEngineClosed = errors.New("engine is closed")

// DefaultEngineConfig returns the built-in engine configuration: the
// CPU backend with default pool, cache, and request settings.
func DefaultEngineConfig() EngineConfig { return application.DefaultEngineConfig() }

// Facade-level retry pacing applied when the configuration enables
// retries without naming delays.
const (
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
)

// The default metrics collector registers its vectors on the global
// Prometheus registerer, which tolerates exactly one registration per
// process. Engines therefore share one lazily built instance unless
// the caller supplies a collector via WithMetrics.
var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *middleware.PrometheusMetrics
)

func defaultMetricsCollector() ports.MetricsCollector {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = middleware.NewPrometheusMetrics()
	})
	return defaultMetrics
}

// Engine is a ready-to-serve decision engine. It owns the device pool
// and compiled-graph cache shared across requests; everything else is
// per-request state. Engines are safe for concurrent use.
type Engine struct {
	config       application.EngineConfig
	backend      ports.DeviceBackend
	pool         *device.Pool
	cache        *device.LRUGraphCache
	orchestrator *application.Orchestrator
	metrics      ports.MetricsCollector

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New assembles a decision engine from the applied options: resolve
// the configuration, build the device backend with its middleware
// chain, discover devices into the pool, construct the four pipeline
// stages, and wire the orchestrator. The returned engine is ready for
// Decide calls; Close releases the pool's background prober.
func New(opts ...Option) (*Engine, error) {
	s := newSettings()
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	cfg, err := s.resolveConfig()
	if err != nil {
		return nil, err
	}

	for name, factory := range s.policies {
		stages.RegisterPolicyFactory(name, factory)
	}

	metrics := s.metrics
	if metrics == nil {
		metrics = defaultMetricsCollector()
	}
	observer := s.observer
	if observer == nil {
		observer = middleware.NewOTelStageObserver()
	}

	backend := s.backend
	if backend == nil {
		backend, err = buildBackend(cfg.Backend, metrics)
		if err != nil {
			return nil, err
		}
	} else {
		backend = device.Wrap(backend, backendMiddleware(cfg.Backend, metrics)...)
	}

	pool, err := device.NewPool(context.Background(), backend, poolConfig(cfg.Pool))
	if err != nil {
		return nil, fmt.Errorf("failed to create device pool: %w", err)
	}

	cache := device.NewLRUGraphCache(cfg.Cache.MaxEntries)

	stageSet, err := buildStages(cfg, backend, pool, cache, metrics)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	orchestrator, err := application.NewOrchestrator(application.OrchestratorConfig{
		Stages:   stageSet,
		Pool:     pool,
		Defaults: cfg.Defaults,
		Observer: observer,
		Metrics:  metrics,
	})
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to assemble orchestrator: %w", err)
	}

	return &Engine{
		config:       cfg,
		backend:      backend,
		pool:         pool,
		cache:        cache,
		orchestrator: orchestrator,
		metrics:      metrics,
	}, nil
}

// Decide evaluates one decision: it simulates cfg.UniverseCount
// perturbed variants of dctx, scores every option in each with the
// caller's scorer, and synthesizes the recommendation. Zero fields in
// cfg fall back to the engine defaults. The error is ErrQuorumNotMet
// when too few universes completed, ErrDeviceUnavailable when no
// capacity existed, or the caller's context error on cancellation.
func (e *Engine) Decide(
	ctx context.Context,
	dctx DecisionContext,
	options []DecisionOption,
	scorer Scorer,
	cfg DecisionConfig,
) (*DecisionResult, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	result, err := e.orchestrator.Decide(ctx, dctx, options, scorer, cfg)
	e.recordSystemState()
	return result, err
}

// Config returns the resolved engine configuration.
func (e *Engine) Config() EngineConfig { return e.config }

// PoolStats returns a snapshot of device pool capacity and health.
func (e *Engine) PoolStats() device.PoolStats { return e.pool.Stats() }

// CacheStats returns a snapshot of the compiled-graph cache.
func (e *Engine) CacheStats() device.CacheStats { return e.cache.Stats() }

// Close stops the pool's background prober and marks the engine
// closed. Subsequent Decide calls return ErrEngineClosed; in-flight
// requests run to completion. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.closeErr = e.pool.Close()
	})
	return e.closeErr
}

// recordSystemState publishes pool and cache snapshots as gauges after
// each request, keeping shared-resource visibility current without a
// separate scrape loop.
func (e *Engine) recordSystemState() {
	pool := e.pool.Stats()
	poolLabels := map[string]string{"component": "device_pool"}
	e.metrics.RecordGauge("pool_devices", float64(pool.Devices), poolLabels)
	e.metrics.RecordGauge("pool_healthy_devices", float64(pool.HealthyDevices), poolLabels)
	e.metrics.RecordGauge("pool_capacity_slots", float64(pool.CapacitySlots), poolLabels)
	e.metrics.RecordGauge("pool_in_use_slots", float64(pool.InUseSlots), poolLabels)

	cache := e.cache.Stats()
	cacheLabels := map[string]string{"component": "graph_cache"}
	e.metrics.RecordGauge("graph_cache_entries", float64(cache.Entries), cacheLabels)
	e.metrics.RecordGauge("graph_cache_hits", float64(cache.Hits), cacheLabels)
	e.metrics.RecordGauge("graph_cache_misses", float64(cache.Misses), cacheLabels)
}

// buildBackend instantiates the configured backend type with the
// configured params and resilience middleware.
func buildBackend(cfg application.BackendConfig, metrics ports.MetricsCollector) (ports.DeviceBackend, error) {
	backendType := cfg.Type
	if backendType == "" {
		backendType = "cpu"
	}

	params, err := decodeBackendParams(cfg.Params)
	if err != nil {
		return nil, err
	}

	return device.NewBackend(backendType, device.BackendConfig{
		Params:     params,
		Middleware: backendMiddleware(cfg, metrics),
	})
}

// backendMiddleware assembles the dispatch middleware chain from the
// configuration. Tracing is outermost so spans cover the full dispatch
// including backoff; the rate limiter is innermost so retries pass
// through it again.
func backendMiddleware(cfg application.BackendConfig, metrics ports.MetricsCollector) []device.Middleware {
	chain := []device.Middleware{
		device.TracingMiddleware(),
		device.MetricsMiddleware(metrics),
	}

	if cfg.Retry.MaxAttempts > 0 {
		baseDelay := time.Duration(cfg.Retry.InitialWait) * time.Millisecond
		if baseDelay <= 0 {
			baseDelay = defaultRetryBaseDelay
		}
		maxDelay := time.Duration(cfg.Retry.MaxWait) * time.Millisecond
		if maxDelay <= 0 {
			maxDelay = defaultRetryMaxDelay
		}
		chain = append(chain, device.RetryMiddleware(cfg.Retry.MaxAttempts, baseDelay, maxDelay))
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		chain = append(chain, device.RateLimitMiddleware(
			rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst))
	}

	return chain
}

func decodeBackendParams(node yaml.Node) (map[string]any, error) {
	if node.IsZero() {
		return nil, nil
	}
	var params map[string]any
	if err := node.Decode(&params); err != nil {
		return nil, fmt.Errorf("failed to decode backend params: %w", err)
	}
	return params, nil
}

// poolConfig converts the engine-level pool settings to the device
// pool's native configuration. Zero fields select the pool's built-in
// defaults.
func poolConfig(cfg application.PoolConfig) device.PoolConfig {
	return device.PoolConfig{
		SlotBytes:     uint64(cfg.SlotBytes), // #nosec G115 -- validated non-negative by the config schema
		Headroom:      cfg.Headroom,
		ProbeInterval: time.Duration(cfg.ProbeInterval) * time.Millisecond,
		ProbeTimeout:  time.Duration(cfg.ProbeTimeout) * time.Millisecond,
	}
}

// parameterized is the reconfiguration surface shared by all stages.
type parameterized interface {
	UnmarshalParameters(params yaml.Node) error
}

// applyStageParams overlays a stage's YAML parameter document onto its
// defaults. A zero node leaves the defaults untouched.
func applyStageParams(stage parameterized, node yaml.Node) error {
	if node.IsZero() {
		return nil
	}
	return stage.UnmarshalParameters(node)
}

// buildStages constructs the four pipeline stages from the
// configuration and wraps the simulation stages with budget
// enforcement when limits are set.
func buildStages(
	cfg application.EngineConfig,
	backend ports.DeviceBackend,
	pool ports.DevicePool,
	cache ports.GraphCache,
	metrics ports.MetricsCollector,
) ([]ports.Stage, error) {
	sampler, err := stages.NewSamplerStage("sampler", stages.DefaultSamplerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create sampler: %w", err)
	}
	if err := applyStageParams(sampler, cfg.Stages.Sampler); err != nil {
		return nil, fmt.Errorf("sampler configuration: %w", err)
	}

	executor, err := stages.NewExecutorStage("executor", stages.DefaultExecutorConfig(), backend, pool, cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	if err := applyStageParams(executor, cfg.Stages.Executor); err != nil {
		return nil, fmt.Errorf("executor configuration: %w", err)
	}

	aggregator, err := stages.NewAggregatorStage("aggregator", stages.DefaultAggregatorConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}
	if err := applyStageParams(aggregator, cfg.Stages.Aggregator); err != nil {
		return nil, fmt.Errorf("aggregator configuration: %w", err)
	}

	synthesizer, err := stages.NewSynthesizerStage("synthesizer", stages.DefaultSynthesizerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	if err := applyStageParams(synthesizer, cfg.Stages.Synthesizer); err != nil {
		return nil, fmt.Errorf("synthesizer configuration: %w", err)
	}

	sampling := ports.Stage(sampler)
	executing := ports.Stage(executor)
	if cfg.Budget.MaxUniverses > 0 || cfg.Budget.MaxRetries > 0 {
		budget := middleware.BudgetFromConfig(cfg.Budget)
		sampling = middleware.NewBudgetManager(budget, sampling,
			middleware.NewOTelBudgetObserver(metrics, sampling.Name()))
		executing = middleware.NewBudgetManager(budget, executing,
			middleware.NewOTelBudgetObserver(metrics, executing.Name()))
	}

	return []ports.Stage{sampling, executing, aggregator, synthesizer}, nil
}
