package application

import (
	"gopkg.in/yaml.v3"
)

// EngineConfig defines the complete specification for a decision engine
// instance and serves as the primary configuration entry point for the
// system.
// Use EngineConfig to describe the device backend, pool sizing, stage
// behavior, and request defaults in one declarative document.
type EngineConfig struct {
	// Version specifies the configuration schema version using semantic
	// versioning to ensure compatibility across system updates.
	Version string `yaml:"version" validate:"required,semver"`
	// Metadata contains descriptive information about the engine
	// instance including name, tags, and labels for organization and
	// discovery.
	Metadata Metadata `yaml:"metadata" validate:"required"`
	// Backend selects and configures the device runtime that evaluates
	// universe batches, including its resilience middleware.
	Backend BackendConfig `yaml:"backend"`
	// Pool controls device reservation sizing: how much memory each
	// universe slot accounts for and how much headroom is left free.
	Pool PoolConfig `yaml:"pool"`
	// Cache bounds the compiled-graph cache shared across requests.
	Cache CacheConfig `yaml:"cache"`
	// Stages carries per-stage configuration as flexible YAML that is
	// validated against each stage's parameter schema.
	Stages StagesConfig `yaml:"stages"`
	// Budget defines per-request resource consumption limits enforced
	// at stage boundaries.
	Budget BudgetConfig `yaml:"budget"`
	// Defaults supplies request-level settings applied when a submitted
	// DecisionConfig leaves them unset.
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Metadata provides descriptive information about an engine instance
// to support organization, discovery, and operational management.
// Use Metadata to categorize engine deployments and provide context for
// operators and automated systems.
type Metadata struct {
	// Name is the human-readable identifier for this engine instance
	// and must be unique within the deployment scope.
	Name string `yaml:"name" validate:"required,min=1,max=255"`
	// Description provides a detailed explanation of the engine's
	// purpose and intended use cases for documentation and discovery.
	Description string `yaml:"description" validate:"max=1000"`
	// Tags are categorical labels that enable filtering and grouping
	// of engine instances by functional domain or operational
	// characteristics.
	Tags []string `yaml:"tags" validate:"max=20,dive,min=1,max=50"`
	// Labels are arbitrary key-value pairs that provide flexible
	// metadata for integration with external systems.
	Labels map[string]string `yaml:"labels" validate:"max=50"`
}

// BackendConfig selects the device runtime and its operational
// wrapping. The engine evaluates every universe batch through this
// backend, so its resilience settings bound the blast radius of
// transient device faults.
type BackendConfig struct {
	// Type names the registered backend implementation to instantiate,
	// such as "cpu". An empty value selects the default backend.
	Type string `yaml:"type" validate:"omitempty,alphanum,min=1,max=50"`
	// Params contains backend-specific configuration as flexible YAML,
	// such as the device count or per-device memory. Unknown keys are
	// ignored by backends that do not recognize them.
	Params yaml.Node `yaml:"params"`
	// Retry configures the dispatch retry behavior applied around
	// every backend operation for transient failures.
	Retry RetryConfig `yaml:"retry"`
	// RateLimit throttles backend dispatch to protect shared device
	// runtimes from request bursts.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RetryConfig specifies the error recovery strategy for device
// dispatch when transient failures occur.
// Use RetryConfig to define resilient behavior that can recover from
// temporary device faults or rate limiting without failing the request.
type RetryConfig struct {
	// MaxAttempts defines the number of retry attempts after the
	// initial dispatch, where 0 disables retries entirely.
	MaxAttempts int `yaml:"max_attempts" validate:"min=0,max=10"`
	// InitialWait specifies the base delay in milliseconds before the
	// first retry attempt, doubled on each subsequent attempt.
	InitialWait int `yaml:"initial_wait_ms" validate:"omitempty,min=0,max=60000"`
	// MaxWait caps the delay in milliseconds between retry attempts to
	// prevent excessively long waits under exponential backoff.
	MaxWait int `yaml:"max_wait_ms" validate:"omitempty,min=0,max=300000"`
}

// RateLimitConfig throttles device dispatch using a token bucket.
// A zero RequestsPerSecond disables throttling.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained dispatch rate allowed against
	// the backend across all devices.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"omitempty,min=0"`
	// Burst is the number of dispatches that may exceed the sustained
	// rate momentarily. Required to be positive when a rate is set.
	Burst int `yaml:"burst" validate:"omitempty,min=0,max=10000"`
}

// PoolConfig sizes the device reservation pool. Slots are the unit of
// admission: each universe occupies one slot, and each device offers
// floor(total_memory × headroom ÷ slot_bytes) of them.
type PoolConfig struct {
	// SlotBytes is the memory accounted to each universe slot. Zero
	// selects the pool's built-in default.
	SlotBytes int64 `yaml:"slot_bytes" validate:"omitempty,min=1"`
	// Headroom is the fraction of device memory usable for slots, in
	// (0.0, 1.0]. Zero selects the pool's built-in default.
	Headroom float64 `yaml:"headroom" validate:"omitempty,gt=0,lte=1"`
	// ProbeInterval is the period in milliseconds between re-admission
	// probes of unhealthy devices.
	ProbeInterval int `yaml:"probe_interval_ms" validate:"omitempty,min=1,max=3600000"`
	// ProbeTimeout bounds each health check in milliseconds.
	ProbeTimeout int `yaml:"probe_timeout_ms" validate:"omitempty,min=1,max=60000"`
}

// CacheConfig bounds the compiled-graph cache. Compilation is the
// expensive step of dispatch, so the cache size directly trades memory
// for repeat-request latency.
type CacheConfig struct {
	// MaxEntries is the number of compiled graphs retained before LRU
	// eviction. Zero selects the built-in default.
	MaxEntries int `yaml:"max_entries" validate:"omitempty,min=1,max=100000"`
}

// StagesConfig carries per-stage parameters as flexible YAML nodes.
// Each node is decoded against the owning stage's parameter schema, so
// stage-specific settings stay out of the engine-level schema.
type StagesConfig struct {
	// Sampler configures universe generation: perturbation shapes per
	// feature and antithetic pairing.
	Sampler yaml.Node `yaml:"sampler"`
	// Executor configures batch dispatch, such as the per-batch timeout.
	Executor yaml.Node `yaml:"executor"`
	// Aggregator configures outcome statistics, such as the default
	// confidence level for intervals.
	Aggregator yaml.Node `yaml:"aggregator"`
	// Synthesizer configures decision selection: the default policy,
	// its parameters, and the utility tie epsilon.
	Synthesizer yaml.Node `yaml:"synthesizer"`
}

// BudgetConfig establishes per-request resource consumption limits to
// prevent runaway simulations and ensure predictable resource usage.
// Limits are enforced at stage boundaries; zero means unlimited.
type BudgetConfig struct {
	// MaxUniverses limits the total number of universes a single
	// request may launch.
	MaxUniverses int64 `yaml:"max_universes" validate:"omitempty,min=1,max=100000000"`
	// MaxRetries limits the cumulative device dispatch retries a
	// single request may consume.
	MaxRetries int64 `yaml:"max_retries" validate:"omitempty,min=1,max=1000000"`
}

// DefaultsConfig supplies engine-level defaults for request settings.
// A submitted DecisionConfig overrides these field by field; fields
// left zero here fall back to the engine's built-in defaults.
type DefaultsConfig struct {
	// UniverseCount is the default number of universes per request.
	UniverseCount int `yaml:"universe_count" validate:"omitempty,min=1,max=1000000"`
	// DeadlineMS is the default request deadline in milliseconds.
	// Zero means no deadline beyond the caller's context.
	DeadlineMS int `yaml:"deadline_ms" validate:"omitempty,min=1,max=86400000"`
	// QuorumFraction is the default fraction of requested universes
	// that must succeed before a result may be emitted.
	QuorumFraction float64 `yaml:"quorum_fraction" validate:"omitempty,gt=0,lte=1"`
	// ConfidenceLevel is the default level for interval estimates.
	ConfidenceLevel float64 `yaml:"confidence_level" validate:"omitempty,gt=0,lt=1"`
	// Policy is the default selection policy name.
	Policy string `yaml:"policy" validate:"omitempty,min=1,max=100"`
}

// DefaultEngineConfig returns an EngineConfig with production-ready
// defaults: the CPU backend, built-in pool and cache sizing, and the
// standard request defaults. Callers typically start from this value
// and override selectively.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Version: "1.0.0",
		Metadata: Metadata{
			Name:        "sibyl-engine",
			Description: "Scenario-simulation decision engine with default settings.",
		},
		Backend: BackendConfig{Type: "cpu"},
		Defaults: DefaultsConfig{
			UniverseCount:   1000,
			QuorumFraction:  0.9,
			ConfidenceLevel: 0.95,
			Policy:          "max_mean",
		},
	}
}
