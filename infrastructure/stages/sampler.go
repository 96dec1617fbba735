package stages

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/agnivade/levenshtein"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

var (
	_ ports.Stage = (*SamplerStage)(nil)

	// foldCaser is a package-level Unicode case folder for performance.
	// This avoids creating a new caser for each key comparison.
	foldCaser = cases.Fold()
)

// Distribution identifies the random distribution a feature's
// perturbation draws from.
type Distribution string

// Supported perturbation distributions.
const (
	// DistributionNormal draws deltas from a zero-mean normal
	// distribution with the configured standard deviation.
	DistributionNormal Distribution = "normal"

	// DistributionUniform draws deltas uniformly from
	// [-halfwidth, +halfwidth].
	DistributionUniform Distribution = "uniform"

	// DistributionNone passes the feature through unchanged while still
	// documenting the feature in the configuration.
	DistributionNone Distribution = "none"
)

// SamplerStage generates the perturbed universe set for a decision
// request. Each universe is a variant of the submitted context with
// per-feature noise applied, assigned round-robin across the granted
// devices.
//
// Perturbation is a pure function of (context, master seed, universe
// index): the per-universe seed is the master seed XORed with the
// FNV-1a hash of the universe index, and features are perturbed in
// sorted name order. Two runs with the same inputs produce byte-identical
// universes, on any host, which is what makes any decision replayable
// from its seed.
//
// The stage is stateless and thread-safe for concurrent execution.
type SamplerStage struct {
	// name is the unique identifier for this stage instance.
	name string
	// config contains the validated configuration parameters.
	// Immutable after stage creation to ensure thread safety.
	config SamplerConfig
	// tracer is the OpenTelemetry tracer for observability.
	tracer trace.Tracer
}

// PerturbationConfig describes how one context feature is perturbed
// across universes.
type PerturbationConfig struct {
	// Distribution selects the noise distribution for this feature.
	//
	// Supported values:
	//   - "normal": zero-mean Gaussian noise with StdDev
	//   - "uniform": noise drawn uniformly from [-HalfWidth, +HalfWidth]
	//   - "none": feature passes through unchanged
	Distribution Distribution `yaml:"distribution" json:"distribution" validate:"required,oneof=normal uniform none"`

	// StdDev is the standard deviation for the normal distribution.
	// Ignored for other distributions.
	StdDev float64 `yaml:"stddev" json:"stddev" validate:"min=0"`

	// HalfWidth is the half-width of the uniform distribution's support.
	// Ignored for other distributions.
	HalfWidth float64 `yaml:"halfwidth" json:"halfwidth" validate:"min=0"`
}

// SamplerConfig defines the configuration parameters for the SamplerStage.
// All fields are validated during stage creation and parameter unmarshaling.
type SamplerConfig struct {
	// Perturbations maps context feature names to their noise
	// configuration. Matching against the submitted context's features
	// is Unicode case-folded, so "Revenue" in the configuration matches
	// a "revenue" feature. Features with no entry pass through
	// unchanged; entries that match no feature produce a warning naming
	// the nearest feature by edit distance.
	Perturbations map[string]PerturbationConfig `yaml:"perturbations" json:"perturbations" validate:"dive"`

	// Antithetic enables antithetic pairing for variance reduction:
	// each odd-indexed universe mirrors the previous universe's
	// perturbation deltas around the base context. Pairing is
	// deterministic and preserves the reproducibility contract.
	//
	// Default: false.
	Antithetic bool `yaml:"antithetic" json:"antithetic"`
}

// NewSamplerStage creates a new SamplerStage with the specified
// configuration. Returns ErrEmptyStageName when name is empty, or a
// wrapped validation error when the configuration is invalid.
func NewSamplerStage(name string, config SamplerConfig) (*SamplerStage, error) {
	if name == "" {
		return nil, ErrEmptyStageName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &SamplerStage{
		name:   name,
		config: config,
		tracer: otel.Tracer("sampler-stage"),
	}, nil
}

// Name returns the unique identifier for this stage instance.
func (ss *SamplerStage) Name() string { return ss.name }

// Phase returns the lifecycle phase this stage drives.
func (ss *SamplerStage) Phase() domain.Phase { return domain.PhaseSampling }

// Execute generates the universe set for the request.
//
// State Requirements:
//   - domain.KeyDecisionContext: the situation being decided about
//   - domain.KeySeed: the master seed
//   - domain.KeyUniverseCount: the number of universes to generate
//   - domain.KeyDevices: the granted device handles, in assignment order
//
// State Updates:
//   - domain.KeyUniverses: the generated universes
//   - budget counters: universes launched
func (ss *SamplerStage) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	_, span := ss.tracer.Start(ctx, "SamplerStage.Execute",
		trace.WithAttributes(
			attribute.String("stage.id", ss.name),
			attribute.Bool("config.antithetic", ss.config.Antithetic),
		),
	)
	defer span.End()

	dctx, ok := domain.Get(state, domain.KeyDecisionContext)
	if !ok {
		err := fmt.Errorf("decision context not found in state")
		span.RecordError(err)
		return state, err
	}

	seed, ok := domain.Get(state, domain.KeySeed)
	if !ok {
		err := fmt.Errorf("seed not found in state")
		span.RecordError(err)
		return state, err
	}

	count, ok := domain.Get(state, domain.KeyUniverseCount)
	if !ok {
		err := fmt.Errorf("universe count not found in state")
		span.RecordError(err)
		return state, err
	}
	if count <= 0 {
		err := fmt.Errorf("universe count must be positive, got %d", count)
		span.RecordError(err)
		return state, err
	}

	devices, ok := domain.Get(state, domain.KeyDevices)
	if !ok || len(devices) == 0 {
		err := fmt.Errorf("no granted devices in state")
		span.RecordError(err)
		return state, err
	}

	schema := dctx.FeatureSchema()
	resolved, warnings := ss.resolvePerturbations(schema)
	for _, warning := range warnings {
		span.AddEvent("perturbation config warning",
			trace.WithAttributes(attribute.String("warning", warning)))
	}

	universes := make([]domain.Universe, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return state, err
		}

		derived := deriveSeed(seed, i)
		var variant domain.DecisionContext
		if ss.config.Antithetic && i%2 == 1 {
			variant = mirrorContext(dctx, universes[i-1].Context, schema)
		} else {
			variant = perturbContext(dctx, resolved, derived, schema)
		}

		universes[i] = domain.Universe{
			ID:      i,
			Seed:    derived,
			Context: variant,
			Device:  devices[i%len(devices)],
		}
	}

	span.SetAttributes(
		attribute.Int("sample.universes", count),
		attribute.Int("sample.devices", len(devices)),
		attribute.Int("sample.perturbed_features", len(resolved)),
	)

	newState := domain.With(state, domain.KeyUniverses, universes)
	return newState.UpdateBudgetUsage(int64(count), 0), nil
}

// resolvePerturbations matches configured perturbation keys against the
// context's feature schema using Unicode case folding. It returns the
// perturbations keyed by canonical feature name, plus a sorted list of
// warnings for configuration keys that matched no feature, each naming
// the nearest feature by edit distance.
func (ss *SamplerStage) resolvePerturbations(schema []string) (map[string]PerturbationConfig, []string) {
	canonical := make(map[string]string, len(schema))
	for _, name := range schema {
		canonical[foldCaser.String(name)] = name
	}

	resolved := make(map[string]PerturbationConfig, len(ss.config.Perturbations))
	var warnings []string
	for key, cfg := range ss.config.Perturbations {
		if name, ok := canonical[foldCaser.String(key)]; ok {
			resolved[name] = cfg
			continue
		}
		if nearest := nearestFeature(key, schema); nearest != "" {
			warnings = append(warnings, fmt.Sprintf(
				"perturbation key %q matches no context feature; nearest feature is %q", key, nearest))
		} else {
			warnings = append(warnings, fmt.Sprintf(
				"perturbation key %q matches no context feature", key))
		}
	}

	// Map iteration order varies between runs; sorting keeps warning
	// output stable.
	sort.Strings(warnings)
	return resolved, warnings
}

// perturbContext produces one perturbed variant of the base context.
// Features are visited in sorted schema order and noise is drawn from a
// PRNG seeded with the per-universe seed, so the result depends only on
// (base, resolved, seed).
func perturbContext(base domain.DecisionContext, resolved map[string]PerturbationConfig, seed int64, schema []string) domain.DecisionContext {
	variant := base.Clone()
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- reproducibility requires a seeded PRNG
	for _, name := range schema {
		cfg, ok := resolved[name]
		if !ok {
			continue
		}
		switch cfg.Distribution {
		case DistributionNormal:
			variant.Features[name] += rng.NormFloat64() * cfg.StdDev
		case DistributionUniform:
			variant.Features[name] += (2*rng.Float64() - 1) * cfg.HalfWidth
		case DistributionNone:
			// Explicit passthrough.
		}
	}
	return variant
}

// mirrorContext reflects the previous universe's perturbation deltas
// around the base context, producing the second member of an antithetic
// pair.
func mirrorContext(base, prev domain.DecisionContext, schema []string) domain.DecisionContext {
	variant := base.Clone()
	for _, name := range schema {
		variant.Features[name] = 2*base.Features[name] - prev.Features[name]
	}
	return variant
}

// deriveSeed computes the per-universe seed from the master seed and the
// universe index. The derivation is a pure function of its inputs, so
// any single universe can be regenerated without generating the ones
// before it.
func deriveSeed(master int64, index int) int64 {
	h := fnv.New64a()
	h.Write([]byte("universe:" + strconv.Itoa(index)))
	// The conversion reinterprets the hash bits as a signed value;
	// wraparound is intended.
	return master ^ int64(h.Sum64()) // #nosec G115
}

// nearestFeature returns the schema feature closest to key by
// Levenshtein distance over case-folded forms. Ties resolve to the
// lexicographically smaller name; an empty schema returns "".
func nearestFeature(key string, schema []string) string {
	folded := foldCaser.String(key)
	best := ""
	bestDistance := math.MaxInt
	for _, name := range schema {
		distance := levenshtein.ComputeDistance(folded, foldCaser.String(name))
		if distance < bestDistance || (distance == bestDistance && name < best) {
			bestDistance = distance
			best = name
		}
	}
	return best
}

// Validate checks if the stage is properly configured and ready for
// execution. Returns nil if validation passes, or a descriptive error
// indicating the configuration issue.
func (ss *SamplerStage) Validate() error {
	if err := validate.Struct(ss.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// UnmarshalParameters deserializes YAML configuration parameters and
// updates the stage's configuration.
//
// Example YAML:
//
//	perturbations:
//	  revenue: {distribution: normal, stddev: 5.0}
//	  risk: {distribution: uniform, halfwidth: 0.1}
//	antithetic: true
//
// This method modifies stage state and is NOT thread-safe. Callers must
// ensure exclusive access during reconfiguration.
func (ss *SamplerStage) UnmarshalParameters(params yaml.Node) error {
	var config SamplerConfig
	if err := params.Decode(&config); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	ss.config = config
	return nil
}

// DefaultSamplerConfig returns a SamplerConfig with production-ready
// defaults: no perturbations (every universe equals the base context)
// and antithetic pairing disabled. Callers add perturbation entries for
// the features whose uncertainty they want explored:
//
//	config := DefaultSamplerConfig()
//	config.Perturbations = map[string]PerturbationConfig{
//	    "revenue": {Distribution: DistributionNormal, StdDev: 5.0},
//	}
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{Perturbations: map[string]PerturbationConfig{}}
}

// NewSamplerFromConfig creates a SamplerStage from a configuration map.
// This is the boundary adapter for YAML/JSON configuration.
func NewSamplerFromConfig(id string, config map[string]any) (ports.Stage, error) {
	// Use yaml marshaling for clean conversion.
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	// Start with defaults, then overlay user config.
	cfg := DefaultSamplerConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return NewSamplerStage(id, cfg)
}
