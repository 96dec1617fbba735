package stages

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

var _ ports.Stage = (*AggregatorStage)(nil)

// normalApproximationThreshold is the sample count at which the normal
// quantile replaces the Student's t quantile in interval construction.
// Below it the t distribution's heavier tails matter.
const normalApproximationThreshold = 30

// DefaultConfidenceLevel is the confidence level used when neither the
// request nor the stage configuration specifies one.
const DefaultConfidenceLevel = 0.95

// AggregatorStage folds per-universe outcomes into one statistical
// summary per option: sample mean, unbiased variance, and a two-sided
// confidence interval around the mean.
//
// Only outcomes with status ok contribute. Accumulation uses Welford's
// online algorithm, which stays numerically stable when thousands of
// near-equal utilities stream in; the fold is commutative and
// associative, so outcome arrival order never changes the result.
// Options with fewer than two samples are flagged InsufficientData and
// get no interval rather than a misleadingly narrow one.
//
// The stage is stateless and thread-safe for concurrent execution.
type AggregatorStage struct {
	// name is the unique identifier for this stage instance.
	name string
	// config contains the validated configuration parameters.
	config AggregatorConfig
}

// AggregatorConfig defines the configuration parameters for the
// AggregatorStage.
type AggregatorConfig struct {
	// ConfidenceLevel is the default two-sided confidence level for
	// interval construction, e.g. 0.95. A request-level confidence
	// level in the state overrides it.
	ConfidenceLevel float64 `yaml:"confidence_level" json:"confidence_level" validate:"gt=0,lt=1"`
}

// NewAggregatorStage creates a new AggregatorStage with the specified
// configuration. Returns ErrEmptyStageName when name is empty, or a
// wrapped validation error when the configuration is invalid.
func NewAggregatorStage(name string, config AggregatorConfig) (*AggregatorStage, error) {
	if name == "" {
		return nil, ErrEmptyStageName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &AggregatorStage{
		name:   name,
		config: config,
	}, nil
}

// Name returns the unique identifier for this stage instance.
func (as *AggregatorStage) Name() string { return as.name }

// Phase returns the lifecycle phase this stage drives.
func (as *AggregatorStage) Phase() domain.Phase { return domain.PhaseAggregating }

// Execute aggregates universe outcomes into per-option distributions.
//
// State Requirements:
//   - domain.KeyOutcomes: the per-universe evaluation results
//   - domain.KeyOptions: the candidate options (every option gets a
//     distribution, even when no samples arrived for it)
//
// State Updates:
//   - domain.KeyDistributions: per-option aggregate statistics
//
// The confidence level comes from domain.KeyConfidenceLevel when the
// request set one, otherwise from the stage configuration.
func (as *AggregatorStage) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	outcomes, ok := domain.Get(state, domain.KeyOutcomes)
	if !ok {
		return state, fmt.Errorf("outcomes not found in state")
	}
	if len(outcomes) == 0 {
		return state, ErrNoOutcomes
	}

	options, ok := domain.Get(state, domain.KeyOptions)
	if !ok {
		return state, fmt.Errorf("options not found in state")
	}
	if len(options) == 0 {
		return state, ErrNoOptions
	}

	level := as.config.ConfidenceLevel
	if override, ok := domain.Get(state, domain.KeyConfidenceLevel); ok && override > 0 && override < 1 {
		level = override
	}

	// One accumulator per requested option. Scores attributed to
	// unrequested option IDs are ignored rather than inventing
	// candidates mid-request.
	accumulators := make(map[string]*domain.WelfordAccumulator, len(options))
	for _, opt := range options {
		accumulators[opt.ID] = &domain.WelfordAccumulator{}
	}

	for _, outcome := range outcomes {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if outcome.Status != domain.StatusOK {
			continue
		}
		for id, score := range outcome.Scores {
			if acc, known := accumulators[id]; known {
				acc.Add(score)
			}
		}
	}

	distributions := make(map[string]domain.OutcomeDistribution, len(options))
	for id, acc := range accumulators {
		distributions[id] = as.summarize(id, acc, level)
	}

	return domain.With(state, domain.KeyDistributions, distributions), nil
}

// summarize turns one option's accumulator into its distribution.
// Fewer than two samples yield an InsufficientData flag instead of an
// interval; the mean is still reported for whatever single sample
// arrived.
func (as *AggregatorStage) summarize(id string, acc *domain.WelfordAccumulator, level float64) domain.OutcomeDistribution {
	dist := domain.OutcomeDistribution{
		OptionID:    id,
		SampleCount: acc.Count(),
		Mean:        acc.Mean(),
	}
	if acc.Count() < 2 {
		dist.InsufficientData = true
		return dist
	}

	dist.Variance = acc.Variance()
	dist.StdDev = acc.StdDev()
	dist.Interval = confidenceInterval(acc.Mean(), acc.StdDev(), acc.Count(), level)
	return dist
}

// confidenceInterval computes the two-sided interval around the mean at
// the given level. The quantile comes from the standard normal when the
// sample is large and from Student's t with n-1 degrees of freedom when
// it is small.
func confidenceInterval(mean, stddev float64, n int, level float64) domain.ConfidenceInterval {
	se := stddev / math.Sqrt(float64(n))
	p := 1 - (1-level)/2

	var quantile float64
	if n >= normalApproximationThreshold {
		quantile = distuv.Normal{Mu: 0, Sigma: 1}.Quantile(p)
	} else {
		quantile = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(p)
	}

	margin := quantile * se
	return domain.ConfidenceInterval{
		Lower: mean - margin,
		Upper: mean + margin,
		Level: level,
	}
}

// Validate checks if the stage is properly configured and ready for
// execution.
func (as *AggregatorStage) Validate() error {
	if err := validate.Struct(as.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// UnmarshalParameters deserializes YAML configuration parameters and
// updates the stage's configuration.
//
// This method modifies stage state and is NOT thread-safe. Callers must
// ensure exclusive access during reconfiguration.
func (as *AggregatorStage) UnmarshalParameters(params yaml.Node) error {
	var config AggregatorConfig
	if err := params.Decode(&config); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	as.config = config
	return nil
}

// DefaultAggregatorConfig returns an AggregatorConfig with
// production-ready defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{ConfidenceLevel: DefaultConfidenceLevel}
}

// NewAggregatorFromConfig creates an AggregatorStage from a
// configuration map. This is the boundary adapter for YAML/JSON
// configuration.
func NewAggregatorFromConfig(id string, config map[string]any) (ports.Stage, error) {
	// Use yaml marshaling for clean conversion.
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	// Start with defaults, then overlay user config.
	cfg := DefaultAggregatorConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return NewAggregatorStage(id, cfg)
}
