package stages

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

var _ ports.Stage = (*SynthesizerStage)(nil)

// DefaultEpsilon is the utility half-width within which two options are
// considered tied.
const DefaultEpsilon = 1e-9

// SynthesizerStage turns per-option distributions into the final
// decision: it ranks options by the configured policy's utility and
// reports how separable the winner was from the field.
//
// Selection is fully deterministic. Utilities within epsilon of each
// other are tied; ties break to the lower variance, then to the
// lexicographically lower option ID, so repeated runs over identical
// distributions always pick the same option. Options flagged
// InsufficientData never become candidates — if every option is
// insufficient the stage returns a typed InsufficientDataError rather
// than guessing.
//
// The stage is stateless and thread-safe for concurrent execution.
type SynthesizerStage struct {
	// name is the unique identifier for this stage instance.
	name string
	// config contains the validated configuration parameters.
	config SynthesizerConfig
}

// SynthesizerConfig defines the configuration parameters for the
// SynthesizerStage.
type SynthesizerConfig struct {
	// Policy is the default selection policy name, resolved through the
	// policy factory registry. A request-level policy in the state
	// overrides it.
	//
	// Built-ins: "max_mean", "risk_averse".
	Policy string `yaml:"policy" json:"policy" validate:"required"`

	// Epsilon is the utility half-width within which two options are
	// considered tied and deterministic tie-breaking applies.
	Epsilon float64 `yaml:"epsilon" json:"epsilon" validate:"min=0"`

	// PolicyParams carries parameters for the selection policy, such as
	// risk_aversion for the risk_averse policy. Request-level
	// parameters in the state replace it wholesale.
	PolicyParams map[string]any `yaml:"policy_params" json:"policy_params"`
}

// NewSynthesizerStage creates a new SynthesizerStage with the specified
// configuration. Returns ErrEmptyStageName when name is empty, or a
// wrapped validation error when the configuration is invalid.
func NewSynthesizerStage(name string, config SynthesizerConfig) (*SynthesizerStage, error) {
	if name == "" {
		return nil, ErrEmptyStageName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &SynthesizerStage{
		name:   name,
		config: config,
	}, nil
}

// Name returns the unique identifier for this stage instance.
func (sys *SynthesizerStage) Name() string { return sys.name }

// Phase returns the lifecycle phase this stage drives.
func (sys *SynthesizerStage) Phase() domain.Phase { return domain.PhaseSynthesizing }

// Execute selects the best option from the aggregated distributions and
// assembles the DecisionResult.
//
// State Requirements:
//   - domain.KeyDistributions: per-option aggregate statistics
//
// State Updates:
//   - domain.KeyResult: the synthesized decision
//
// The policy name and parameters come from domain.KeyPolicy and
// domain.KeyPolicyParams when the request set them, otherwise from the
// stage configuration. Universe accounting for the result's diagnostics
// comes from domain.KeyOutcomes and domain.KeyUniverseCount when
// present.
func (sys *SynthesizerStage) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	distributions, ok := domain.Get(state, domain.KeyDistributions)
	if !ok {
		return state, fmt.Errorf("distributions not found in state")
	}
	if len(distributions) == 0 {
		return state, ErrNoDistributions
	}

	policyName := sys.config.Policy
	if override, found := domain.Get(state, domain.KeyPolicy); found && override != "" {
		policyName = override
	}
	params := sys.config.PolicyParams
	if override, found := domain.Get(state, domain.KeyPolicyParams); found && len(override) > 0 {
		params = override
	}

	policy, err := NewPolicy(policyName, params)
	if err != nil {
		return state, err
	}

	// Candidate IDs are sorted so that selection visits options in a
	// fixed order; combined with the deterministic comparator this
	// makes the choice reproducible across runs.
	candidates := make([]string, 0, len(distributions))
	for id, dist := range distributions {
		if !dist.InsufficientData {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)

	if len(candidates) == 0 {
		all := make([]string, 0, len(distributions))
		for id := range distributions {
			all = append(all, id)
		}
		sort.Strings(all)
		return state, domain.NewInsufficientDataError(all)
	}

	winnerID := candidates[0]
	for _, id := range candidates[1:] {
		if sys.better(policy, distributions[id], distributions[winnerID]) {
			winnerID = id
		}
	}

	runnerUpID := ""
	for _, id := range candidates {
		if id == winnerID {
			continue
		}
		if runnerUpID == "" || sys.better(policy, distributions[id], distributions[runnerUpID]) {
			runnerUpID = id
		}
	}

	okCount, failedCount, timedOutCount := outcomeCounts(state)
	requested, _ := domain.Get(state, domain.KeyUniverseCount)

	okFraction := 1.0
	if requested > 0 {
		okFraction = float64(okCount) / float64(requested)
	}

	winner := distributions[winnerID]
	confidence := okFraction
	if runnerUpID != "" {
		runnerUp := distributions[runnerUpID]
		confidence = separation(winner, runnerUp) * okFraction
	}
	confidence = clamp01(confidence)

	requestID, _ := domain.Get(state, domain.KeyRequestID)
	seed, _ := domain.Get(state, domain.KeySeed)

	result := &domain.DecisionResult{
		RequestID:     requestID,
		BestOption:    winnerID,
		Distributions: distributions,
		Confidence:    confidence,
		Policy:        policy.Name(),
		Seed:          seed,
		Diagnostics: domain.Diagnostics{
			UniversesRequested: requested,
			UniversesSucceeded: okCount,
			UniversesFailed:    failedCount,
			UniversesTimedOut:  timedOutCount,
		},
		Timestamp: time.Now().UTC(),
	}

	return domain.With(state, domain.KeyResult, result), nil
}

// better reports whether distribution a is strictly preferred over b
// under the policy: higher utility wins, utilities within epsilon are
// tied, and ties break to the lower variance, then the lower option ID.
func (sys *SynthesizerStage) better(policy ports.Policy, a, b domain.OutcomeDistribution) bool {
	ua, ub := policy.Utility(a), policy.Utility(b)
	switch {
	case ua-ub > sys.config.Epsilon:
		return true
	case ub-ua > sys.config.Epsilon:
		return false
	}
	if a.Variance != b.Variance {
		return a.Variance < b.Variance
	}
	return a.OptionID < b.OptionID
}

// separation scores how distinguishable the winner is from the
// runner-up: the probability, under a Welch z test, that the winner's
// true mean exceeds the runner-up's. Degenerate zero-variance cases
// resolve by the sign of the mean difference.
func separation(winner, runnerUp domain.OutcomeDistribution) float64 {
	delta := winner.Mean - runnerUp.Mean

	se1 := winner.StdDev / math.Sqrt(float64(winner.SampleCount))
	se2 := runnerUp.StdDev / math.Sqrt(float64(runnerUp.SampleCount))
	sigma := math.Sqrt(se1*se1 + se2*se2)

	switch {
	case sigma > 0:
		return distuv.Normal{Mu: 0, Sigma: 1}.CDF(delta / sigma)
	case delta > 0:
		return 1
	case delta < 0:
		return 0
	default:
		return 0.5
	}
}

// outcomeCounts tallies the outcome statuses recorded in the state.
// Missing outcomes yield all zeros; the synthesizer can still rank
// distributions handed to it directly.
func outcomeCounts(state domain.State) (okCount, failedCount, timedOutCount int) {
	outcomes, ok := domain.Get(state, domain.KeyOutcomes)
	if !ok {
		return 0, 0, 0
	}
	for _, outcome := range outcomes {
		switch outcome.Status {
		case domain.StatusOK:
			okCount++
		case domain.StatusFailed:
			failedCount++
		case domain.StatusTimedOut:
			timedOutCount++
		}
	}
	return okCount, failedCount, timedOutCount
}

// clamp01 bounds v to [0, 1].
func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Validate checks if the stage is properly configured and ready for
// execution, including that the configured policy has a registered
// factory.
func (sys *SynthesizerStage) Validate() error {
	if err := validate.Struct(sys.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if _, ok := policyFactories[sys.config.Policy]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, sys.config.Policy)
	}
	return nil
}

// UnmarshalParameters deserializes YAML configuration parameters and
// updates the stage's configuration.
//
// Example YAML:
//
//	policy: risk_averse
//	epsilon: 0.0001
//	policy_params:
//	  risk_aversion: 2.0
//
// This method modifies stage state and is NOT thread-safe. Callers must
// ensure exclusive access during reconfiguration.
func (sys *SynthesizerStage) UnmarshalParameters(params yaml.Node) error {
	var config SynthesizerConfig
	if err := params.Decode(&config); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	sys.config = config
	return nil
}

// DefaultSynthesizerConfig returns a SynthesizerConfig with
// production-ready defaults: the max_mean policy and a tie epsilon
// small enough to only absorb floating point noise.
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		Policy:  PolicyMaxMean,
		Epsilon: DefaultEpsilon,
	}
}

// NewSynthesizerFromConfig creates a SynthesizerStage from a
// configuration map. This is the boundary adapter for YAML/JSON
// configuration.
func NewSynthesizerFromConfig(id string, config map[string]any) (ports.Stage, error) {
	// Use yaml marshaling for clean conversion.
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	// Start with defaults, then overlay user config.
	cfg := DefaultSynthesizerConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return NewSynthesizerStage(id, cfg)
}
