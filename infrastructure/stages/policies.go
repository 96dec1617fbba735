package stages

import (
	"fmt"

	"github.com/ahrav/go-sibyl/infrastructure/device"
	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// Built-in selection policy names.
const (
	// PolicyMaxMean ranks options by mean utility alone.
	PolicyMaxMean = "max_mean"

	// PolicyRiskAverse ranks options by mean utility penalized by
	// spread: mean - k*stddev.
	PolicyRiskAverse = "risk_averse"
)

// DefaultRiskAversion is the risk aversion coefficient k used by the
// risk_averse policy when the caller does not supply one.
const DefaultRiskAversion = 1.0

// Policy factory registry for extensibility.
// This allows registration of custom risk preferences at startup
// while keeping engine code independent of concrete policies.
var policyFactories = map[string]ports.PolicyFactory{}

// RegisterPolicyFactory allows registration of custom selection policy
// factories. This enables callers to encode their own risk preferences
// without modifying the core library code. Registration is not
// synchronized; register during initialization, before requests run.
func RegisterPolicyFactory(name string, factory ports.PolicyFactory) {
	policyFactories[name] = factory
}

// NewPolicy creates a selection policy by name with the given
// parameters. Unknown names return ErrUnknownPolicy.
func NewPolicy(name string, params map[string]any) (ports.Policy, error) {
	factory, ok := policyFactories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}

	policy, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy %q: %w", name, err)
	}
	return policy, nil
}

func init() {
	RegisterPolicyFactory(PolicyMaxMean, newMaxMeanPolicy)
	RegisterPolicyFactory(PolicyRiskAverse, newRiskAversePolicy)
}

// maxMeanPolicy selects purely on expected utility. It is the right
// default when outcome spread is acceptable risk.
type maxMeanPolicy struct{}

func newMaxMeanPolicy(_ map[string]any) (ports.Policy, error) {
	return maxMeanPolicy{}, nil
}

// Name returns the policy identifier.
func (maxMeanPolicy) Name() string { return PolicyMaxMean }

// Utility returns the option's mean utility.
func (maxMeanPolicy) Utility(dist domain.OutcomeDistribution) float64 {
	return dist.Mean
}

// riskAversePolicy penalizes outcome spread: an option with a slightly
// lower mean but much tighter distribution can outrank a high-variance
// one. The penalty weight k comes from the "risk_aversion" parameter.
type riskAversePolicy struct {
	k float64
}

func newRiskAversePolicy(params map[string]any) (ports.Policy, error) {
	k := device.ExtractOptionalFloat64(params, "risk_aversion", DefaultRiskAversion, device.IsNonNegativeFloat)
	return riskAversePolicy{k: k}, nil
}

// Name returns the policy identifier.
func (riskAversePolicy) Name() string { return PolicyRiskAverse }

// Utility returns mean - k*stddev.
func (p riskAversePolicy) Utility(dist domain.OutcomeDistribution) float64 {
	return dist.Mean - p.k*dist.StdDev
}
