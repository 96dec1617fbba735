package ports

import "github.com/ahrav/go-sibyl/internal/domain"

// Policy turns an option's outcome distribution into the single utility
// value the synthesizer ranks options by. Policies must be deterministic
// and stateless; the same distribution always yields the same utility.
type Policy interface {
	// Name returns the policy identifier, e.g. "max_mean".
	Name() string

	// Utility computes the ranking value for one option's distribution.
	// Higher is better.
	Utility(dist domain.OutcomeDistribution) float64
}

// PolicyFactory creates a Policy from request-level parameters. It allows
// callers to register custom risk preferences without modifying the
// engine.
type PolicyFactory func(params map[string]any) (Policy, error)
