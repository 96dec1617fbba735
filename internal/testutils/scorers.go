// Package testutils provides utilities for testing, including scorer
// doubles and scenario generators. These components are intended for
// internal use within the project's test suites and are not part of
// the public API.
package testutils

import (
	"sync/atomic"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// LinearScorer returns a scorer computing the dot product of the
// option's attributes with the context's features: for every attribute
// name present in both, attr value times feature value is added to the
// utility. Because the score is linear in the features, its expected
// value under zero-mean perturbation equals the score at the feature
// means, which makes results analytically checkable in tests.
func LinearScorer() ports.Scorer {
	return ports.ScorerFunc(func(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error) {
		utility := 0.0
		for name, weight := range option.Attrs {
			if feature, ok := uctx.Features[name]; ok {
				utility += weight * feature
			}
		}
		return utility, nil
	})
}

// RevenueRiskScorer returns the scorer used across the engine's own
// tests: margin times demand minus risk cost times volatility. Options
// carry "margin" and "risk_cost" attributes; contexts carry "demand"
// and "volatility" features.
func RevenueRiskScorer() ports.Scorer {
	return ports.ScorerFunc(func(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error) {
		revenue := option.Attrs["margin"] * uctx.Features["demand"]
		risk := option.Attrs["risk_cost"] * uctx.Features["volatility"]
		return revenue - risk, nil
	})
}

// SlowScorer wraps a scorer with a fixed per-call delay, for deadline
// and timeout tests.
func SlowScorer(delay time.Duration, inner ports.Scorer) ports.Scorer {
	return ports.ScorerFunc(func(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error) {
		time.Sleep(delay)
		return inner.Score(uctx, option)
	})
}

// FailingScorer returns a scorer that always fails with the given
// error, for device-failure paths.
func FailingScorer(err error) ports.Scorer {
	return ports.ScorerFunc(func(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error) {
		return 0, err
	})
}

// CountingScorer wraps a scorer and counts invocations. Safe for
// concurrent use.
type CountingScorer struct {
	inner ports.Scorer
	calls atomic.Int64
}

// NewCountingScorer creates a CountingScorer around inner.
func NewCountingScorer(inner ports.Scorer) *CountingScorer {
	return &CountingScorer{inner: inner}
}

// Score implements the Scorer interface, counting the call before
// delegating.
func (c *CountingScorer) Score(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error) {
	c.calls.Add(1)
	return c.inner.Score(uctx, option)
}

// Calls reports how many times Score has been invoked.
func (c *CountingScorer) Calls() int64 { return c.calls.Load() }

// BasicContext returns a small pricing context used as a fixture across
// the test suites.
func BasicContext() domain.DecisionContext {
	return domain.DecisionContext{
		ID: "pricing-q3",
		Features: map[string]float64{
			"demand":     100,
			"volatility": 10,
		},
		Tags: map[string]string{"region": "emea"},
	}
}

// TwoOptions returns the steady/aggressive option pair used as a
// fixture across the test suites. Under RevenueRiskScorer with
// BasicContext, "aggressive" has the higher expected utility and
// "steady" the lower variance.
func TwoOptions() []domain.DecisionOption {
	return []domain.DecisionOption{
		{ID: "steady", Attrs: map[string]float64{"margin": 1.0, "risk_cost": 0.1}},
		{ID: "aggressive", Attrs: map[string]float64{"margin": 1.5, "risk_cost": 3.0}},
	}
}
