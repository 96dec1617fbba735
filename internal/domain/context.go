package domain

import (
	"maps"
	"sort"
)

// DecisionContext describes the situation a decision is being made about.
// It is an opaque key-value feature map supplied by the caller and is
// immutable once submitted; the sampler perturbs copies, never the
// original.
type DecisionContext struct {
	// ID is an optional caller-supplied tag for the context, carried
	// through to traces and results.
	ID string `json:"id,omitempty"`

	// Features holds the numeric features of the situation. These are
	// the values the sampler perturbs.
	Features map[string]float64 `json:"features"`

	// Tags holds non-numeric attributes. They pass through sampling
	// unchanged and are visible to the scoring function.
	Tags map[string]string `json:"tags,omitempty"`
}

// FeatureSchema returns the feature names in sorted order. The schema
// identifies the shape of a context for graph compilation and keeps all
// per-feature iteration deterministic.
func (dc DecisionContext) FeatureSchema() []string {
	names := make([]string, 0, len(dc.Features))
	for name := range dc.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a DecisionContext whose feature map is an independent
// copy, suitable for perturbation. Tags are shared; they are never
// written after submission.
func (dc DecisionContext) Clone() DecisionContext {
	return DecisionContext{
		ID:       dc.ID,
		Features: maps.Clone(dc.Features),
		Tags:     dc.Tags,
	}
}

// DecisionOption is one of a finite, caller-supplied set of candidate
// actions to evaluate. The ID is the stable identifier used for score
// attribution, tie-breaking, and reporting.
type DecisionOption struct {
	// ID uniquely identifies this option within a request.
	ID string `json:"id"`

	// Attrs holds opaque numeric parameters of the option, visible to
	// the scoring function but never interpreted by the engine.
	Attrs map[string]float64 `json:"attrs,omitempty"`
}

// OptionIDs returns the identifiers of the given options in their
// original order.
func OptionIDs(options []DecisionOption) []string {
	ids := make([]string, len(options))
	for i, opt := range options {
		ids[i] = opt.ID
	}
	return ids
}
