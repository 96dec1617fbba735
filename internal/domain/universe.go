package domain

import "time"

// DeviceID identifies a single accelerator execution unit in the pool.
type DeviceID string

// Universe is a single perturbed variant of a DecisionContext. Universes
// are created by the sampler, consumed by the executor, and discarded
// after aggregation; they are never persisted.
type Universe struct {
	// ID is the sequential universe index, deterministic for a given
	// master seed.
	ID int `json:"id"`

	// Seed is the per-universe seed derived from the master seed and ID.
	Seed int64 `json:"seed"`

	// Context is the perturbed variant of the submitted context.
	Context DecisionContext `json:"context"`

	// Device is the pool handle this universe is assigned to, set
	// round-robin at sampling time.
	Device DeviceID `json:"device"`
}

// OutcomeStatus classifies how the evaluation of one universe ended.
type OutcomeStatus string

const (
	// StatusOK marks a universe whose options were all scored.
	StatusOK OutcomeStatus = "ok"

	// StatusFailed marks a universe lost to a device-level error.
	StatusFailed OutcomeStatus = "failed"

	// StatusTimedOut marks a universe lost to a per-batch timeout.
	StatusTimedOut OutcomeStatus = "timed_out"
)

// UniverseOutcome is the result of evaluating all candidate options
// against one universe. Every universe produces exactly one outcome,
// attributed to exactly one universe ID.
type UniverseOutcome struct {
	// UniverseID identifies the universe this outcome belongs to.
	UniverseID int `json:"universe_id"`

	// Scores maps DecisionOption IDs to scalar utility scores. It is
	// nil unless Status is StatusOK.
	Scores map[string]float64 `json:"scores,omitempty"`

	// ComputeDuration is the wall time of the device batch this
	// universe ran in.
	ComputeDuration time.Duration `json:"compute_duration"`

	// Status records whether the evaluation succeeded, failed, or
	// timed out.
	Status OutcomeStatus `json:"status"`
}
