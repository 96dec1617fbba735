package domain

import "time"

// Phase identifies where a decision request is in its lifecycle. A
// request moves strictly forward through the phases; Failed is terminal
// and reachable from any of them.
type Phase string

const (
	// PhaseReceived marks a request that has been accepted but not yet
	// started sampling.
	PhaseReceived Phase = "RECEIVED"

	// PhaseSampling marks universe generation in progress.
	PhaseSampling Phase = "SAMPLING"

	// PhaseExecuting marks device batches in flight.
	PhaseExecuting Phase = "EXECUTING"

	// PhaseAggregating marks outcome statistics being folded.
	PhaseAggregating Phase = "AGGREGATING"

	// PhaseSynthesizing marks policy selection in progress.
	PhaseSynthesizing Phase = "SYNTHESIZING"

	// PhaseCompleted marks a request that produced a DecisionResult.
	PhaseCompleted Phase = "COMPLETED"

	// PhaseFailed marks a request that ended in a terminal error.
	PhaseFailed Phase = "FAILED"
)

// Diagnostics reports how a decision request actually went: universe
// accounting, device incidents, and phase timings. It is attached to
// every DecisionResult and to QuorumNotMet failures so that partial
// outcomes are never silent.
type Diagnostics struct {
	// UniversesRequested is the fixed universe count N for the request.
	UniversesRequested int `json:"universes_requested"`

	// UniversesSucceeded counts outcomes with status ok.
	UniversesSucceeded int `json:"universes_succeeded"`

	// UniversesFailed counts outcomes lost to device errors.
	UniversesFailed int `json:"universes_failed"`

	// UniversesTimedOut counts outcomes lost to per-batch timeouts.
	UniversesTimedOut int `json:"universes_timed_out"`

	// DeviceRetries counts capped dispatch retries performed by the
	// backend middleware on behalf of this request.
	DeviceRetries int64 `json:"device_retries"`

	// QuorumRequired is the number of ok outcomes needed before a
	// result may be emitted.
	QuorumRequired int `json:"quorum_required"`

	// DevicesUsed lists the devices granted to the request.
	DevicesUsed []DeviceID `json:"devices_used,omitempty"`

	// DevicesFailed lists devices that raised during execution and were
	// handed to the pool for an async health re-check.
	DevicesFailed []DeviceID `json:"devices_failed,omitempty"`

	// PhaseTimings records wall time spent in each completed phase.
	PhaseTimings map[Phase]time.Duration `json:"phase_timings,omitempty"`

	// Elapsed is the total wall time of the request.
	Elapsed time.Duration `json:"elapsed"`
}

// DecisionResult is the final output of a decision request: the chosen
// option, the full distributional evidence for every option, and the
// diagnostics of how the simulation went.
type DecisionResult struct {
	// RequestID uniquely identifies the request that produced this
	// result (a UUID).
	RequestID string `json:"request_id"`

	// BestOption is the DecisionOption ID selected by the policy.
	BestOption string `json:"best_option"`

	// Distributions holds the aggregate statistics for every option,
	// keyed by option ID, so callers can audit the selection.
	Distributions map[string]OutcomeDistribution `json:"distributions"`

	// Confidence scores how separable the winner was from the field,
	// derived from sample counts and variances. Always in [0, 1].
	Confidence float64 `json:"confidence"`

	// Policy names the selection policy that chose BestOption.
	Policy string `json:"policy"`

	// Seed is the master seed the universes were generated from. Runs
	// replayed with this seed reproduce the universes byte for byte.
	Seed int64 `json:"seed"`

	// Diagnostics reports universe and device accounting for the
	// request.
	Diagnostics Diagnostics `json:"diagnostics"`

	// Timestamp records when this result was created.
	Timestamp time.Time `json:"timestamp"`
}
