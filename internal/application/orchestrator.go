package application

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// Built-in request defaults, applied when neither the submitted
// DecisionConfig nor the engine's configured defaults set a value.
const (
	// DefaultUniverseCount is the number of universes simulated per
	// request.
	DefaultUniverseCount = 1000

	// DefaultQuorumFraction is the fraction of requested universes
	// that must succeed before a result may be emitted.
	DefaultQuorumFraction = 0.9

	// DefaultConfidenceLevel is the level for interval estimates.
	DefaultConfidenceLevel = 0.95

	// DefaultPolicy is the selection policy used when none is named.
	DefaultPolicy = "max_mean"
)

// quorumEpsilon absorbs float64 representation error when computing
// ceil(fraction × count), so 0.9 × 1000 requires 900 universes, not 901.
const quorumEpsilon = 1e-9

// DecisionConfig carries the per-request settings for one decision.
// Zero fields take the engine's configured defaults, then the built-in
// defaults, so the zero value is a usable configuration.
type DecisionConfig struct {
	// UniverseCount is the number of perturbed universes to simulate.
	UniverseCount int `json:"universe_count" validate:"min=1,max=1000000"`

	// Seed is the master seed for universe generation. Zero requests a
	// random seed, which is echoed in the result for replay.
	Seed int64 `json:"seed"`

	// DeadlineMS bounds the request wall time in milliseconds. Zero
	// means no deadline beyond the caller's context.
	DeadlineMS int `json:"deadline_ms" validate:"min=0,max=86400000"`

	// QuorumFraction is the fraction of requested universes that must
	// complete ok before a result may be emitted.
	QuorumFraction float64 `json:"quorum_fraction" validate:"gt=0,lte=1"`

	// ConfidenceLevel is the level for the per-option interval
	// estimates, e.g. 0.95.
	ConfidenceLevel float64 `json:"confidence_level" validate:"gt=0,lt=1"`

	// Policy names the selection policy ranking the options.
	Policy string `json:"policy" validate:"required,min=1,max=100"`

	// RiskAversion is the risk_averse policy's penalty coefficient.
	// Ignored by policies that do not read it.
	RiskAversion float64 `json:"risk_aversion" validate:"min=0"`

	// PolicyParams carries additional parameters for custom policies.
	PolicyParams map[string]any `json:"policy_params,omitempty"`
}

// Deadline returns the request deadline as a duration. Zero means the
// request runs without its own deadline.
func (c DecisionConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMS) * time.Millisecond
}

// withDefaults fills zero fields from the engine defaults, then from
// the built-in defaults.
func (c DecisionConfig) withDefaults(defaults DefaultsConfig) DecisionConfig {
	merged := c
	if merged.UniverseCount == 0 {
		merged.UniverseCount = defaults.UniverseCount
	}
	if merged.UniverseCount == 0 {
		merged.UniverseCount = DefaultUniverseCount
	}
	if merged.DeadlineMS == 0 {
		merged.DeadlineMS = defaults.DeadlineMS
	}
	if merged.QuorumFraction == 0 {
		merged.QuorumFraction = defaults.QuorumFraction
	}
	if merged.QuorumFraction == 0 {
		merged.QuorumFraction = DefaultQuorumFraction
	}
	if merged.ConfidenceLevel == 0 {
		merged.ConfidenceLevel = defaults.ConfidenceLevel
	}
	if merged.ConfidenceLevel == 0 {
		merged.ConfidenceLevel = DefaultConfidenceLevel
	}
	if merged.Policy == "" {
		merged.Policy = defaults.Policy
	}
	if merged.Policy == "" {
		merged.Policy = DefaultPolicy
	}
	return merged
}

// resolvedPolicyParams merges the RiskAversion shorthand into the
// policy parameter map. An explicit risk_aversion entry wins over the
// shorthand field.
func (c DecisionConfig) resolvedPolicyParams() map[string]any {
	if c.RiskAversion == 0 && len(c.PolicyParams) == 0 {
		return nil
	}
	params := make(map[string]any, len(c.PolicyParams)+1)
	for k, v := range c.PolicyParams {
		params[k] = v
	}
	if c.RiskAversion > 0 {
		if _, ok := params["risk_aversion"]; !ok {
			params["risk_aversion"] = c.RiskAversion
		}
	}
	return params
}

// OrchestratorConfig collects the dependencies for an Orchestrator.
type OrchestratorConfig struct {
	// Stages holds one stage per pipeline phase: sampling, executing,
	// aggregating, and synthesizing. Order does not matter; stages are
	// sequenced by their Phase.
	Stages []ports.Stage

	// Pool grants and reclaims device slots across requests.
	Pool ports.DevicePool

	// Defaults supplies engine-level request defaults.
	Defaults DefaultsConfig

	// Observer receives phase transition notifications. May be nil.
	Observer ports.StageObserver

	// Metrics records operational metrics. May be nil.
	Metrics ports.MetricsCollector
}

// Orchestrator drives a decision request through its lifecycle:
// admission and device acquisition, the simulation pipeline (sampling,
// executing), the quorum gate, and the synthesis pipeline (aggregating,
// synthesizing). It owns no per-request state; everything a request
// needs flows through its immutable State, so concurrent Decide calls
// are safe.
type Orchestrator struct {
	// simulation runs the sampling and executing stages under the
	// request deadline.
	simulation *Pipeline
	// synthesis runs the aggregating and synthesizing stages, detached
	// from the request deadline once quorum is met.
	synthesis *Pipeline
	// pool grants device slots; the only shared mutable state touched
	// per request.
	pool     ports.DevicePool
	defaults DefaultsConfig
	observer ports.StageObserver
	metrics  ports.MetricsCollector
}

// NewOrchestrator validates the stage set and assembles the two
// execution pipelines. Every pipeline phase must be covered by exactly
// one stage, and each stage must pass its own Validate check.
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("device pool is required")
	}

	byPhase := make(map[domain.Phase]ports.Stage, len(config.Stages))
	for _, stage := range config.Stages {
		if stage == nil {
			return nil, fmt.Errorf("cannot use nil stage")
		}
		if err := stage.Validate(); err != nil {
			return nil, fmt.Errorf("stage %s validation failed: %w", stage.Name(), err)
		}
		phase := stage.Phase()
		if existing, ok := byPhase[phase]; ok {
			return nil, fmt.Errorf("phase %s claimed by both %s and %s", phase, existing.Name(), stage.Name())
		}
		byPhase[phase] = stage
	}

	simulation := NewPipeline("simulation", config.Observer, config.Metrics)
	for _, phase := range []domain.Phase{domain.PhaseSampling, domain.PhaseExecuting} {
		stage, ok := byPhase[phase]
		if !ok {
			return nil, fmt.Errorf("no stage provided for phase %s", phase)
		}
		if err := simulation.Add(stage); err != nil {
			return nil, err
		}
		delete(byPhase, phase)
	}

	synthesis := NewPipeline("synthesis", config.Observer, config.Metrics)
	for _, phase := range []domain.Phase{domain.PhaseAggregating, domain.PhaseSynthesizing} {
		stage, ok := byPhase[phase]
		if !ok {
			return nil, fmt.Errorf("no stage provided for phase %s", phase)
		}
		if err := synthesis.Add(stage); err != nil {
			return nil, err
		}
		delete(byPhase, phase)
	}

	for phase, stage := range byPhase {
		return nil, fmt.Errorf("stage %s drives phase %s, which is not part of the pipeline", stage.Name(), phase)
	}

	return &Orchestrator{
		simulation: simulation,
		synthesis:  synthesis,
		pool:       config.Pool,
		defaults:   config.Defaults,
		observer:   config.Observer,
		metrics:    config.Metrics,
	}, nil
}

// Decide runs one decision request to completion. It resolves the
// request configuration against the engine defaults, acquires device
// slots, simulates the universe set, enforces the quorum, and
// synthesizes the result.
//
// Outcomes that completed before the request deadline still count:
// when the deadline fires mid-execution but quorum is met, aggregation
// and synthesis proceed detached from the expired deadline. Only caller
// cancellation abandons a request outright.
func (o *Orchestrator) Decide(
	ctx context.Context,
	dctx domain.DecisionContext,
	options []domain.DecisionOption,
	scorer ports.Scorer,
	cfg DecisionConfig,
) (*domain.DecisionResult, error) {
	start := time.Now()

	cfg = cfg.withDefaults(o.defaults)
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("decision config validation failed: %w", err)
	}
	if err := validateRequest(options, scorer); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()

	seed := cfg.Seed
	if seed == 0 {
		var err error
		if seed, err = randomSeed(); err != nil {
			return nil, fmt.Errorf("failed to draw a master seed: %w", err)
		}
	}

	runCtx := ctx
	if cfg.DeadlineMS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Deadline())
		defer cancel()
	}

	// RECEIVED covers admission: device acquisition and state setup.
	recvCtx := runCtx
	if o.observer != nil {
		recvCtx = o.observer.PhaseStarted(runCtx, requestID, domain.PhaseReceived)
	}
	recvStart := time.Now()
	grant, err := o.pool.Acquire(runCtx, cfg.UniverseCount)
	recvElapsed := time.Since(recvStart)
	if o.observer != nil {
		o.observer.PhaseCompleted(recvCtx, requestID, domain.PhaseReceived, recvElapsed, err)
	}
	if err != nil {
		return nil, o.fail(ctx, requestID, start, err)
	}
	defer o.pool.Release(grant)

	ring := assignmentRing(grant)
	if len(ring) == 0 {
		return nil, o.fail(ctx, requestID, start, domain.NewDeviceUnavailableError(cfg.UniverseCount, 0))
	}

	// A partial grant degrades the request to the granted slot count.
	// Quorum is still judged against the requested count, so a large
	// shortfall surfaces as a quorum failure rather than silently
	// shrinking the sample.
	effective := len(ring)
	required := quorumRequired(cfg.UniverseCount, cfg.QuorumFraction)

	state := domain.NewState().WithRequestContext(domain.RequestContext{
		RequestID:     requestID,
		Seed:          seed,
		UniverseCount: effective,
	})
	state = domain.With(state, domain.KeyDecisionContext, dctx.Clone())
	state = domain.With(state, domain.KeyOptions, slices.Clone(options))
	state = domain.With(state, ports.KeyScorer, scorer)
	state = domain.With(state, domain.KeyDevices, ring)
	state = domain.With(state, domain.KeyPhase, domain.PhaseReceived)
	state = domain.With(state, domain.KeyConfidenceLevel, cfg.ConfidenceLevel)
	state = domain.With(state, domain.KeyPolicy, cfg.Policy)
	if params := cfg.resolvedPolicyParams(); params != nil {
		state = domain.With(state, domain.KeyPolicyParams, params)
	}
	state = domain.With(state, domain.KeyPhaseTimings,
		map[domain.Phase]time.Duration{domain.PhaseReceived: recvElapsed})

	simState, err := o.simulation.Execute(runCtx, state)
	if err != nil {
		// A deadline expiry during simulation means too few universes
		// completed in time: that is a quorum failure, reported with
		// whatever outcome counts exist.
		if errors.Is(err, context.DeadlineExceeded) {
			okCount, failedCount, timedOutCount := countOutcomes(simState)
			quorumErr := domain.NewQuorumNotMetError(required, okCount, failedCount, timedOutCount)
			return nil, o.fail(ctx, requestID, start, quorumErr)
		}
		return nil, o.fail(ctx, requestID, start, err)
	}
	state = simState

	okCount, failedCount, timedOutCount := countOutcomes(state)
	o.recordUniverseOutcomes(okCount, failedCount, timedOutCount)
	if okCount < required {
		quorumErr := domain.NewQuorumNotMetError(required, okCount, failedCount, timedOutCount)
		return nil, o.fail(ctx, requestID, start, quorumErr)
	}

	// Quorum is met. If our own deadline fired during execution the
	// completed outcomes still deserve aggregation, so synthesis runs
	// detached from the expired deadline. Caller cancellation still
	// aborts: an abandoned request has no reader.
	synthCtx := runCtx
	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return nil, o.fail(ctx, requestID, start, ctx.Err())
		}
		synthCtx = context.WithoutCancel(ctx)
	}

	state, err = o.synthesis.Execute(synthCtx, state)
	if err != nil {
		return nil, o.fail(ctx, requestID, start, err)
	}

	result, found := domain.Get(state, domain.KeyResult)
	if !found || result == nil {
		return nil, o.fail(ctx, requestID, start, fmt.Errorf("pipeline completed without a result"))
	}

	final := finalizeResult(result, state, grant, cfg, required, start)
	o.markTerminal(ctx, requestID, domain.PhaseCompleted, final.Diagnostics.Elapsed, nil)
	o.recordDecision("completed", final.Diagnostics.Elapsed)
	return final, nil
}

// fail records the terminal FAILED transition and wraps the error with
// the request ID for log correlation. Classification sentinels survive
// the wrap for errors.Is and errors.As.
func (o *Orchestrator) fail(ctx context.Context, requestID string, start time.Time, err error) error {
	elapsed := time.Since(start)
	o.markTerminal(ctx, requestID, domain.PhaseFailed, elapsed, err)
	o.recordDecision(classifyDecisionError(err), elapsed)
	return fmt.Errorf("decision request %s: %w", requestID, err)
}

// markTerminal emits a zero-length phase marker for the terminal
// COMPLETED or FAILED transition.
func (o *Orchestrator) markTerminal(ctx context.Context, requestID string, phase domain.Phase, elapsed time.Duration, err error) {
	if o.observer == nil {
		return
	}
	termCtx := o.observer.PhaseStarted(ctx, requestID, phase)
	o.observer.PhaseCompleted(termCtx, requestID, phase, elapsed, err)
}

func (o *Orchestrator) recordDecision(status string, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	labels := map[string]string{"status": status}
	o.metrics.RecordCounter("decision_requests_total", 1, labels)
	o.metrics.RecordLatency("decide", elapsed, labels)
}

func (o *Orchestrator) recordUniverseOutcomes(okCount, failedCount, timedOutCount int) {
	if o.metrics == nil {
		return
	}
	counts := map[string]int{
		"ok":        okCount,
		"failed":    failedCount,
		"timed_out": timedOutCount,
	}
	for status, count := range counts {
		if count == 0 {
			continue
		}
		o.metrics.RecordCounter("universe_outcomes_total", float64(count), map[string]string{"status": status})
	}
}

// finalizeResult completes the synthesized result with the
// orchestrator-level diagnostics: requested counts, quorum, device
// accounting, retries, and phase timings. The state-held result is
// copied, never mutated.
func finalizeResult(
	result *domain.DecisionResult,
	state domain.State,
	grant *ports.DeviceGrant,
	cfg DecisionConfig,
	required int,
	start time.Time,
) *domain.DecisionResult {
	final := *result
	diag := final.Diagnostics

	diag.UniversesRequested = cfg.UniverseCount
	diag.QuorumRequired = required
	diag.DeviceRetries = state.GetBudgetUsage().DeviceRetries
	diag.DevicesUsed = slices.Clone(grant.Devices)
	if failed, ok := domain.Get(state, domain.KeyFailedDevices); ok {
		diag.DevicesFailed = slices.Clone(failed)
	}
	if timings, ok := domain.Get(state, domain.KeyPhaseTimings); ok {
		diag.PhaseTimings = timings
	}
	diag.Elapsed = time.Since(start)

	final.Diagnostics = diag
	return &final
}

// classifyDecisionError maps a terminal error to the status label used
// by the decision counter.
func classifyDecisionError(err error) string {
	switch {
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, domain.ErrQuorumNotMet):
		return "quorum_not_met"
	case errors.Is(err, domain.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// validateRequest checks the caller-supplied request inputs.
func validateRequest(options []domain.DecisionOption, scorer ports.Scorer) error {
	if scorer == nil {
		return fmt.Errorf("scorer is required")
	}
	if len(options) == 0 {
		return fmt.Errorf("at least one option is required")
	}
	seen := make(map[string]struct{}, len(options))
	for _, option := range options {
		if option.ID == "" {
			return fmt.Errorf("option IDs cannot be empty")
		}
		if _, dup := seen[option.ID]; dup {
			return fmt.Errorf("duplicate option ID %q", option.ID)
		}
		seen[option.ID] = struct{}{}
	}
	return nil
}

// quorumRequired computes ceil(fraction × count) with float error
// absorbed, the number of ok outcomes needed before a result may be
// emitted.
func quorumRequired(count int, fraction float64) int {
	return int(math.Ceil(fraction*float64(count) - quorumEpsilon))
}

// assignmentRing flattens a grant into the device sequence universes
// are dealt onto: round-robin across devices, skipping devices whose
// reserved slots are exhausted. The ring length equals the granted slot
// total, so position i in the ring is exactly universe i's device.
func assignmentRing(grant *ports.DeviceGrant) []domain.DeviceID {
	remaining := make(map[domain.DeviceID]int, len(grant.Devices))
	total := 0
	for _, id := range grant.Devices {
		remaining[id] = grant.Slots[id]
		total += grant.Slots[id]
	}

	ring := make([]domain.DeviceID, 0, total)
	for len(ring) < total {
		progressed := false
		for _, id := range grant.Devices {
			if remaining[id] > 0 {
				ring = append(ring, id)
				remaining[id]--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return ring
}

// countOutcomes tallies outcome statuses from the state. Absent
// outcomes yield all zeros.
func countOutcomes(state domain.State) (okCount, failedCount, timedOutCount int) {
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

// randomSeed draws a non-zero master seed from the platform CSPRNG.
// Zero is excluded because a zero seed in a result would read as
// "unset" to a caller replaying the run.
func randomSeed() (int64, error) {
	var buf [8]byte
	for {
		if _, err := cryptorand.Read(buf[:]); err != nil {
			return 0, err
		}
		// The conversion reinterprets the random bits as a signed
		// value; negative seeds are valid.
		seed := int64(binary.BigEndian.Uint64(buf[:])) // #nosec G115
		if seed != 0 {
			return seed, nil
		}
	}
}
