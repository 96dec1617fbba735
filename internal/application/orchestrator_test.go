package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// fakePool is a test implementation of ports.DevicePool that grants
// slots from a fixed topology without any real backend.
type fakePool struct {
	mu         sync.Mutex
	devices    []domain.DeviceID
	slotsPer   int
	acquireErr error
	acquired   int
	released   int
}

func newFakePool(devices int, slotsPerDevice int) *fakePool {
	ids := make([]domain.DeviceID, 0, devices)
	for i := 0; i < devices; i++ {
		ids = append(ids, domain.DeviceID(fmt.Sprintf("dev%d", i)))
	}
	return &fakePool{devices: ids, slotsPer: slotsPerDevice}
}

func (f *fakePool) Acquire(ctx context.Context, slots int) (*ports.DeviceGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++

	granted := make(map[domain.DeviceID]int, len(f.devices))
	remaining := slots
	for remaining > 0 {
		progress := false
		for _, id := range f.devices {
			if remaining == 0 {
				break
			}
			if granted[id] < f.slotsPer {
				granted[id]++
				remaining--
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	devices := make([]domain.DeviceID, 0, len(f.devices))
	for _, id := range f.devices {
		if granted[id] > 0 {
			devices = append(devices, id)
		}
	}
	if len(devices) == 0 {
		return nil, domain.NewDeviceUnavailableError(slots, 0)
	}

	return &ports.DeviceGrant{Devices: devices, Slots: granted, Shortfall: remaining}, nil
}

func (f *fakePool) Release(grant *ports.DeviceGrant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakePool) Suspect(device domain.DeviceID) {}

func (f *fakePool) Close() error { return nil }

func (f *fakePool) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// makeOutcomes builds a synthetic outcome set with the given status
// counts, scoring every option 1.0.
func makeOutcomes(okCount, failedCount, timedOutCount int) []domain.UniverseOutcome {
	outcomes := make([]domain.UniverseOutcome, 0, okCount+failedCount+timedOutCount)
	id := 0
	add := func(n int, status domain.OutcomeStatus) {
		for i := 0; i < n; i++ {
			outcome := domain.UniverseOutcome{UniverseID: id, Status: status}
			if status == domain.StatusOK {
				outcome.Scores = map[string]float64{"a": 1.0, "b": 0.5}
			}
			outcomes = append(outcomes, outcome)
			id++
		}
	}
	add(okCount, domain.StatusOK)
	add(failedCount, domain.StatusFailed)
	add(timedOutCount, domain.StatusTimedOut)
	return outcomes
}

// stubStageSet builds a full stage set where the executor writes the
// given outcomes and the synthesizer assembles a minimal result from
// the state. Individual stages can be replaced by the caller.
func stubStageSet(outcomes []domain.UniverseOutcome) map[domain.Phase]*stubStage {
	return map[domain.Phase]*stubStage{
		domain.PhaseSampling: {name: "sampler", phase: domain.PhaseSampling},
		domain.PhaseExecuting: {
			name:  "executor",
			phase: domain.PhaseExecuting,
			executeFn: func(ctx context.Context, state domain.State) (domain.State, error) {
				return domain.With(state, domain.KeyOutcomes, outcomes), nil
			},
		},
		domain.PhaseAggregating: {name: "aggregator", phase: domain.PhaseAggregating},
		domain.PhaseSynthesizing: {
			name:  "synthesizer",
			phase: domain.PhaseSynthesizing,
			executeFn: func(ctx context.Context, state domain.State) (domain.State, error) {
				requestID, _ := domain.Get(state, domain.KeyRequestID)
				seed, _ := domain.Get(state, domain.KeySeed)
				result := &domain.DecisionResult{
					RequestID:  requestID,
					BestOption: "a",
					Confidence: 0.8,
					Policy:     "max_mean",
					Seed:       seed,
					Timestamp:  time.Now().UTC(),
				}
				return domain.With(state, domain.KeyResult, result), nil
			},
		},
	}
}

func stagesFrom(set map[domain.Phase]*stubStage) []ports.Stage {
	stages := make([]ports.Stage, 0, len(set))
	for _, s := range set {
		stages = append(stages, s)
	}
	return stages
}

func twoOptions() []domain.DecisionOption {
	return []domain.DecisionOption{{ID: "a"}, {ID: "b"}}
}

func constantScorer() ports.Scorer {
	return ports.ScorerFunc(func(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error) {
		return 1.0, nil
	})
}

func TestNewOrchestrator(t *testing.T) {
	pool := newFakePool(2, 8)

	tests := []struct {
		name    string
		config  OrchestratorConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "accepts a full stage set",
			config: OrchestratorConfig{
				Stages: stagesFrom(stubStageSet(nil)),
				Pool:   pool,
			},
		},
		{
			name:    "requires a pool",
			config:  OrchestratorConfig{Stages: stagesFrom(stubStageSet(nil))},
			wantErr: true,
			errMsg:  "device pool is required",
		},
		{
			name: "rejects nil stages",
			config: OrchestratorConfig{
				Stages: append(stagesFrom(stubStageSet(nil)), nil),
				Pool:   pool,
			},
			wantErr: true,
			errMsg:  "nil stage",
		},
		{
			name: "rejects a missing phase",
			config: OrchestratorConfig{
				Stages: []ports.Stage{
					&stubStage{name: "sampler", phase: domain.PhaseSampling},
					&stubStage{name: "executor", phase: domain.PhaseExecuting},
					&stubStage{name: "aggregator", phase: domain.PhaseAggregating},
				},
				Pool: pool,
			},
			wantErr: true,
			errMsg:  "no stage provided for phase SYNTHESIZING",
		},
		{
			name: "rejects duplicate phases",
			config: OrchestratorConfig{
				Stages: append(stagesFrom(stubStageSet(nil)),
					&stubStage{name: "sampler2", phase: domain.PhaseSampling}),
				Pool: pool,
			},
			wantErr: true,
			errMsg:  "claimed by both",
		},
		{
			name: "rejects stages outside the pipeline phases",
			config: OrchestratorConfig{
				Stages: append(stagesFrom(stubStageSet(nil)),
					&stubStage{name: "admission", phase: domain.PhaseReceived}),
				Pool: pool,
			},
			wantErr: true,
			errMsg:  "not part of the pipeline",
		},
		{
			name: "rejects stages that fail validation",
			config: OrchestratorConfig{
				Stages: []ports.Stage{
					&stubStage{name: "sampler", phase: domain.PhaseSampling, validErr: errors.New("bad config")},
					&stubStage{name: "executor", phase: domain.PhaseExecuting},
					&stubStage{name: "aggregator", phase: domain.PhaseAggregating},
					&stubStage{name: "synthesizer", phase: domain.PhaseSynthesizing},
				},
				Pool: pool,
			},
			wantErr: true,
			errMsg:  "stage sampler validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch, err := NewOrchestrator(tt.config)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				require.NoError(t, err)
				assert.NotNil(t, orch)
			}
		})
	}
}

func TestOrchestrator_Decide_FullLifecycle(t *testing.T) {
	pool := newFakePool(2, 8)
	observer := &recordingObserver{}
	metrics := newRecordingMetrics()

	set := stubStageSet(makeOutcomes(10, 0, 0))

	// The sampler captures the request state it received for later
	// assertions on the orchestrator's seeding.
	var seenState domain.State
	set[domain.PhaseSampling].executeFn = func(ctx context.Context, state domain.State) (domain.State, error) {
		seenState = state
		return state, nil
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages:   stagesFrom(set),
		Pool:     pool,
		Observer: observer,
		Metrics:  metrics,
	})
	require.NoError(t, err)

	dctx := domain.DecisionContext{ID: "pricing", Features: map[string]float64{"demand": 100}}
	result, err := orch.Decide(context.Background(), dctx, twoOptions(), constantScorer(), DecisionConfig{
		UniverseCount:   10,
		Seed:            42,
		QuorumFraction:  0.9,
		ConfidenceLevel: 0.95,
		Policy:          "max_mean",
		RiskAversion:    2.0,
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	// The request state carries everything the stages need.
	gotCount, _ := domain.Get(seenState, domain.KeyUniverseCount)
	assert.Equal(t, 10, gotCount)
	gotSeed, _ := domain.Get(seenState, domain.KeySeed)
	assert.Equal(t, int64(42), gotSeed)
	gotCtx, _ := domain.Get(seenState, domain.KeyDecisionContext)
	assert.Equal(t, "pricing", gotCtx.ID)
	gotOptions, _ := domain.Get(seenState, domain.KeyOptions)
	assert.Len(t, gotOptions, 2)
	_, hasScorer := domain.Get(seenState, ports.KeyScorer)
	assert.True(t, hasScorer, "the scorer should ride the state to the executor")
	gotDevices, _ := domain.Get(seenState, domain.KeyDevices)
	assert.Len(t, gotDevices, 10, "the ring should hold one entry per granted slot")
	gotLevel, _ := domain.Get(seenState, domain.KeyConfidenceLevel)
	assert.Equal(t, 0.95, gotLevel)
	gotPolicy, _ := domain.Get(seenState, domain.KeyPolicy)
	assert.Equal(t, "max_mean", gotPolicy)
	gotParams, _ := domain.Get(seenState, domain.KeyPolicyParams)
	assert.Equal(t, 2.0, gotParams["risk_aversion"], "the risk aversion shorthand should reach the policy params")

	// The result is enriched with orchestrator-level diagnostics.
	assert.Equal(t, "a", result.BestOption)
	assert.Equal(t, int64(42), result.Seed)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, 10, result.Diagnostics.UniversesRequested)
	assert.Equal(t, 9, result.Diagnostics.QuorumRequired)
	assert.Len(t, result.Diagnostics.DevicesUsed, 2)
	assert.Positive(t, result.Diagnostics.Elapsed)
	assert.Contains(t, result.Diagnostics.PhaseTimings, domain.PhaseReceived)
	assert.Contains(t, result.Diagnostics.PhaseTimings, domain.PhaseSampling)
	assert.Contains(t, result.Diagnostics.PhaseTimings, domain.PhaseSynthesizing)

	// The observer saw the full lifecycle in order.
	assert.Equal(t, []domain.Phase{
		domain.PhaseReceived,
		domain.PhaseSampling,
		domain.PhaseExecuting,
		domain.PhaseAggregating,
		domain.PhaseSynthesizing,
		domain.PhaseCompleted,
	}, observer.phases(true))

	assert.Equal(t, 1.0, metrics.counterValue("decision_requests_total/completed"))
	assert.Equal(t, 10.0, metrics.counterValue("universe_outcomes_total/ok"))
	assert.Equal(t, 1, pool.releaseCount(), "the grant should be released exactly once")
}

func TestOrchestrator_Decide_AppliesDefaults(t *testing.T) {
	pool := newFakePool(2, 8)
	set := stubStageSet(makeOutcomes(4, 0, 0))

	var seenState domain.State
	set[domain.PhaseSampling].executeFn = func(ctx context.Context, state domain.State) (domain.State, error) {
		seenState = state
		return state, nil
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages: stagesFrom(set),
		Pool:   pool,
		Defaults: DefaultsConfig{
			UniverseCount:  4,
			QuorumFraction: 0.5,
		},
	})
	require.NoError(t, err)

	result, err := orch.Decide(context.Background(),
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(), DecisionConfig{Seed: 7})
	require.NoError(t, err)

	gotCount, _ := domain.Get(seenState, domain.KeyUniverseCount)
	assert.Equal(t, 4, gotCount, "the engine default universe count should apply")
	gotPolicy, _ := domain.Get(seenState, domain.KeyPolicy)
	assert.Equal(t, DefaultPolicy, gotPolicy, "the built-in policy should fill the remaining gap")
	assert.Equal(t, 2, result.Diagnostics.QuorumRequired, "quorum should follow the engine default fraction")
}

func TestOrchestrator_Decide_QuorumNotMet(t *testing.T) {
	pool := newFakePool(2, 8)
	observer := &recordingObserver{}
	metrics := newRecordingMetrics()

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages:   stagesFrom(stubStageSet(makeOutcomes(5, 3, 2))),
		Pool:     pool,
		Observer: observer,
		Metrics:  metrics,
	})
	require.NoError(t, err)

	result, err := orch.Decide(context.Background(),
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(), DecisionConfig{UniverseCount: 10, Seed: 1, QuorumFraction: 0.9})

	require.Error(t, err)
	assert.Nil(t, result, "no result may leak out of a failed quorum")
	assert.ErrorIs(t, err, domain.ErrQuorumNotMet)

	var quorumErr *domain.QuorumNotMetError
	require.ErrorAs(t, err, &quorumErr)
	assert.Equal(t, 9, quorumErr.Required)
	assert.Equal(t, 5, quorumErr.Completed)
	assert.Equal(t, 3, quorumErr.Failed)
	assert.Equal(t, 2, quorumErr.TimedOut)

	completed := observer.phases(true)
	assert.Equal(t, domain.PhaseFailed, completed[len(completed)-1])
	assert.Equal(t, 1.0, metrics.counterValue("decision_requests_total/quorum_not_met"))
	assert.Equal(t, 5.0, metrics.counterValue("universe_outcomes_total/ok"))
	assert.Equal(t, 3.0, metrics.counterValue("universe_outcomes_total/failed"))
	assert.Equal(t, 2.0, metrics.counterValue("universe_outcomes_total/timed_out"))
	assert.Equal(t, 1, pool.releaseCount(), "the grant should be released on failure too")
}

func TestOrchestrator_Decide_DeadlineBecomesQuorumFailure(t *testing.T) {
	pool := newFakePool(2, 8)
	set := stubStageSet(nil)
	set[domain.PhaseSampling].executeFn = func(ctx context.Context, state domain.State) (domain.State, error) {
		<-ctx.Done()
		return state, ctx.Err()
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages: stagesFrom(set),
		Pool:   pool,
	})
	require.NoError(t, err)

	_, err = orch.Decide(context.Background(),
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(),
		DecisionConfig{UniverseCount: 10, Seed: 1, DeadlineMS: 20})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuorumNotMet,
		"a deadline expiry during simulation should report as a quorum failure")

	var quorumErr *domain.QuorumNotMetError
	require.ErrorAs(t, err, &quorumErr)
	assert.Equal(t, 9, quorumErr.Required)
	assert.Equal(t, 0, quorumErr.Completed)
}

func TestOrchestrator_Decide_DeadlineDetachesSynthesis(t *testing.T) {
	pool := newFakePool(2, 8)
	set := stubStageSet(nil)

	// The executor outlives the request deadline but still hands back a
	// full outcome set, as real device batches do when results land
	// while the deadline fires.
	set[domain.PhaseExecuting].executeFn = func(ctx context.Context, state domain.State) (domain.State, error) {
		<-ctx.Done()
		return domain.With(state, domain.KeyOutcomes, makeOutcomes(10, 0, 0)), nil
	}

	var aggregatorErr error
	var aggregatorHadDeadline bool
	set[domain.PhaseAggregating].executeFn = func(ctx context.Context, state domain.State) (domain.State, error) {
		aggregatorErr = ctx.Err()
		_, aggregatorHadDeadline = ctx.Deadline()
		return state, nil
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages: stagesFrom(set),
		Pool:   pool,
	})
	require.NoError(t, err)

	result, err := orch.Decide(context.Background(),
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(),
		DecisionConfig{UniverseCount: 10, Seed: 1, DeadlineMS: 20, QuorumFraction: 0.9})

	require.NoError(t, err, "completed outcomes past the deadline should still synthesize")
	require.NotNil(t, result)
	assert.NoError(t, aggregatorErr, "synthesis should run on a live context")
	assert.False(t, aggregatorHadDeadline, "synthesis should be detached from the expired deadline")
}

func TestOrchestrator_Decide_CancellationAbandonsRequest(t *testing.T) {
	pool := newFakePool(2, 8)
	set := stubStageSet(nil)

	ctx, cancel := context.WithCancel(context.Background())
	set[domain.PhaseExecuting].executeFn = func(_ context.Context, state domain.State) (domain.State, error) {
		// The caller walks away mid-execution; completed outcomes are
		// worthless with no reader.
		cancel()
		return domain.With(state, domain.KeyOutcomes, makeOutcomes(10, 0, 0)), nil
	}

	var synthesisRan bool
	set[domain.PhaseAggregating].executeFn = func(ctx context.Context, state domain.State) (domain.State, error) {
		synthesisRan = true
		return state, nil
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages: stagesFrom(set),
		Pool:   pool,
	})
	require.NoError(t, err)

	result, err := orch.Decide(ctx,
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(),
		DecisionConfig{UniverseCount: 10, Seed: 1, DeadlineMS: 5000})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, synthesisRan, "an abandoned request must not synthesize")
}

func TestOrchestrator_Decide_DeviceUnavailable(t *testing.T) {
	pool := newFakePool(2, 8)
	pool.acquireErr = domain.NewDeviceUnavailableError(10, 0)
	metrics := newRecordingMetrics()

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages:  stagesFrom(stubStageSet(nil)),
		Pool:    pool,
		Metrics: metrics,
	})
	require.NoError(t, err)

	_, err = orch.Decide(context.Background(),
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(), DecisionConfig{UniverseCount: 10, Seed: 1})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeviceUnavailable)
	assert.Equal(t, 1.0, metrics.counterValue("decision_requests_total/device_unavailable"))
	assert.Equal(t, 0, pool.releaseCount(), "nothing was granted, nothing to release")
}

func TestOrchestrator_Decide_PartialGrantDegrades(t *testing.T) {
	// Two devices with three slots each cannot cover ten universes.
	pool := newFakePool(2, 3)
	set := stubStageSet(makeOutcomes(6, 0, 0))

	var seenState domain.State
	set[domain.PhaseSampling].executeFn = func(ctx context.Context, state domain.State) (domain.State, error) {
		seenState = state
		return state, nil
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages: stagesFrom(set),
		Pool:   pool,
	})
	require.NoError(t, err)

	result, err := orch.Decide(context.Background(),
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(),
		DecisionConfig{UniverseCount: 10, Seed: 1, QuorumFraction: 0.5})
	require.NoError(t, err)

	gotCount, _ := domain.Get(seenState, domain.KeyUniverseCount)
	assert.Equal(t, 6, gotCount, "the request should degrade to the granted slot count")
	gotDevices, _ := domain.Get(seenState, domain.KeyDevices)
	assert.Len(t, gotDevices, 6)

	// Quorum and the requested count still reflect what the caller asked
	// for.
	assert.Equal(t, 10, result.Diagnostics.UniversesRequested)
	assert.Equal(t, 5, result.Diagnostics.QuorumRequired)
}

func TestOrchestrator_Decide_PartialGrantCanFailQuorum(t *testing.T) {
	// Four slots cannot satisfy a 90% quorum of ten universes no matter
	// how well execution goes.
	pool := newFakePool(2, 2)

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages: stagesFrom(stubStageSet(makeOutcomes(4, 0, 0))),
		Pool:   pool,
	})
	require.NoError(t, err)

	_, err = orch.Decide(context.Background(),
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(),
		DecisionConfig{UniverseCount: 10, Seed: 1, QuorumFraction: 0.9})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuorumNotMet)

	var quorumErr *domain.QuorumNotMetError
	require.ErrorAs(t, err, &quorumErr)
	assert.Equal(t, 9, quorumErr.Required)
	assert.Equal(t, 4, quorumErr.Completed)
}

func TestOrchestrator_Decide_AssignsRandomSeed(t *testing.T) {
	pool := newFakePool(2, 8)

	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages: stagesFrom(stubStageSet(makeOutcomes(10, 0, 0))),
		Pool:   pool,
	})
	require.NoError(t, err)

	result, err := orch.Decide(context.Background(),
		domain.DecisionContext{Features: map[string]float64{"x": 1}},
		twoOptions(), constantScorer(),
		DecisionConfig{UniverseCount: 10})
	require.NoError(t, err)

	assert.NotZero(t, result.Seed, "an unset seed should be drawn and echoed for replay")
}

func TestOrchestrator_Decide_RequestValidation(t *testing.T) {
	pool := newFakePool(2, 8)
	orch, err := NewOrchestrator(OrchestratorConfig{
		Stages: stagesFrom(stubStageSet(nil)),
		Pool:   pool,
	})
	require.NoError(t, err)

	dctx := domain.DecisionContext{Features: map[string]float64{"x": 1}}

	tests := []struct {
		name    string
		options []domain.DecisionOption
		scorer  ports.Scorer
		cfg     DecisionConfig
		errMsg  string
	}{
		{
			name:    "rejects nil scorer",
			options: twoOptions(),
			scorer:  nil,
			cfg:     DecisionConfig{UniverseCount: 10},
			errMsg:  "scorer is required",
		},
		{
			name:    "rejects empty options",
			options: nil,
			scorer:  constantScorer(),
			cfg:     DecisionConfig{UniverseCount: 10},
			errMsg:  "at least one option",
		},
		{
			name:    "rejects empty option IDs",
			options: []domain.DecisionOption{{ID: ""}},
			scorer:  constantScorer(),
			cfg:     DecisionConfig{UniverseCount: 10},
			errMsg:  "option IDs cannot be empty",
		},
		{
			name:    "rejects duplicate option IDs",
			options: []domain.DecisionOption{{ID: "a"}, {ID: "a"}},
			scorer:  constantScorer(),
			cfg:     DecisionConfig{UniverseCount: 10},
			errMsg:  `duplicate option ID "a"`,
		},
		{
			name:    "rejects out of range quorum fraction",
			options: twoOptions(),
			scorer:  constantScorer(),
			cfg:     DecisionConfig{UniverseCount: 10, QuorumFraction: 1.5},
			errMsg:  "validation failed",
		},
		{
			name:    "rejects negative deadline",
			options: twoOptions(),
			scorer:  constantScorer(),
			cfg:     DecisionConfig{UniverseCount: 10, DeadlineMS: -5},
			errMsg:  "validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := orch.Decide(context.Background(), dctx, tt.options, tt.scorer, tt.cfg)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestQuorumRequired(t *testing.T) {
	tests := []struct {
		count    int
		fraction float64
		want     int
	}{
		{1000, 0.9, 900},
		{10, 0.9, 9},
		{3, 0.5, 2},
		{1, 1.0, 1},
		{10, 0.91, 10},
		{7, 1.0, 7},
		{100, 0.999, 100},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%v", tt.count, tt.fraction), func(t *testing.T) {
			assert.Equal(t, tt.want, quorumRequired(tt.count, tt.fraction),
				"ceil(fraction*count) should not pick up float representation error")
		})
	}
}

func TestAssignmentRing(t *testing.T) {
	tests := []struct {
		name  string
		grant *ports.DeviceGrant
		want  []domain.DeviceID
	}{
		{
			name: "even slots interleave",
			grant: &ports.DeviceGrant{
				Devices: []domain.DeviceID{"a", "b"},
				Slots:   map[domain.DeviceID]int{"a": 2, "b": 2},
			},
			want: []domain.DeviceID{"a", "b", "a", "b"},
		},
		{
			name: "uneven slots drain the smaller device first",
			grant: &ports.DeviceGrant{
				Devices: []domain.DeviceID{"a", "b"},
				Slots:   map[domain.DeviceID]int{"a": 3, "b": 1},
			},
			want: []domain.DeviceID{"a", "b", "a", "a"},
		},
		{
			name: "single device repeats",
			grant: &ports.DeviceGrant{
				Devices: []domain.DeviceID{"a"},
				Slots:   map[domain.DeviceID]int{"a": 3},
			},
			want: []domain.DeviceID{"a", "a", "a"},
		},
		{
			name:  "empty grant yields empty ring",
			grant: &ports.DeviceGrant{},
			want:  []domain.DeviceID{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := assignmentRing(tt.grant)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, tt.grant.Granted(), "ring length must equal the granted slot total")
		})
	}
}

func TestDecisionConfig_WithDefaults(t *testing.T) {
	engineDefaults := DefaultsConfig{
		UniverseCount:   2000,
		DeadlineMS:      30000,
		QuorumFraction:  0.8,
		ConfidenceLevel: 0.99,
		Policy:          "risk_averse",
	}

	t.Run("zero config takes engine defaults", func(t *testing.T) {
		merged := DecisionConfig{}.withDefaults(engineDefaults)
		assert.Equal(t, 2000, merged.UniverseCount)
		assert.Equal(t, 30000, merged.DeadlineMS)
		assert.Equal(t, 0.8, merged.QuorumFraction)
		assert.Equal(t, 0.99, merged.ConfidenceLevel)
		assert.Equal(t, "risk_averse", merged.Policy)
	})

	t.Run("explicit values win", func(t *testing.T) {
		merged := DecisionConfig{
			UniverseCount:  50,
			QuorumFraction: 0.5,
			Policy:         "max_mean",
		}.withDefaults(engineDefaults)
		assert.Equal(t, 50, merged.UniverseCount)
		assert.Equal(t, 0.5, merged.QuorumFraction)
		assert.Equal(t, "max_mean", merged.Policy)
	})

	t.Run("built-ins back an empty defaults block", func(t *testing.T) {
		merged := DecisionConfig{}.withDefaults(DefaultsConfig{})
		assert.Equal(t, DefaultUniverseCount, merged.UniverseCount)
		assert.Equal(t, DefaultQuorumFraction, merged.QuorumFraction)
		assert.Equal(t, DefaultConfidenceLevel, merged.ConfidenceLevel)
		assert.Equal(t, DefaultPolicy, merged.Policy)
		assert.Zero(t, merged.DeadlineMS, "no deadline is a valid default")
	})
}
