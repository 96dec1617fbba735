package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// Pipeline is a sequential execution container that processes stages in
// strict order, where each stage's output state becomes the input for
// the next stage in the sequence.
// Use Pipeline when decision logic requires specific sequencing; the
// main request flow chains sampling into execution and aggregation into
// synthesis this way.
type Pipeline struct {
	// id is the unique identifier for this pipeline, used in error
	// reporting and observability.
	id string
	// stages contains the ordered list of stages that will execute
	// sequentially, with state flowing from one to the next.
	stages []ports.Stage
	// nameSet tracks stage names for O(1) duplicate detection.
	nameSet map[string]struct{}
	// observer receives phase transition notifications. May be nil.
	observer ports.StageObserver
	// metrics records per-stage latencies. May be nil.
	metrics ports.MetricsCollector
	// mu provides thread-safe access to the stages slice during
	// concurrent read and write operations.
	mu sync.RWMutex
}

// NewPipeline creates a new sequential execution pipeline with the
// specified identifier, ready to accept stages.
// The pipeline executes added stages in the order they were added,
// notifying the observer and metrics collector (either may be nil) at
// every phase boundary.
func NewPipeline(id string, observer ports.StageObserver, metrics ports.MetricsCollector) *Pipeline {
	return &Pipeline{
		id:       id,
		stages:   make([]ports.Stage, 0),
		nameSet:  make(map[string]struct{}),
		observer: observer,
		metrics:  metrics,
	}
}

// Execute processes all stages in this pipeline sequentially, passing
// the output state from each stage as input to the next.
// Before each stage runs, the state's phase is advanced to the stage's
// phase and the observer is notified; after it completes, the elapsed
// wall time is recorded into the state's phase timings.
// Execute respects context cancellation and returns immediately if the
// context is cancelled between stage runs.
// Execute returns an error if any stage fails, including the stage
// name in the error message for debugging.
func (p *Pipeline) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	p.mu.RLock()
	stages := make([]ports.Stage, len(p.stages))
	copy(stages, p.stages)
	p.mu.RUnlock()

	requestID, _ := domain.Get(state, domain.KeyRequestID)

	currentState := state
	for _, stage := range stages {
		select {
		case <-ctx.Done():
			return currentState, ctx.Err()
		default:
			phase := stage.Phase()
			currentState = domain.With(currentState, domain.KeyPhase, phase)

			phaseCtx := ctx
			if p.observer != nil {
				phaseCtx = p.observer.PhaseStarted(ctx, requestID, phase)
			}

			start := time.Now()
			newState, err := stage.Execute(phaseCtx, currentState)
			elapsed := time.Since(start)

			if p.observer != nil {
				p.observer.PhaseCompleted(phaseCtx, requestID, phase, elapsed, err)
			}
			p.recordStageMetrics(stage.Name(), phase, elapsed, err)

			if err != nil {
				return currentState, fmt.Errorf("pipeline %s: execution failed at %s: %w", p.id, stage.Name(), err)
			}
			currentState = recordPhaseTiming(newState, phase, elapsed)
		}
	}

	return currentState, nil
}

// ID returns the unique string identifier for this pipeline.
// The ID remains constant throughout the pipeline's lifetime and is
// used in error reporting.
func (p *Pipeline) ID() string {
	return p.id
}

// Add appends a stage to the end of this pipeline's execution sequence,
// maintaining the order in which stages will be processed.
// Add returns an error if the stage is nil or if a stage with the same
// name already exists in the pipeline.
// Add is safe for concurrent use with Execute.
func (p *Pipeline) Add(stage ports.Stage) error {
	if stage == nil {
		return fmt.Errorf("cannot add nil stage to pipeline")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	name := stage.Name()
	if _, exists := p.nameSet[name]; exists {
		return fmt.Errorf("stage with name %s already exists in pipeline", name)
	}

	p.stages = append(p.stages, stage)
	p.nameSet[name] = struct{}{}
	return nil
}

// Stages returns a copy of the complete ordered list of stages in this
// pipeline, preserving the sequence in which they will execute.
// The returned slice is safe to modify without affecting the pipeline.
// Stages is safe for concurrent use.
func (p *Pipeline) Stages() []ports.Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]ports.Stage, len(p.stages))
	copy(result, p.stages)
	return result
}

// recordStageMetrics emits the per-stage latency observation. A nil
// collector disables recording.
func (p *Pipeline) recordStageMetrics(stageName string, phase domain.Phase, elapsed time.Duration, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordLatency("stage_execution", elapsed, map[string]string{
		"stage":  stageName,
		"phase":  string(phase),
		"status": status,
	})
}

// recordPhaseTiming folds one phase's elapsed wall time into the
// state's timing map. The stored map is never mutated in place; a
// fresh copy carries the new entry.
func recordPhaseTiming(state domain.State, phase domain.Phase, elapsed time.Duration) domain.State {
	existing, _ := domain.Get(state, domain.KeyPhaseTimings)
	timings := make(map[domain.Phase]time.Duration, len(existing)+1)
	for k, v := range existing {
		timings[k] = v
	}
	timings[phase] = elapsed
	return domain.With(state, domain.KeyPhaseTimings, timings)
}
