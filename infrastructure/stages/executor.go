package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-sibyl/infrastructure/device"
	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

var _ ports.Stage = (*ExecutorStage)(nil)

// DefaultBatchTimeout bounds how long a single device batch may run
// before its universes are marked timed out.
const DefaultBatchTimeout = 30 * time.Second

// Sentinel errors for clear, testable error conditions.
var (
	ErrBackendNil = errors.New("device backend cannot be nil")
	ErrPoolNil    = errors.New("device pool cannot be nil")
	ErrCacheNil   = errors.New("graph cache cannot be nil")
)

// ExecutorStage evaluates the universe set against every candidate
// option on the granted devices. Universes are grouped by their assigned
// device and each group runs as one vectorized batch; per-device batches
// run concurrently under an errgroup sized to the device count.
//
// Failure containment is the stage's core job: a device error fails only
// that device's universes and schedules an async health re-check through
// the pool, a batch timeout marks its universes timed out, and the
// remaining devices keep running. The stage itself never returns an
// error for device trouble; lost universes surface in the outcome
// statuses and, downstream, in the quorum check.
//
// The stage is stateless across requests and thread-safe for concurrent
// execution.
type ExecutorStage struct {
	// name is the unique identifier for this stage instance.
	name string
	// config contains the validated configuration parameters.
	config ExecutorConfig
	// backend is the accelerator runtime batches are dispatched to.
	backend ports.DeviceBackend
	// pool receives Suspect calls for devices that raised.
	pool ports.DevicePool
	// cache holds compiled graphs, keyed by (device, signature).
	cache ports.GraphCache
	// tracer is the OpenTelemetry tracer for observability.
	tracer trace.Tracer
}

// ExecutorConfig defines the configuration parameters for the ExecutorStage.
type ExecutorConfig struct {
	// BatchTimeout is the hard per-batch deadline. A batch that exceeds
	// it has its universes marked timed_out and is not retried within
	// the request. Zero disables the per-batch deadline, leaving only
	// the request deadline.
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout" validate:"min=0"`
}

// NewExecutorStage creates a new ExecutorStage with the specified
// configuration and dependencies. It returns an error if the
// configuration is invalid or a dependency is missing.
func NewExecutorStage(
	name string,
	config ExecutorConfig,
	backend ports.DeviceBackend,
	pool ports.DevicePool,
	cache ports.GraphCache,
) (*ExecutorStage, error) {
	if name == "" {
		return nil, ErrEmptyStageName
	}
	if backend == nil {
		return nil, ErrBackendNil
	}
	if pool == nil {
		return nil, ErrPoolNil
	}
	if cache == nil {
		return nil, ErrCacheNil
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &ExecutorStage{
		name:    name,
		config:  config,
		backend: backend,
		pool:    pool,
		cache:   cache,
		tracer:  otel.Tracer("executor-stage"),
	}, nil
}

// Name returns the unique identifier for this stage instance.
func (es *ExecutorStage) Name() string { return es.name }

// Phase returns the lifecycle phase this stage drives.
func (es *ExecutorStage) Phase() domain.Phase { return domain.PhaseExecuting }

// Execute runs every universe's evaluation as per-device vectorized
// batches and collects the outcomes.
//
// State Requirements:
//   - domain.KeyUniverses: the universes to evaluate, device-assigned
//   - domain.KeyOptions: the candidate options to score
//   - ports.KeyScorer: the caller-supplied utility function
//
// State Updates:
//   - domain.KeyOutcomes: one outcome per universe, in device order
//   - domain.KeyFailedDevices: devices handed to the pool for re-check
//   - budget counters: device retries performed by the backend middleware
func (es *ExecutorStage) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	sctx, span := es.tracer.Start(ctx, "ExecutorStage.Execute",
		trace.WithAttributes(
			attribute.String("stage.id", es.name),
			attribute.Int64("config.batch_timeout_ms", es.config.BatchTimeout.Milliseconds()),
		),
	)
	defer span.End()

	universes, ok := domain.Get(state, domain.KeyUniverses)
	if !ok {
		err := fmt.Errorf("universes not found in state")
		span.RecordError(err)
		return state, err
	}
	if len(universes) == 0 {
		span.RecordError(ErrNoUniverses)
		return state, ErrNoUniverses
	}

	options, ok := domain.Get(state, domain.KeyOptions)
	if !ok {
		err := fmt.Errorf("options not found in state")
		span.RecordError(err)
		return state, err
	}
	if len(options) == 0 {
		span.RecordError(ErrNoOptions)
		return state, ErrNoOptions
	}

	scorer, ok := domain.Get(state, ports.KeyScorer)
	if !ok {
		err := fmt.Errorf("scorer not found in state")
		span.RecordError(err)
		return state, err
	}

	// Perturbation never changes the feature schema, so any universe's
	// context identifies the graph shape.
	sig := device.ComputeSignature(options, universes[0].Context.FeatureSchema())

	byDevice := make(map[domain.DeviceID][]domain.Universe)
	var deviceOrder []domain.DeviceID
	for _, u := range universes {
		if _, seen := byDevice[u.Device]; !seen {
			deviceOrder = append(deviceOrder, u.Device)
		}
		byDevice[u.Device] = append(byDevice[u.Device], u)
	}

	results := make([][]domain.UniverseOutcome, len(deviceOrder))
	var mu sync.Mutex
	var suspected []domain.DeviceID
	var retries int64

	g, gctx := errgroup.WithContext(sctx)
	g.SetLimit(len(deviceOrder))

	for i, dev := range deviceOrder {
		idx, dev := i, dev
		g.Go(func() error {
			outcomes, batchRetries, suspect := es.runDeviceBatch(gctx, dev, byDevice[dev], options, sig, scorer)
			results[idx] = outcomes

			mu.Lock()
			retries += batchRetries
			if suspect {
				suspected = append(suspected, dev)
			}
			mu.Unlock()
			return nil
		})
	}

	// Batch goroutines never return errors; device failures become
	// failed outcomes so sibling batches keep running.
	_ = g.Wait()

	outcomes := make([]domain.UniverseOutcome, 0, len(universes))
	for _, r := range results {
		outcomes = append(outcomes, r...)
	}

	newState := domain.With(state, domain.KeyOutcomes, outcomes)

	if len(suspected) > 0 {
		// Goroutine completion order is arbitrary; sort for stable
		// diagnostics.
		sortDeviceIDs(suspected)
		for _, dev := range suspected {
			es.pool.Suspect(dev)
		}

		existing, _ := domain.Get(newState, domain.KeyFailedDevices)
		combined := make([]domain.DeviceID, 0, len(existing)+len(suspected))
		combined = append(combined, existing...)
		combined = append(combined, suspected...)
		newState = domain.With(newState, domain.KeyFailedDevices, combined)
	}

	span.SetAttributes(
		attribute.Int("exec.batches", len(deviceOrder)),
		attribute.Int("exec.outcomes", len(outcomes)),
		attribute.Int("exec.suspected_devices", len(suspected)),
		attribute.Int64("exec.retries", retries),
	)

	return newState.UpdateBudgetUsage(0, retries), nil
}

// runDeviceBatch compiles the scoring graph for one device and
// evaluates its universes as a single vectorized call. Failures never
// propagate as errors; they come back as failed or timed-out outcomes
// so one device cannot sink the request. The suspect result reports
// whether the device itself is implicated and should be health-checked.
func (es *ExecutorStage) runDeviceBatch(
	ctx context.Context,
	dev domain.DeviceID,
	universes []domain.Universe,
	options []domain.DecisionOption,
	sig ports.GraphSignature,
	scorer ports.Scorer,
) (outcomes []domain.UniverseOutcome, retries int64, suspect bool) {
	span := trace.SpanFromContext(ctx)

	bctx := ctx
	if es.config.BatchTimeout > 0 {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(ctx, es.config.BatchTimeout)
		defer cancel()
	}
	bctx, recorder := device.WithRetryRecorder(bctx)

	start := time.Now()

	graph, err := es.cache.GetOrCompile(bctx, dev, sig, func(cctx context.Context) (ports.CompiledGraph, error) {
		return es.backend.Compile(cctx, dev, sig, scorer)
	})
	if err != nil {
		span.RecordError(err)
		// Compilation failures are usually the scorer's fault, not the
		// hardware's: fail the universes without suspecting the device.
		return failedOutcomes(universes, batchStatus(bctx, err), time.Since(start)), recorder.Count(), false
	}

	result, err := es.backend.RunBatch(bctx, dev, graph, ports.BatchRequest{Universes: universes, Options: options})
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		status := batchStatus(bctx, err)
		// Only genuine device errors trigger a health re-check;
		// timeouts and cancellations say nothing about device health.
		deviceFault := status == domain.StatusFailed && !errors.Is(err, context.Canceled)
		return failedOutcomes(universes, status, elapsed), recorder.Count(), deviceFault
	}

	if len(result.Outcomes) != len(universes) {
		err := fmt.Errorf("%w: device %s returned %d outcomes for %d universes",
			ports.ErrInvalidBatch, dev, len(result.Outcomes), len(universes))
		span.RecordError(err)
		return failedOutcomes(universes, domain.StatusFailed, elapsed), recorder.Count(), true
	}

	return result.Outcomes, recorder.Count(), false
}

// batchStatus classifies a batch failure: deadline expiry, whether from
// the per-batch timeout or the request deadline, marks universes timed
// out; anything else marks them failed.
func batchStatus(ctx context.Context, err error) domain.OutcomeStatus {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.StatusTimedOut
	}
	return domain.StatusFailed
}

// failedOutcomes marks every universe in a batch with the given status.
// The batch wall time is attributed to each universe; no scores are set.
func failedOutcomes(universes []domain.Universe, status domain.OutcomeStatus, elapsed time.Duration) []domain.UniverseOutcome {
	outcomes := make([]domain.UniverseOutcome, len(universes))
	for i, u := range universes {
		outcomes[i] = domain.UniverseOutcome{
			UniverseID:      u.ID,
			ComputeDuration: elapsed,
			Status:          status,
		}
	}
	return outcomes
}

// sortDeviceIDs sorts device identifiers lexicographically in place.
func sortDeviceIDs(ids []domain.DeviceID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// Validate checks if the stage is properly configured and ready for
// execution.
func (es *ExecutorStage) Validate() error {
	if es.backend == nil {
		return ErrBackendNil
	}
	if es.pool == nil {
		return ErrPoolNil
	}
	if es.cache == nil {
		return ErrCacheNil
	}
	if err := validate.Struct(es.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// UnmarshalParameters deserializes YAML configuration parameters and
// updates the stage's configuration.
//
// This method modifies stage state and is NOT thread-safe. Callers must
// ensure exclusive access during reconfiguration.
func (es *ExecutorStage) UnmarshalParameters(params yaml.Node) error {
	var config ExecutorConfig
	if err := params.Decode(&config); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	es.config = config
	return nil
}

// DefaultExecutorConfig returns an ExecutorConfig with production-ready
// defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{BatchTimeout: DefaultBatchTimeout}
}

// NewExecutorFromConfig creates an ExecutorStage from a configuration
// map. This is the boundary adapter for YAML/JSON configuration.
func NewExecutorFromConfig(
	id string,
	config map[string]any,
	backend ports.DeviceBackend,
	pool ports.DevicePool,
	cache ports.GraphCache,
) (ports.Stage, error) {
	// Use yaml marshaling for clean conversion.
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	// Start with defaults, then overlay user config.
	cfg := DefaultExecutorConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return NewExecutorStage(id, cfg, backend, pool, cache)
}
