package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

func init() {
	RegisterBackendFactory("cpu", newCPUBackendFromParams)
}

// DefaultCPUDeviceMemory is the per-device memory reported by CPU devices
// when the factory params do not override it. Memory on the CPU path is an
// accounting figure; it exists so the pool applies the same reservation
// math it applies to real accelerators.
const DefaultCPUDeviceMemory = 4 << 30

// cpuBackend evaluates scoring batches on the host CPU across a set of
// virtual devices named cpu0 through cpuN-1. It is the reference runtime:
// deterministic, dependency-free, and the backend of choice for tests and
// for deployments without accelerators.
type cpuBackend struct {
	devices map[domain.DeviceID]ports.DeviceInfo
	order   []domain.DeviceID
}

// NewCPUBackend creates a CPU backend exposing deviceCount virtual devices,
// each reporting memoryPerDevice bytes of capacity.
func NewCPUBackend(deviceCount int, memoryPerDevice uint64) (ports.DeviceBackend, error) {
	if deviceCount <= 0 {
		return nil, fmt.Errorf("device count must be positive, got %d", deviceCount)
	}
	if memoryPerDevice == 0 {
		return nil, fmt.Errorf("memory per device must be positive")
	}

	devices := make(map[domain.DeviceID]ports.DeviceInfo, deviceCount)
	order := make([]domain.DeviceID, 0, deviceCount)
	for i := 0; i < deviceCount; i++ {
		id := domain.DeviceID(fmt.Sprintf("cpu%d", i))
		devices[id] = ports.DeviceInfo{ID: id, TotalMemory: memoryPerDevice}
		order = append(order, id)
	}

	return &cpuBackend{devices: devices, order: order}, nil
}

func newCPUBackendFromParams(params map[string]any) (ports.DeviceBackend, error) {
	count := ExtractOptionalInt(params, "devices", runtime.NumCPU(), IsPositiveInt)
	memory := ExtractOptionalInt(params, "memory_per_device", DefaultCPUDeviceMemory, IsPositiveInt)
	return NewCPUBackend(count, uint64(memory))
}

// Name returns the backend identifier.
func (b *cpuBackend) Name() string { return "cpu" }

// ListDevices enumerates the virtual devices in creation order.
func (b *cpuBackend) ListDevices(ctx context.Context) ([]ports.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos := make([]ports.DeviceInfo, 0, len(b.order))
	for _, id := range b.order {
		infos = append(infos, b.devices[id])
	}
	return infos, nil
}

// Compile binds the scorer into a graph handle for the given device.
// Compilation on the CPU path is cheap; it exists so callers exercise the
// same compile-once flow real accelerator runtimes require.
func (b *cpuBackend) Compile(ctx context.Context, device domain.DeviceID, sig ports.GraphSignature, scorer ports.Scorer) (ports.CompiledGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := b.devices[device]; !ok {
		return nil, ports.NewBackendError(b.Name(), device, "compile", ports.ErrUnknownDevice)
	}
	if scorer == nil {
		return nil, domain.NewCompilationError(device, sig.String(), errors.New("nil scorer"))
	}

	return &cpuGraph{sig: sig, scorer: scorer}, nil
}

// RunBatch scores every option in every universe of the batch sequentially.
// Cancellation is honored between universes, never mid-option, so partial
// scores never leak into an outcome.
func (b *cpuBackend) RunBatch(ctx context.Context, device domain.DeviceID, graph ports.CompiledGraph, batch ports.BatchRequest) (ports.BatchResult, error) {
	if _, ok := b.devices[device]; !ok {
		return ports.BatchResult{}, ports.NewBackendError(b.Name(), device, "run_batch", ports.ErrUnknownDevice)
	}

	g, ok := graph.(*cpuGraph)
	if !ok {
		return ports.BatchResult{}, ports.NewBackendError(b.Name(), device, "run_batch",
			errors.New("graph was not compiled by this backend"))
	}

	outcomes := make([]domain.UniverseOutcome, 0, len(batch.Universes))
	for _, universe := range batch.Universes {
		if err := ctx.Err(); err != nil {
			return ports.BatchResult{}, ports.NewBackendError(b.Name(), device, "run_batch", err)
		}

		start := time.Now()
		scores := make(map[string]float64, len(batch.Options))
		for _, option := range batch.Options {
			score, err := g.scorer.Score(universe.Context, option)
			if err != nil {
				return ports.BatchResult{}, ports.NewBackendError(b.Name(), device, "run_batch",
					fmt.Errorf("score universe %d option %q: %w", universe.ID, option.ID, err))
			}
			// Non-finite scores would poison every downstream mean and
			// variance, so they are rejected at the source.
			if math.IsNaN(score) || math.IsInf(score, 0) {
				return ports.BatchResult{}, ports.NewBackendError(b.Name(), device, "run_batch",
					fmt.Errorf("score universe %d option %q: non-finite value %v", universe.ID, option.ID, score))
			}
			scores[option.ID] = score
		}

		outcomes = append(outcomes, domain.UniverseOutcome{
			UniverseID:      universe.ID,
			Scores:          scores,
			ComputeDuration: time.Since(start),
			Status:          domain.StatusOK,
		})
	}

	return ports.BatchResult{Outcomes: outcomes}, nil
}

// HealthCheck reports whether the device exists on this backend.
// CPU devices have no failure modes of their own, so existence is health.
func (b *cpuBackend) HealthCheck(ctx context.Context, device domain.DeviceID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := b.devices[device]; !ok {
		return ports.NewBackendError(b.Name(), device, "health_check", ports.ErrUnknownDevice)
	}
	return nil
}

// cpuGraph is the compiled form of a scorer on the CPU path: the scorer
// itself plus the signature it was compiled for.
type cpuGraph struct {
	sig    ports.GraphSignature
	scorer ports.Scorer
}

// Signature returns the signature this graph was compiled for.
func (g *cpuGraph) Signature() ports.GraphSignature { return g.sig }
