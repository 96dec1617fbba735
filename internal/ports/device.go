package ports

import (
	"context"

	"github.com/ahrav/go-sibyl/internal/domain"
)

// Scorer is the caller-supplied utility function evaluated for every
// (universe, option) pair. Implementations must be pure and side-effect
// free, and must tolerate being invoked many times concurrently; the
// engine hardcodes no business scoring logic of its own.
type Scorer interface {
	// Score returns the scalar utility of taking option in the perturbed
	// context. Errors abort the device batch the pair was scheduled on.
	Score(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error)
}

// ScorerFunc adapts an ordinary function to the Scorer interface.
type ScorerFunc func(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error)

// Score implements the Scorer interface.
func (f ScorerFunc) Score(uctx domain.DecisionContext, option domain.DecisionOption) (float64, error) {
	return f(uctx, option)
}

// KeyScorer carries the caller-supplied Scorer through the request State
// to the execution stage. It lives here rather than in domain because
// Scorer is a port, not a domain value.
var KeyScorer = domain.NewKey[Scorer]("decision.scorer")

// DeviceInfo describes one accelerator execution unit as reported by a
// backend at discovery time.
type DeviceInfo struct {
	// ID uniquely identifies the device within its backend.
	ID domain.DeviceID

	// TotalMemory is the device memory in bytes available for universe
	// slots.
	TotalMemory uint64
}

// GraphSignature identifies a compiled computation graph by the shape of
// the work: a digest of the option set and a digest of the feature
// schema. Two requests with the same signature reuse the same compiled
// graph.
type GraphSignature struct {
	// Options is the digest of the option IDs and attribute names.
	Options string

	// Schema is the digest of the sorted feature names.
	Schema string
}

// String returns the canonical cache-key form of the signature.
func (s GraphSignature) String() string { return s.Options + ":" + s.Schema }

// CompiledGraph is an opaque handle to a scoring computation prepared for
// one device. Backends decide what compilation means — a JIT artifact, a
// precompiled kernel, or a fused closure over a vectorized loop.
type CompiledGraph interface {
	// Signature returns the signature this graph was compiled for.
	Signature() GraphSignature
}

// BatchRequest carries all universes assigned to one device, to be
// evaluated against every option in a single vectorized call.
type BatchRequest struct {
	// Universes are the perturbed variants assigned to the device.
	Universes []domain.Universe

	// Options are the candidate actions to score in each universe.
	Options []domain.DecisionOption
}

// BatchResult carries the per-universe outcomes of one device batch.
// Outcomes appear in the same order as the request's universes.
type BatchResult struct {
	// Outcomes holds exactly one outcome per requested universe.
	Outcomes []domain.UniverseOutcome
}

// DeviceBackend is the accelerator runtime contract consumed by the
// engine. Implementations wrap a physical runtime or simulate one; the
// engine only assumes the compile-once/run-batch shape.
// All methods must be safe for concurrent use.
type DeviceBackend interface {
	// Name returns the backend identifier, e.g. "cpu".
	Name() string

	// ListDevices enumerates the devices this backend exposes.
	ListDevices(ctx context.Context) ([]DeviceInfo, error)

	// Compile prepares the scoring computation for one device. The
	// returned graph may be cached and reused for any batch with the
	// same signature. Incompatible scorers fail here with a
	// device-scoped error, not at batch time.
	Compile(ctx context.Context, device domain.DeviceID, sig GraphSignature, scorer Scorer) (CompiledGraph, error)

	// RunBatch evaluates every option against every universe in the
	// batch as one vectorized call on the given device. It honors ctx
	// cancellation between vector elements.
	RunBatch(ctx context.Context, device domain.DeviceID, graph CompiledGraph, batch BatchRequest) (BatchResult, error)

	// HealthCheck probes one device. A nil return means the device may
	// serve batches; anything else keeps it out of the pool.
	HealthCheck(ctx context.Context, device domain.DeviceID) error
}

// DeviceGrant is the result of a pool acquisition: the devices handed to
// a request, the universe slots reserved on each, and the shortfall when
// aggregate capacity could not cover the request.
type DeviceGrant struct {
	// Devices lists the granted devices in assignment order.
	Devices []domain.DeviceID

	// Slots maps each granted device to the number of universe slots
	// reserved on it.
	Slots map[domain.DeviceID]int

	// Shortfall is the number of requested slots that could not be
	// granted. Zero means the grant is complete.
	Shortfall int
}

// Granted returns the total number of slots reserved across all devices.
func (g *DeviceGrant) Granted() int {
	total := 0
	for _, n := range g.Slots {
		total += n
	}
	return total
}

// DevicePool manages device reservation state across requests: the only
// shared mutable state in the engine. Implementations must never block
// indefinitely in Acquire; a partial grant with a reported shortfall is
// the correct answer to scarcity.
type DevicePool interface {
	// Acquire reserves up to slots universe slots across healthy
	// devices, honoring the per-device headroom fraction. It returns a
	// possibly partial grant, or a device-unavailable error when
	// nothing could be granted.
	Acquire(ctx context.Context, slots int) (*DeviceGrant, error)

	// Release returns a grant's reservations to the pool. It is safe to
	// call exactly once per grant.
	Release(grant *DeviceGrant)

	// Suspect schedules an asynchronous health re-check of a device
	// that raised during execution. The device keeps serving other
	// requests until the check fails.
	Suspect(device domain.DeviceID)

	// Close stops background probing and releases pool resources.
	Close() error
}

// GraphCache is the compile-once cache consumed by the executor. The
// compile callback runs at most once per key across concurrent callers;
// eviction is LRU bounded by a configured entry count.
type GraphCache interface {
	// GetOrCompile returns the cached graph for (device, sig) or runs
	// compile to produce, cache, and return it.
	GetOrCompile(ctx context.Context, device domain.DeviceID, sig GraphSignature, compile func(context.Context) (CompiledGraph, error)) (CompiledGraph, error)

	// Len reports the number of cached graphs.
	Len() int
}

// BackendFactory creates a DeviceBackend implementation from
// configuration. This function signature allows the backend registry to
// create backend instances without knowing their implementation details.
type BackendFactory func(config map[string]any) (DeviceBackend, error)
