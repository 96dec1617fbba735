// Package domain contains pure, dependency-free domain models and types
// for the decision engine.
package domain

import (
	"fmt"
	"maps"
	"time"
)

// Key represents a type-safe generic key for accessing values in State.
// The type parameter T ensures compile-time type safety when getting and
// setting values, eliminating the need for runtime type assertions.
type Key[T any] struct{ name string }

// NewKey creates a new Key with the specified name and type.
// This function is provided for creating keys outside of the domain package.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the string identifier of the key, used for raw access and
// observability labels.
func (k Key[T]) Name() string { return k.name }

// Predefined state keys used throughout a decision request.
// Each key is strongly typed to ensure type safety at compile time.
var (
	// KeyDecisionContext stores the immutable situation being decided about.
	KeyDecisionContext = Key[DecisionContext]{"decision.context"}

	// KeyOptions stores the candidate actions under evaluation.
	KeyOptions = Key[[]DecisionOption]{"decision.options"}

	// KeyUniverses stores the perturbed context variants produced by sampling.
	KeyUniverses = Key[[]Universe]{"universes"}

	// KeyOutcomes stores the per-universe evaluation results.
	KeyOutcomes = Key[[]UniverseOutcome]{"outcomes"}

	// KeyDistributions stores the per-option aggregate statistics.
	KeyDistributions = Key[map[string]OutcomeDistribution]{"distributions"}

	// KeyResult stores the synthesized decision.
	KeyResult = Key[*DecisionResult]{"result"}

	// Execution context keys for tracking metadata across the pipeline.

	// KeyRequestID stores a unique identifier for this decision request,
	// useful for tracing and correlation.
	KeyRequestID = Key[string]{"execution.request_id"}

	// KeyPhase stores the current lifecycle phase of the request.
	KeyPhase = Key[Phase]{"execution.phase"}

	// KeySeed stores the master seed driving universe generation. It is
	// echoed into the result so any run can be replayed exactly.
	KeySeed = Key[int64]{"execution.seed"}

	// KeyUniverseCount stores the fixed number of universes for this
	// request, known before execution begins.
	KeyUniverseCount = Key[int]{"execution.universe_count"}

	// KeyDevices stores the device handles granted by the pool, in the
	// order universes are assigned to them.
	KeyDevices = Key[[]DeviceID]{"execution.devices"}

	// KeyFailedDevices stores devices that raised during execution and are
	// pending an async health re-check.
	KeyFailedDevices = Key[[]DeviceID]{"execution.failed_devices"}

	// KeyPhaseTimings stores the wall time spent in each completed
	// phase. The pipeline appends an entry after every stage; the final
	// map lands in the result diagnostics.
	KeyPhaseTimings = Key[map[Phase]time.Duration]{"execution.phase_timings"}

	// KeyBudgetUniversesLaunched tracks cumulative universes generated
	// across the request for budget management.
	KeyBudgetUniversesLaunched = Key[int64]{"execution.budget.universes_launched"}

	// KeyBudgetDeviceRetries tracks cumulative device dispatch retries
	// across the request for budget management.
	KeyBudgetDeviceRetries = Key[int64]{"execution.budget.device_retries"}

	// Per-request overrides resolved by the orchestrator from the
	// submitted DecisionConfig. When absent, stages fall back to their
	// own configured defaults.

	// KeyConfidenceLevel stores the confidence level for this request's
	// interval estimates, e.g. 0.95.
	KeyConfidenceLevel = Key[float64]{"execution.confidence_level"}

	// KeyPolicy stores the selection policy name for this request.
	KeyPolicy = Key[string]{"execution.policy"}

	// KeyPolicyParams stores parameters for the selection policy, such
	// as the risk aversion coefficient.
	KeyPolicyParams = Key[map[string]any]{"execution.policy_params"}
)

// State represents an immutable collection of request data that flows
// through the decision pipeline. It uses copy-on-write semantics on the
// key set to ensure thread-safety and prevent unintended mutations.
//
// Stored values are shared, not deep-copied: a single request carries
// thousands of Universe values, and copying them at every stage boundary
// would dominate the request budget. The contract is therefore that a
// value is frozen once stored; stages must build new slices and maps
// rather than mutating retrieved ones.
type State struct {
	// data holds the key-value pairs that make up the state.
	// It is unexported to maintain immutability guarantees.
	data map[string]any
}

// NewState creates a new empty State.
// The returned State is ready to use and can be safely shared across
// goroutines.
func NewState() State {
	return State{
		data: make(map[string]any),
	}
}

// Get retrieves a value from the State with compile-time type safety.
// It returns the value and a boolean indicating whether the key exists
// and contains a value of the correct type. The returned value is shared
// with the State and must not be mutated.
//
// Example:
//
//	universes, ok := Get(state, KeyUniverses)
//	if !ok {
//	    // handle missing value
//	}
//	// universes is typed as []Universe, no type assertion needed
func Get[T any](s State, key Key[T]) (T, bool) {
	var zero T
	value, exists := s.data[key.name]
	if !exists {
		return zero, false
	}

	val, ok := value.(T)
	if !ok {
		return zero, false
	}
	return val, true
}

// GetRaw is a method version of Get that uses a string key.
// For type safety, use the generic Get function instead.
func (s State) GetRaw(keyName string) (any, bool) {
	value, exists := s.data[keyName]
	return value, exists
}

// With creates a new State with the specified key-value pair added or
// updated. It implements copy-on-write semantics, returning a new State
// instance while leaving the original unchanged. This function is the
// primary way to add or update data in a State. The stored value must
// not be mutated afterwards.
//
// Example:
//
//	newState := With(state, KeySeed, int64(42))
func With[T any](s State, key Key[T], value T) State {
	newData := maps.Clone(s.data)
	newData[key.name] = value
	return State{data: newData}
}

// WithMultiple creates a new State with multiple key-value pairs added
// or updated. It is more efficient than chaining multiple With calls as
// it performs a single clone operation. The updates map uses string keys
// for flexibility when updating multiple values at once.
func (s State) WithMultiple(updates map[string]any) State {
	newData := maps.Clone(s.data)
	for k, v := range updates {
		newData[k] = v
	}
	return State{data: newData}
}

// Keys returns all keys present in the State.
// The returned slice can be used to iterate over all stored values and
// is safe to modify without affecting the original State.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// String returns a string representation of the State for debugging purposes.
func (s State) String() string {
	return fmt.Sprintf("State%v", s.data)
}

// RequestContext contains metadata about the current decision request
// that flows through the State during pipeline execution. It provides
// consistent access to request metadata for middleware and observability.
type RequestContext struct {
	// RequestID is a unique identifier for this decision request.
	RequestID string

	// Seed is the master seed for universe generation. Zero means the
	// orchestrator has not resolved the seed yet.
	Seed int64

	// UniverseCount is the fixed number of universes for this request.
	UniverseCount int
}

// WithRequestContext creates a new State with request metadata included
// and budget counters initialized, enabling tracking and observability.
// The orchestrator calls this once when a request enters the pipeline.
func (s State) WithRequestContext(rc RequestContext) State {
	updates := map[string]any{
		KeyRequestID.name:               rc.RequestID,
		KeySeed.name:                    rc.Seed,
		KeyUniverseCount.name:           rc.UniverseCount,
		KeyBudgetUniversesLaunched.name: int64(0),
		KeyBudgetDeviceRetries.name:     int64(0),
	}
	return s.WithMultiple(updates)
}

// GetRequestContext extracts request metadata from the State.
// It returns the request context and a boolean indicating whether all
// required fields are present and valid.
func (s State) GetRequestContext() (RequestContext, bool) {
	requestID, ok1 := Get(s, KeyRequestID)
	seed, ok2 := Get(s, KeySeed)
	count, ok3 := Get(s, KeyUniverseCount)

	if !ok1 || !ok2 || !ok3 {
		return RequestContext{}, false
	}

	return RequestContext{
		RequestID:     requestID,
		Seed:          seed,
		UniverseCount: count,
	}, true
}

// Usage tracks current resource consumption during a decision request.
// It maintains counters for universes launched and device retries.
type Usage struct {
	// Universes is the cumulative number of universes generated.
	Universes int64

	// DeviceRetries is the cumulative number of device dispatch retries.
	DeviceRetries int64
}

// UpdateBudgetUsage creates a new State with updated budget consumption
// values. Middleware components that track resource consumption use this
// to record progress. It increments the existing values rather than
// replacing them.
func (s State) UpdateBudgetUsage(universes, retries int64) State {
	currentUniverses, _ := Get(s, KeyBudgetUniversesLaunched)
	currentRetries, _ := Get(s, KeyBudgetDeviceRetries)

	updates := map[string]any{
		KeyBudgetUniversesLaunched.name: currentUniverses + universes,
		KeyBudgetDeviceRetries.name:     currentRetries + retries,
	}
	return s.WithMultiple(updates)
}

// GetBudgetUsage retrieves the current budget consumption from the State.
// It returns a Usage struct containing cumulative resource consumption,
// enabling middleware and monitoring components to access current usage.
func (s State) GetBudgetUsage() Usage {
	universes, _ := Get(s, KeyBudgetUniversesLaunched)
	retries, _ := Get(s, KeyBudgetDeviceRetries)

	return Usage{
		Universes:     universes,
		DeviceRetries: retries,
	}
}
