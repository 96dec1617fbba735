package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// MockBackend provides a configurable mock implementation of
// ports.DeviceBackend for testing. It allows precise control over device
// topology, failure behavior, and timing to facilitate middleware, pool,
// and pipeline testing without real hardware.
type MockBackend struct {
	mu sync.Mutex

	// Topology configuration
	BackendName string
	Devices     []ports.DeviceInfo

	// Behavior configuration
	CompileError     error                         // Returned by every Compile when set
	BatchError       error                         // Returned by RunBatch when set
	BatchErrors      map[domain.DeviceID]error     // Per-device RunBatch failures
	HealthErrors     map[domain.DeviceID]error     // Per-device health results
	BatchDelay       time.Duration                 // Simulated execution time per batch
	FailUntilAttempt int                           // Fail RunBatch for first N calls, then succeed
	ScoreFn          func(universe domain.Universe, option domain.DecisionOption) float64

	// Tracking
	CompileCalls int
	BatchCalls   int
	HealthCalls  map[domain.DeviceID]int
	Batches      []ports.BatchRequest
}

var _ ports.DeviceBackend = (*MockBackend)(nil)

// NewMockBackend creates a mock backend exposing deviceCount devices named
// mock0 through mockN-1, each reporting one gigabyte of memory, with
// default successful behavior.
func NewMockBackend(deviceCount int) *MockBackend {
	devices := make([]ports.DeviceInfo, 0, deviceCount)
	for i := 0; i < deviceCount; i++ {
		devices = append(devices, ports.DeviceInfo{
			ID:          domain.DeviceID(fmt.Sprintf("mock%d", i)),
			TotalMemory: 1 << 30,
		})
	}

	return &MockBackend{
		BackendName:  "mock",
		Devices:      devices,
		BatchErrors:  make(map[domain.DeviceID]error),
		HealthErrors: make(map[domain.DeviceID]error),
		HealthCalls:  make(map[domain.DeviceID]int),
	}
}

// Name returns the configured backend name.
func (m *MockBackend) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BackendName
}

// ListDevices returns the configured device topology.
func (m *MockBackend) ListDevices(ctx context.Context) ([]ports.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]ports.DeviceInfo, len(m.Devices))
	copy(infos, m.Devices)
	return infos, nil
}

// Compile implements the DeviceBackend interface with configurable behavior.
func (m *MockBackend) Compile(ctx context.Context, device domain.DeviceID, sig ports.GraphSignature, scorer ports.Scorer) (ports.CompiledGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompileCalls++
	if m.CompileError != nil {
		return nil, m.CompileError
	}

	return &mockGraph{sig: sig}, nil
}

// RunBatch implements the DeviceBackend interface with configurable behavior.
func (m *MockBackend) RunBatch(ctx context.Context, device domain.DeviceID, graph ports.CompiledGraph, batch ports.BatchRequest) (ports.BatchResult, error) {
	m.mu.Lock()
	m.BatchCalls++
	calls := m.BatchCalls
	m.Batches = append(m.Batches, batch)
	delay := m.BatchDelay
	failUntil := m.FailUntilAttempt
	batchErr := m.BatchError
	if deviceErr, ok := m.BatchErrors[device]; ok {
		batchErr = deviceErr
	}
	scoreFn := m.ScoreFn
	m.mu.Unlock()

	// Simulate execution time if configured.
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ports.BatchResult{}, ctx.Err()
		}
	}

	if batchErr != nil && (failUntil == 0 || calls <= failUntil) {
		return ports.BatchResult{}, batchErr
	}

	outcomes := make([]domain.UniverseOutcome, 0, len(batch.Universes))
	for _, universe := range batch.Universes {
		if err := ctx.Err(); err != nil {
			return ports.BatchResult{}, err
		}

		scores := make(map[string]float64, len(batch.Options))
		for _, option := range batch.Options {
			if scoreFn != nil {
				scores[option.ID] = scoreFn(universe, option)
			} else {
				scores[option.ID] = 1.0
			}
		}
		outcomes = append(outcomes, domain.UniverseOutcome{
			UniverseID: universe.ID,
			Scores:     scores,
			Status:     domain.StatusOK,
		})
	}

	return ports.BatchResult{Outcomes: outcomes}, nil
}

// HealthCheck implements the DeviceBackend interface with per-device results.
func (m *MockBackend) HealthCheck(ctx context.Context, device domain.DeviceID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.HealthCalls[device]++
	return m.HealthErrors[device]
}

// SetHealthError configures the result of subsequent health checks for a
// device. A nil err marks the device healthy again.
func (m *MockBackend) SetHealthError(device domain.DeviceID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.HealthErrors, device)
		return
	}
	m.HealthErrors[device] = err
}

// SetBatchError configures a per-device RunBatch failure. A nil err clears it.
func (m *MockBackend) SetBatchError(device domain.DeviceID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.BatchErrors, device)
		return
	}
	m.BatchErrors[device] = err
}

// GetBatchCalls returns the number of times RunBatch was called.
func (m *MockBackend) GetBatchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BatchCalls
}

// GetHealthCalls returns the number of health checks issued for a device.
func (m *MockBackend) GetHealthCalls(device domain.DeviceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.HealthCalls[device]
}

// Reset clears all tracking data while preserving configuration.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompileCalls = 0
	m.BatchCalls = 0
	m.HealthCalls = make(map[domain.DeviceID]int)
	m.Batches = nil
}

// mockGraph is the compiled-graph handle returned by MockBackend.
type mockGraph struct {
	sig ports.GraphSignature
}

// Signature returns the signature this graph was compiled for.
func (g *mockGraph) Signature() ports.GraphSignature { return g.sig }
