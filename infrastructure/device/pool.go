package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// ErrPoolClosed indicates that the pool rejected a request because Close
// was already called.
var ErrPoolClosed = errors.New("device pool is closed")

// Default pool sizing and probing parameters.
const (
	// DefaultSlotBytes is the memory accounted to each universe slot when
	// the configuration does not override it.
	DefaultSlotBytes = 1 << 20

	// DefaultHeadroom is the fraction of device memory available for
	// universe slots. The remainder absorbs runtime overhead such as
	// compiled graphs and transfer buffers.
	DefaultHeadroom = 0.90

	// DefaultProbeInterval is how often unhealthy devices are re-checked
	// for re-admission.
	DefaultProbeInterval = 5 * time.Second

	// DefaultProbeTimeout bounds each individual health check.
	DefaultProbeTimeout = 2 * time.Second
)

// PoolConfig holds the sizing and probing parameters for a Pool.
type PoolConfig struct {
	// SlotBytes is the memory accounted to each universe slot. Each
	// device grants floor(total_memory × headroom ÷ slot_bytes) slots.
	SlotBytes uint64

	// Headroom is the fraction of device memory usable for slots,
	// in (0.0, 1.0].
	Headroom float64

	// ProbeInterval is the period between re-admission probes of
	// unhealthy devices.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each health check issued by the pool.
	ProbeTimeout time.Duration
}

// Pool tracks device reservation state across concurrent requests: which
// devices are healthy, how many universe slots each has, and how many are
// reserved. It is the only shared mutable state between requests, guarded
// by a single mutex.
//
// Acquire never blocks waiting for capacity. Scarcity produces a partial
// grant with a reported shortfall, and total absence of capacity produces
// a device-unavailable error, so callers always learn the truth
// immediately.
type Pool struct {
	backend       ports.DeviceBackend
	slotBytes     uint64
	headroom      float64
	probeInterval time.Duration
	probeTimeout  time.Duration

	mu      sync.Mutex
	devices map[domain.DeviceID]*deviceState
	order   []domain.DeviceID
	next    int
	closed  bool

	suspects chan domain.DeviceID
	done     chan struct{}
	wg       sync.WaitGroup
}

// deviceState is the bookkeeping record for one device.
type deviceState struct {
	info     ports.DeviceInfo
	capacity int
	inUse    int
	healthy  bool
}

var _ ports.DevicePool = (*Pool)(nil)

// NewPool discovers the backend's devices, probes their health, and
// returns a pool ready to grant slots. A background goroutine re-probes
// unhealthy devices for re-admission until Close is called.
func NewPool(ctx context.Context, backend ports.DeviceBackend, config PoolConfig) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if config.SlotBytes == 0 {
		config.SlotBytes = DefaultSlotBytes
	}
	if config.Headroom == 0 {
		config.Headroom = DefaultHeadroom
	}
	if !IsFraction(config.Headroom) {
		return nil, fmt.Errorf("headroom must be in (0.0, 1.0], got %v", config.Headroom)
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}

	infos, err := backend.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("backend %s exposes no devices", backend.Name())
	}

	p := &Pool{
		backend:       backend,
		slotBytes:     config.SlotBytes,
		headroom:      config.Headroom,
		probeInterval: config.ProbeInterval,
		probeTimeout:  config.ProbeTimeout,
		devices:       make(map[domain.DeviceID]*deviceState, len(infos)),
		order:         make([]domain.DeviceID, 0, len(infos)),
		suspects:      make(chan domain.DeviceID, 64),
		done:          make(chan struct{}),
	}

	for _, info := range infos {
		probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		healthErr := backend.HealthCheck(probeCtx, info.ID)
		cancel()

		p.devices[info.ID] = &deviceState{
			info:     info,
			capacity: int(float64(info.TotalMemory) * p.headroom / float64(p.slotBytes)),
			healthy:  healthErr == nil,
		}
		p.order = append(p.order, info.ID)
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Acquire reserves up to slots universe slots across healthy devices,
// spreading the reservation as evenly as the free capacity allows. The
// returned grant may be partial; Shortfall reports how many requested
// slots could not be reserved. When no healthy device has free capacity,
// Acquire returns a device-unavailable error instead of blocking.
func (p *Pool) Acquire(ctx context.Context, slots int) (*ports.DeviceGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if slots <= 0 {
		return nil, fmt.Errorf("slots must be positive, got %d", slots)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	// Candidates are collected in rotation order so successive requests
	// start on different devices.
	healthy := 0
	candidates := make([]*deviceState, 0, len(p.order))
	ids := make([]domain.DeviceID, 0, len(p.order))
	for i := 0; i < len(p.order); i++ {
		id := p.order[(p.next+i)%len(p.order)]
		st := p.devices[id]
		if !st.healthy {
			continue
		}
		healthy++
		if st.capacity-st.inUse <= 0 {
			continue
		}
		candidates = append(candidates, st)
		ids = append(ids, id)
	}
	p.next = (p.next + 1) % len(p.order)

	if len(candidates) == 0 {
		return nil, domain.NewDeviceUnavailableError(slots, healthy)
	}

	// Distribute in even rounds. Each round hands every candidate an
	// equal share of what remains, bounded by its free capacity, so a
	// large device cannot starve small ones.
	remaining := slots
	granted := make(map[domain.DeviceID]int, len(candidates))
	for remaining > 0 {
		progress := false
		share := remaining / len(candidates)
		if share == 0 {
			share = 1
		}
		for i, st := range candidates {
			if remaining == 0 {
				break
			}
			free := st.capacity - st.inUse
			if free <= 0 {
				continue
			}
			take := share
			if take > free {
				take = free
			}
			if take > remaining {
				take = remaining
			}
			st.inUse += take
			granted[ids[i]] += take
			remaining -= take
			progress = true
		}
		if !progress {
			break
		}
	}

	devices := make([]domain.DeviceID, 0, len(granted))
	for _, id := range ids {
		if granted[id] > 0 {
			devices = append(devices, id)
		}
	}

	return &ports.DeviceGrant{
		Devices:   devices,
		Slots:     granted,
		Shortfall: remaining,
	}, nil
}

// Release returns a grant's reservations to the pool. Unknown devices are
// ignored so a grant can be released after topology changes.
func (p *Pool) Release(grant *ports.DeviceGrant) {
	if grant == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for id, n := range grant.Slots {
		st, ok := p.devices[id]
		if !ok {
			continue
		}
		st.inUse -= n
		if st.inUse < 0 {
			st.inUse = 0
		}
	}
}

// Suspect schedules an asynchronous health re-check of a device that
// raised during execution. The device keeps its current admission state
// until the check completes; only a failed check evicts it from future
// grants.
func (p *Pool) Suspect(device domain.DeviceID) {
	select {
	case p.suspects <- device:
	default:
		// A full queue is fine; the next failure re-suspects the device.
	}
}

// Close stops the probe goroutine and marks the pool closed. Subsequent
// Acquire calls fail with ErrPoolClosed. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	return nil
}

// PoolStats is a point-in-time snapshot of pool capacity and health.
type PoolStats struct {
	// Devices is the number of devices the pool tracks.
	Devices int `json:"devices"`

	// HealthyDevices is the number currently admitted for grants.
	HealthyDevices int `json:"healthy_devices"`

	// CapacitySlots is the total slot capacity across healthy devices.
	CapacitySlots int `json:"capacity_slots"`

	// InUseSlots is the number of slots currently reserved.
	InUseSlots int `json:"in_use_slots"`
}

// Stats returns a snapshot of the pool's current capacity and health.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Devices: len(p.order)}
	for _, st := range p.devices {
		stats.InUseSlots += st.inUse
		if st.healthy {
			stats.HealthyDevices++
			stats.CapacitySlots += st.capacity
		}
	}
	return stats
}

// run drains suspicion reports and periodically re-probes unhealthy
// devices so recovered hardware rejoins the pool without operator action.
func (p *Pool) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case device := <-p.suspects:
			p.probe(device)
		case <-ticker.C:
			for _, device := range p.unhealthy() {
				p.probe(device)
			}
		}
	}
}

// probe runs one bounded health check and updates the device's admission
// state from the result.
func (p *Pool) probe(device domain.DeviceID) {
	ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout)
	defer cancel()

	err := p.backend.HealthCheck(ctx, device)

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.devices[device]
	if !ok {
		return
	}
	st.healthy = err == nil
}

func (p *Pool) unhealthy() []domain.DeviceID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.DeviceID
	for _, id := range p.order {
		if !p.devices[id].healthy {
			out = append(out, id)
		}
	}
	return out
}
