package device

import (
	"context"
	"errors"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// metricsBackend implements backend metrics collection.
// This provides observability into batch throughput, compile behavior,
// latency, and error rates for operational monitoring.
type metricsBackend struct {
	next      ports.DeviceBackend
	collector ports.MetricsCollector
}

// MetricsMiddleware creates middleware that collects backend metrics.
// This enables monitoring of device usage, performance, and failure
// patterns across runtimes.
func MetricsMiddleware(collector ports.MetricsCollector) Middleware {
	return func(next ports.DeviceBackend) ports.DeviceBackend {
		return &metricsBackend{
			next:      next,
			collector: collector,
		}
	}
}

// Name returns the backend identifier from the wrapped implementation.
func (m *metricsBackend) Name() string { return m.next.Name() }

// ListDevices enumerates devices through the wrapped implementation.
func (m *metricsBackend) ListDevices(ctx context.Context) ([]ports.DeviceInfo, error) {
	return m.next.ListDevices(ctx)
}

// Compile measures compilation latency and outcome for each device.
func (m *metricsBackend) Compile(ctx context.Context, device domain.DeviceID, sig ports.GraphSignature, scorer ports.Scorer) (ports.CompiledGraph, error) {
	start := time.Now()
	graph, err := m.next.Compile(ctx, device, sig, scorer)

	if m.collector != nil {
		labels := map[string]string{
			"backend": m.next.Name(),
			"device":  string(device),
			"status":  classifyStatus(ctx, err),
		}
		m.collector.RecordHistogram("device_compile_latency_seconds", time.Since(start).Seconds(), labels)
		m.collector.RecordCounter("device_compiles_total", 1, labels)
	}

	return graph, err
}

// RunBatch executes the batch while collecting detailed metrics.
// This tracks batch latency, universe throughput, and failure status for
// comprehensive operational observability.
func (m *metricsBackend) RunBatch(ctx context.Context, device domain.DeviceID, graph ports.CompiledGraph, batch ports.BatchRequest) (ports.BatchResult, error) {
	start := time.Now()
	result, err := m.next.RunBatch(ctx, device, graph, batch)

	if m.collector != nil {
		labels := map[string]string{
			"backend": m.next.Name(),
			"device":  string(device),
			"status":  classifyStatus(ctx, err),
		}
		m.collector.RecordHistogram("device_batch_latency_seconds", time.Since(start).Seconds(), labels)
		m.collector.RecordCounter("device_batches_total", 1, labels)

		if err == nil {
			m.collector.RecordCounter("device_universes_total", float64(len(batch.Universes)), labels)
			m.collector.RecordHistogram("device_batch_size", float64(len(batch.Universes)), labels)
		}
	}

	return result, err
}

// HealthCheck probes the device and counts the probe outcome.
func (m *metricsBackend) HealthCheck(ctx context.Context, device domain.DeviceID) error {
	err := m.next.HealthCheck(ctx, device)

	if m.collector != nil {
		labels := map[string]string{
			"backend": m.next.Name(),
			"device":  string(device),
			"status":  classifyStatus(ctx, err),
		}
		m.collector.RecordCounter("device_health_checks_total", 1, labels)
	}

	return err
}

func classifyStatus(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ports.ErrRateLimited):
		return "rate_limited"
	case ctx.Err() == context.DeadlineExceeded:
		return "timeout"
	default:
		return "error"
	}
}
