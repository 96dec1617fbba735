package device

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// tracingBackend implements distributed tracing for backend operations.
// Each compile and batch execution becomes a span carrying device identity
// and work-shape attributes, so slow or failing devices show up directly
// in trace views.
type tracingBackend struct {
	next   ports.DeviceBackend
	tracer trace.Tracer
}

// TracingMiddleware creates middleware that records a span for every
// compile and batch execution using the global OpenTelemetry tracer
// provider.
func TracingMiddleware() Middleware {
	tracer := otel.Tracer("device-backend")

	return func(next ports.DeviceBackend) ports.DeviceBackend {
		return &tracingBackend{
			next:   next,
			tracer: tracer,
		}
	}
}

// Name returns the backend identifier from the wrapped implementation.
func (t *tracingBackend) Name() string { return t.next.Name() }

// ListDevices enumerates devices through the wrapped implementation.
func (t *tracingBackend) ListDevices(ctx context.Context) ([]ports.DeviceInfo, error) {
	return t.next.ListDevices(ctx)
}

// Compile records a span around graph compilation.
func (t *tracingBackend) Compile(ctx context.Context, device domain.DeviceID, sig ports.GraphSignature, scorer ports.Scorer) (ports.CompiledGraph, error) {
	ctx, span := t.tracer.Start(ctx, "DeviceBackend.Compile",
		trace.WithAttributes(
			attribute.String("device.backend", t.next.Name()),
			attribute.String("device.id", string(device)),
			attribute.String("graph.signature", sig.String()),
		),
	)
	defer span.End()

	graph, err := t.next.Compile(ctx, device, sig, scorer)
	if err != nil {
		span.RecordError(err)
	}
	return graph, err
}

// RunBatch records a span around batch execution.
func (t *tracingBackend) RunBatch(ctx context.Context, device domain.DeviceID, graph ports.CompiledGraph, batch ports.BatchRequest) (ports.BatchResult, error) {
	ctx, span := t.tracer.Start(ctx, "DeviceBackend.RunBatch",
		trace.WithAttributes(
			attribute.String("device.backend", t.next.Name()),
			attribute.String("device.id", string(device)),
			attribute.Int("batch.universes", len(batch.Universes)),
			attribute.Int("batch.options", len(batch.Options)),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := t.next.RunBatch(ctx, device, graph, batch)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	span.SetAttributes(
		attribute.Int("batch.outcomes", len(result.Outcomes)),
		attribute.Int64("batch.latency_ms", time.Since(start).Milliseconds()),
	)
	return result, nil
}

// HealthCheck probes the device through the wrapped implementation.
func (t *tracingBackend) HealthCheck(ctx context.Context, device domain.DeviceID) error {
	return t.next.HealthCheck(ctx, device)
}
