package device

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// rateLimitedBackend implements batch pacing using a token bucket algorithm.
// This prevents a burst of universe batches from saturating a shared
// runtime and keeps dispatch rates predictable across requests.
type rateLimitedBackend struct {
	next    ports.DeviceBackend
	limiter *rate.Limiter
}

// RateLimitMiddleware creates middleware that paces batch dispatch using a
// token bucket algorithm. The limit parameter sets batches per second,
// while burst allows temporary spikes above the sustained rate.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(limit, burst)

	return func(next ports.DeviceBackend) ports.DeviceBackend {
		return &rateLimitedBackend{
			next:    next,
			limiter: limiter,
		}
	}
}

// Name returns the backend identifier from the wrapped implementation.
func (r *rateLimitedBackend) Name() string { return r.next.Name() }

// ListDevices enumerates devices through the wrapped implementation.
func (r *rateLimitedBackend) ListDevices(ctx context.Context) ([]ports.DeviceInfo, error) {
	return r.next.ListDevices(ctx)
}

// Compile forwards compilation to the wrapped implementation unpaced.
// Compilation happens once per signature and is already serialized by the
// graph cache, so pacing it would only delay warmup.
func (r *rateLimitedBackend) Compile(ctx context.Context, device domain.DeviceID, sig ports.GraphSignature, scorer ports.Scorer) (ports.CompiledGraph, error) {
	return r.next.Compile(ctx, device, sig, scorer)
}

// HealthCheck probes the device through the wrapped implementation.
func (r *rateLimitedBackend) HealthCheck(ctx context.Context, device domain.DeviceID) error {
	return r.next.HealthCheck(ctx, device)
}

// RunBatch waits for rate limit permission before dispatching the batch.
// This blocks the calling goroutine until a token is available or the
// context is canceled.
func (r *rateLimitedBackend) RunBatch(ctx context.Context, device domain.DeviceID, graph ports.CompiledGraph, batch ports.BatchRequest) (ports.BatchResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return ports.BatchResult{}, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.RunBatch(ctx, device, graph, batch)
}
