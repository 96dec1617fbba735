package device

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// retryBackend implements automatic retry logic with exponential backoff
// for batch execution. This handles transient device failures by retrying
// batches with increasing delays while respecting context cancellation.
//
// Only RunBatch is retried. Compilation failures are permanent for a
// device and discovery failures are handled by the pool, so those calls
// pass through unchanged.
type retryBackend struct {
	next       ports.DeviceBackend
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// RetryMiddleware creates middleware that automatically retries failed
// batches with exponential backoff. Only errors the backend classifies as
// retryable trigger another attempt; everything else fails immediately.
func RetryMiddleware(maxRetries int, baseDelay, maxDelay time.Duration) Middleware {
	return func(next ports.DeviceBackend) ports.DeviceBackend {
		return &retryBackend{
			next:       next,
			maxRetries: maxRetries,
			baseDelay:  baseDelay,
			maxDelay:   maxDelay,
		}
	}
}

// Name returns the backend identifier from the wrapped implementation.
func (r *retryBackend) Name() string { return r.next.Name() }

// ListDevices enumerates devices through the wrapped implementation.
func (r *retryBackend) ListDevices(ctx context.Context) ([]ports.DeviceInfo, error) {
	return r.next.ListDevices(ctx)
}

// Compile forwards compilation to the wrapped implementation without retry.
func (r *retryBackend) Compile(ctx context.Context, device domain.DeviceID, sig ports.GraphSignature, scorer ports.Scorer) (ports.CompiledGraph, error) {
	return r.next.Compile(ctx, device, sig, scorer)
}

// HealthCheck probes the device through the wrapped implementation.
func (r *retryBackend) HealthCheck(ctx context.Context, device domain.DeviceID) error {
	return r.next.HealthCheck(ctx, device)
}

// RunBatch executes the batch with automatic retry logic.
// It implements exponential backoff with jitter and respects context
// cancellation to avoid unnecessary attempts. Each retry is reported to
// the request's RetryRecorder when one is installed in the context.
func (r *retryBackend) RunBatch(ctx context.Context, device domain.DeviceID, graph ports.CompiledGraph, batch ports.BatchRequest) (ports.BatchResult, error) {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		result, err := r.next.RunBatch(ctx, device, graph, batch)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			break
		}

		if attempt == r.maxRetries {
			break
		}

		if recorder := RetryRecorderFrom(ctx); recorder != nil {
			recorder.Add(1)
		}

		delay := r.calculateDelay(attempt, err)

		select {
		case <-ctx.Done():
			return ports.BatchResult{}, ctx.Err()
		case <-time.After(delay):
			// Continue to next attempt.
		}
	}

	return ports.BatchResult{}, fmt.Errorf("batch failed after %d attempts: %w", r.maxRetries+1, lastErr)
}

func (r *retryBackend) calculateDelay(attempt int, err error) time.Duration {
	// A server-provided retry hint overrides the computed backoff.
	var backendErr *ports.BackendError
	if errors.As(err, &backendErr) && backendErr.RetryAfter != nil {
		return *backendErr.RetryAfter
	}

	// Exponential backoff with jitter.
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	// #nosec G115 - attempt is bounded between 0 and 30
	multiplier := 1 << uint(attempt)
	delay := time.Duration(float64(r.baseDelay) * float64(multiplier))

	// Add jitter (±25%)
	// #nosec G404 - Using weak RNG is acceptable for jitter calculation
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.5)
	delay = delay + jitter - (delay / 4)

	if delay > r.maxDelay {
		delay = r.maxDelay
	}

	return delay
}

// retryable reports whether the error represents a transient condition
// worth another attempt.
func retryable(err error) bool {
	var backendErr *ports.BackendError
	if errors.As(err, &backendErr) {
		return backendErr.IsRetryable()
	}
	return false
}
