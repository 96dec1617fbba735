package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
)

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus, OpenTelemetry, or custom monitoring solutions.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	// This is useful for tracking events like cache hits/misses, errors,
	// retries, and universe outcomes.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	// This is useful for tracking values like healthy device count,
	// reserved memory, and in-flight slots.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	// This is useful for tracking distributions like batch sizes and
	// utility scores.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

// StageObserver receives lifecycle notifications as a decision request
// moves through its phases. Implementations can add tracing, logging,
// or custom bookkeeping without coupling observability concerns to the
// orchestration logic.
//
// The context returned by PhaseStarted is threaded into the stage's
// execution and handed back to PhaseCompleted, allowing implementations
// to carry spans or other per-phase values across the pair of calls.
// Implementations must be safe for concurrent requests.
type StageObserver interface {
	// PhaseStarted is called when the request enters a phase, before
	// the stage driving that phase executes.
	PhaseStarted(ctx context.Context, requestID string, phase domain.Phase) context.Context

	// PhaseCompleted is called when the phase ends, with the wall time
	// spent and the stage error, if any. The ctx is the one returned
	// by the matching PhaseStarted call.
	PhaseCompleted(ctx context.Context, requestID string, phase domain.Phase, elapsed time.Duration, err error)
}

// ConfigLoader defines the interface for loading engine configuration.
// Implementations could read from files, environment variables, remote
// configuration services, or a combination of sources.
type ConfigLoader interface {
	// Load reads configuration from the underlying source.
	// It should populate the provided configuration struct.
	// The config parameter should be a pointer to a struct.
	//
	// Example:
	//
	//	var config EngineConfig
	//	err := loader.Load(ctx, &config)
	Load(ctx context.Context, config any) error
}
