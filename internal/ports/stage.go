// Package ports defines the core interfaces that form the contract between
// the domain/application layers and the infrastructure layer.
// These interfaces enable dependency inversion and make the system testable.
package ports

import (
	"context"

	"github.com/ahrav/go-sibyl/internal/domain"
)

// Stage represents one step of the decision pipeline. Each Stage performs
// a specific transformation on the request State — sampling universes,
// executing device batches, aggregating outcomes, or synthesizing the
// decision — enabling composable and reusable pipeline logic.
// Stages should be stateless across requests and thread-safe for
// concurrent execution.
type Stage interface {
	// Name returns a unique identifier for this stage.
	// The name is used for observability, diagnostics, and configuration.
	Name() string

	// Phase returns the request lifecycle phase this stage drives. The
	// orchestrator records the transition before the stage executes.
	Phase() domain.Phase

	// Execute performs the stage's transformation on the provided State.
	// It returns a new State containing the results of the transformation.
	// The original State must not be modified (immutability principle).
	// Any errors during execution should be returned rather than panicking.
	//
	// The context parameter carries the request deadline; stages must
	// respect cancellation and return promptly.
	//
	// Example:
	//
	//	newState, err := stage.Execute(ctx, state)
	//	if err != nil {
	//	    return nil, fmt.Errorf("stage %s failed: %w", stage.Name(), err)
	//	}
	Execute(ctx context.Context, state domain.State) (domain.State, error)

	// Validate checks if the stage is properly configured and ready for
	// execution. It is typically called during pipeline construction.
	// Return nil if validation passes, or an error describing what is
	// invalid.
	Validate() error
}
