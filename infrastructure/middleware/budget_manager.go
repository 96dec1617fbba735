// Package middleware provides cross-cutting concerns for the decision
// engine. It implements the middleware/wrapper pattern to keep stage
// logic clean while adding budget enforcement, tracing, and metrics.
package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-sibyl/internal/application"
	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// Budget defines resource consumption limits for a decision request.
// It caps the universes a request may launch and the device dispatch
// retries it may consume, so a misconfigured request cannot occupy the
// device fleet indefinitely.
type Budget struct {
	// MaxUniverses limits the total number of universes a request may
	// generate. Zero means unlimited.
	MaxUniverses int64

	// MaxRetries limits the cumulative device dispatch retries a
	// request may consume. Zero means unlimited.
	MaxRetries int64
}

// BudgetObserver provides observability hooks for budget operations.
// Implementations can add tracing, metrics, and logging without
// coupling observability concerns to core budget logic.
type BudgetObserver interface {
	// PreCheck is called before budget limit validation. The returned
	// context is threaded into the wrapped stage and handed back to
	// PostCheck, so implementations can carry a span across the pair.
	PreCheck(ctx context.Context, usage domain.Usage, budget Budget) context.Context

	// PostCheck is called after stage execution with usage and timing
	// information.
	PostCheck(ctx context.Context, usage domain.Usage, budget Budget, elapsed time.Duration, err error)
}

// BudgetManager enforces universe and retry limits during request
// execution. It reads budget usage from request-scoped state and
// validates against configured limits without maintaining any shared
// mutable state.
type BudgetManager struct {
	// budget holds the immutable budget limits for this manager.
	budget Budget

	// next holds the wrapped stage in the execution chain.
	next ports.Stage

	// observer provides optional observability hooks for tracing and
	// metrics.
	observer BudgetObserver
}

// NewBudgetManager creates a new BudgetManager middleware instance with
// the specified budget limits, wrapped stage, and optional observer.
// The manager is stateless and thread-safe by design.
func NewBudgetManager(budget Budget, next ports.Stage, observer BudgetObserver) *BudgetManager {
	if next == nil {
		panic("budget manager: next stage is required")
	}
	return &BudgetManager{
		budget:   budget,
		next:     next,
		observer: observer,
	}
}

// Name returns the wrapped stage's name with a budget prefix so logs
// and metrics show the wrap.
func (bm *BudgetManager) Name() string { return "budget:" + bm.next.Name() }

// Phase delegates to the wrapped stage; the manager is transparent to
// the orchestrator's phase map.
func (bm *BudgetManager) Phase() domain.Phase { return bm.next.Phase() }

// Execute performs budget enforcement around stage execution.
// It validates budget limits before and after execution while
// maintaining complete thread safety through stateless design.
func (bm *BudgetManager) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	usage := state.GetBudgetUsage()
	if err := bm.checkBudgetLimits(usage); err != nil {
		return state, err
	}

	if bm.observer != nil {
		ctx = bm.observer.PreCheck(ctx, usage, bm.budget)
	}

	start := time.Now()
	newState, err := bm.next.Execute(ctx, state)
	elapsed := time.Since(start)

	finalUsage := newState.GetBudgetUsage()
	if bm.observer != nil {
		bm.observer.PostCheck(ctx, finalUsage, bm.budget, elapsed, err)
	}

	// We check the budget again after execution to catch consumption
	// that occurred within the stage itself. The sampler records the
	// universes it generated and the executor records its dispatch
	// retries, so the post-check is where overruns actually surface.
	if err == nil {
		if budgetErr := bm.checkBudgetLimits(finalUsage); budgetErr != nil {
			return newState, budgetErr
		}
	}

	return newState, err
}

// Validate checks if the BudgetManager is properly configured.
// It verifies that budget limits are reasonable and the wrapped stage
// is valid.
func (bm *BudgetManager) Validate() error {
	if bm.next == nil {
		return fmt.Errorf("budget manager: next stage is required")
	}

	if bm.budget.MaxUniverses < 0 {
		return fmt.Errorf("budget manager: max_universes cannot be negative, got %d", bm.budget.MaxUniverses)
	}

	if bm.budget.MaxRetries < 0 {
		return fmt.Errorf("budget manager: max_retries cannot be negative, got %d", bm.budget.MaxRetries)
	}

	return bm.next.Validate()
}

// checkBudgetLimits verifies that current usage is within configured
// limits. It returns a BudgetExceededError if any limit is violated.
func (bm *BudgetManager) checkBudgetLimits(usage domain.Usage) error {
	if bm.budget.MaxUniverses > 0 && usage.Universes > bm.budget.MaxUniverses {
		return domain.NewBudgetExceededError(
			"universes",
			bm.next.Name(),
			bm.budget.MaxUniverses,
			usage.Universes,
		)
	}

	if bm.budget.MaxRetries > 0 && usage.DeviceRetries > bm.budget.MaxRetries {
		return domain.NewBudgetExceededError(
			"retries",
			bm.next.Name(),
			bm.budget.MaxRetries,
			usage.DeviceRetries,
		)
	}

	return nil
}

// BudgetFromConfig converts an application.BudgetConfig to a
// middleware.Budget. It simplifies creating Budget instances from
// loaded engine configuration.
func BudgetFromConfig(config application.BudgetConfig) Budget {
	return Budget{
		MaxUniverses: config.MaxUniverses,
		MaxRetries:   config.MaxRetries,
	}
}
