package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors that can occur during decision operations.
// Structured error types below unwrap to these sentinels so callers can
// classify failures with errors.Is without depending on concrete types.
var (
	// ErrDeviceUnavailable indicates that no devices could be acquired
	// for a request. Fatal; the request fails immediately.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrQuorumNotMet indicates that too few universes completed before
	// the deadline for the result to be trusted.
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrInsufficientData indicates that every option lacks enough
	// samples to synthesize a decision from.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrCompilation indicates that the scoring function could not be
	// compiled for a device backend. Scoped to one device; other
	// devices continue.
	ErrCompilation = errors.New("compilation failed")

	// ErrBudgetExceeded indicates that a request exceeded one of its
	// configured execution budgets.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrKeyNotFound indicates that a required state key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEmptyValue indicates that a required value is empty or nil.
	ErrEmptyValue = errors.New("empty value")

	// ErrInvalidConfiguration indicates that configuration is invalid or
	// incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// IsTerminal reports whether err is one of the failure classes that
// propagate to the caller instead of being absorbed into diagnostics:
// device unavailability, quorum shortfall, or insufficient data.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrQuorumNotMet) ||
		errors.Is(err, ErrInsufficientData)
}

// DeviceUnavailableError reports that the pool could not grant any
// capacity for a request.
type DeviceUnavailableError struct {
	// Requested is the number of universe slots asked for.
	Requested int

	// Healthy is the number of healthy devices at acquisition time.
	Healthy int
}

// Error implements the error interface for DeviceUnavailableError.
func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device unavailable: requested %d slots, %d healthy devices", e.Requested, e.Healthy)
}

// Unwrap returns ErrDeviceUnavailable so errors.Is can classify this
// failure.
func (e *DeviceUnavailableError) Unwrap() error { return ErrDeviceUnavailable }

// NewDeviceUnavailableError creates a DeviceUnavailableError with the
// given capacity snapshot.
func NewDeviceUnavailableError(requested, healthy int) *DeviceUnavailableError {
	return &DeviceUnavailableError{Requested: requested, Healthy: healthy}
}

// QuorumNotMetError reports that fewer universes completed successfully
// than the configured quorum fraction requires. It carries the full
// outcome accounting so the failure is diagnosable.
type QuorumNotMetError struct {
	// Required is the number of ok outcomes the quorum demanded.
	Required int

	// Completed is the number of ok outcomes observed.
	Completed int

	// Failed is the number of outcomes lost to device errors.
	Failed int

	// TimedOut is the number of outcomes lost to batch timeouts.
	TimedOut int
}

// Error implements the error interface for QuorumNotMetError.
func (e *QuorumNotMetError) Error() string {
	return fmt.Sprintf("quorum not met: %d/%d universes completed (%d failed, %d timed out)",
		e.Completed, e.Required, e.Failed, e.TimedOut)
}

// Unwrap returns ErrQuorumNotMet so errors.Is can classify this failure.
func (e *QuorumNotMetError) Unwrap() error { return ErrQuorumNotMet }

// NewQuorumNotMetError creates a QuorumNotMetError from the outcome
// counts of a request.
func NewQuorumNotMetError(required, completed, failed, timedOut int) *QuorumNotMetError {
	return &QuorumNotMetError{
		Required:  required,
		Completed: completed,
		Failed:    failed,
		TimedOut:  timedOut,
	}
}

// InsufficientDataError reports that no option gathered enough samples
// to synthesize a decision. The engine refuses to guess.
type InsufficientDataError struct {
	// OptionIDs lists the options that lacked sufficient samples.
	OptionIDs []string
}

// Error implements the error interface for InsufficientDataError.
func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for all options: %s", strings.Join(e.OptionIDs, ", "))
}

// Unwrap returns ErrInsufficientData so errors.Is can classify this
// failure.
func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// NewInsufficientDataError creates an InsufficientDataError listing the
// undersampled options.
func NewInsufficientDataError(optionIDs []string) *InsufficientDataError {
	return &InsufficientDataError{OptionIDs: optionIDs}
}

// CompilationError reports that the scoring function could not be
// compiled for one device. The executor absorbs it, failing only that
// device's universes.
type CompilationError struct {
	// Device is the device the compilation was targeting.
	Device DeviceID

	// Signature is the graph signature that failed to compile.
	Signature string

	// Err is the underlying backend error.
	Err error
}

// Error implements the error interface for CompilationError.
func (e *CompilationError) Error() string {
	return fmt.Sprintf("compilation failed on device %s for signature %s: %v", e.Device, e.Signature, e.Err)
}

// Unwrap returns the underlying backend error.
func (e *CompilationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCompilation, letting errors.Is
// classify this failure while Unwrap exposes the backend cause.
func (e *CompilationError) Is(target error) bool { return target == ErrCompilation }

// NewCompilationError creates a CompilationError for the given device
// and signature.
func NewCompilationError(device DeviceID, signature string, err error) *CompilationError {
	return &CompilationError{Device: device, Signature: signature, Err: err}
}

// BudgetExceededError reports that a request ran past one of its
// execution budgets before completing.
type BudgetExceededError struct {
	// Kind names the exhausted budget: "deadline", "universes", or
	// "retries".
	Kind string

	// Limit is the configured budget value.
	Limit int64

	// Used is the consumption observed when the budget tripped.
	Used int64

	// Stage names the pipeline stage that was about to run or had just
	// run when the budget tripped.
	Stage string
}

// Error implements the error interface for BudgetExceededError.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded at stage %s: %s limit %d, used %d", e.Stage, e.Kind, e.Limit, e.Used)
}

// Unwrap returns ErrBudgetExceeded so errors.Is can classify this
// failure.
func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// NewBudgetExceededError creates a BudgetExceededError for the given
// budget kind and stage.
func NewBudgetExceededError(kind, stage string, limit, used int64) *BudgetExceededError {
	return &BudgetExceededError{Kind: kind, Stage: stage, Limit: limit, Used: used}
}

// ValidationError represents an error that occurred during validation.
// It can contain multiple validation failures.
type ValidationError struct {
	// Entity is the name of the entity that failed validation.
	Entity string

	// Errors contains the list of validation error messages.
	Errors []string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation error for %s: %s", e.Entity, e.Errors[0])
	}
	return fmt.Sprintf("validation errors for %s: %v", e.Entity, e.Errors)
}

// AddError adds a new error message to the validation error.
func (e *ValidationError) AddError(msg string) { e.Errors = append(e.Errors, msg) }

// HasErrors returns true if there are any validation errors.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

// NewValidationError creates a new ValidationError for the given entity.
func NewValidationError(entity string) *ValidationError {
	return &ValidationError{
		Entity: entity,
		Errors: make([]string, 0),
	}
}
