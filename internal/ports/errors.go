package ports

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/go-sibyl/internal/domain"
)

// Common infrastructure errors that can occur during device backend
// interactions.
var (
	// ErrDeviceMemoryExceeded indicates that a batch did not fit in the
	// device's remaining memory.
	ErrDeviceMemoryExceeded = errors.New("device memory exceeded")

	// ErrRateLimited indicates that dispatch pacing rejected the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrBackendUnavailable indicates that the device backend is not
	// reachable or not serving.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidBatch indicates that a backend returned a malformed
	// batch result, e.g. an outcome count that does not match the
	// request.
	ErrInvalidBatch = errors.New("invalid batch result")

	// ErrUnknownDevice indicates that an operation referenced a device
	// the backend does not expose.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrConfigNotFound indicates that required configuration is missing.
	ErrConfigNotFound = errors.New("configuration not found")
)

// BackendError represents an error from a device backend operation.
// It includes the backend, device, and operation involved, plus any
// pacing hint the backend supplied.
type BackendError struct {
	// Backend is the name of the backend that generated the error.
	Backend string

	// Device is the device the operation was targeting.
	Device domain.DeviceID

	// Operation is the name of the operation that failed.
	Operation string

	// Err is the underlying error that occurred.
	Err error

	// RetryAfter indicates how long to wait before retrying, if
	// applicable.
	RetryAfter *time.Duration
}

// Error implements the error interface for BackendError.
func (e *BackendError) Error() string {
	msg := fmt.Sprintf("backend error: backend=%s, device=%s, operation=%s, err=%v",
		e.Backend, e.Device, e.Operation, e.Err)
	if e.RetryAfter != nil {
		msg += fmt.Sprintf(", retry_after=%v", *e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error { return e.Err }

// IsRetryable returns true if the error is temporary and the dispatch
// can be retried. Memory exhaustion and logic errors are not retryable;
// they surface as device failures instead.
func (e *BackendError) IsRetryable() bool {
	return errors.Is(e.Err, ErrRateLimited) ||
		errors.Is(e.Err, ErrBackendUnavailable) ||
		errors.Is(e.Err, ErrTimeout)
}

// NewBackendError creates a new BackendError with the given details.
func NewBackendError(backend string, device domain.DeviceID, operation string, err error) *BackendError {
	return &BackendError{
		Backend:   backend,
		Device:    device,
		Operation: operation,
		Err:       err,
	}
}

// ConfigError represents an error from configuration operations.
type ConfigError struct {
	// ConfigKey is the configuration key that was involved in the failed
	// operation.
	ConfigKey string

	// Err is the underlying error that caused the configuration operation
	// to fail.
	Err error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: key=%s, err=%v", e.ConfigKey, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a new ConfigError with the given details.
func NewConfigError(key string, err error) *ConfigError {
	return &ConfigError{
		ConfigKey: key,
		Err:       err,
	}
}
