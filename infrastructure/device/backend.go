// Package device provides accelerator backends for universe evaluation
// with built-in support for rate limiting, retries, metrics, and tracing.
//
// The package abstracts execution runtimes behind the ports.DeviceBackend
// interface while adding operational cross-cutting concerns through a
// middleware pattern. This allows the engine to switch runtimes or add
// resilience features without changing orchestration code.
//
// Architecture:
//   - Backend implementations created through a factory registry
//   - Cross-cutting concerns composed through a middleware chain
//   - Device reservations tracked by a memory-aware Pool
//   - Compiled scoring graphs reused through an LRU GraphCache
//
// Basic usage:
//
//	backend, err := device.NewBackend("cpu", device.BackendConfig{
//	    Params: map[string]any{"devices": 4},
//	})
//
// Advanced usage with middleware:
//
//	backend, err := device.NewBackend("cpu", device.BackendConfig{
//	    Params: map[string]any{"devices": 8},
//	    Middleware: []device.Middleware{
//	        device.RateLimitMiddleware(50, 100),
//	        device.RetryMiddleware(3, 100*time.Millisecond, 5*time.Second),
//	        device.MetricsMiddleware(collector),
//	    },
//	})
package device

import (
	"fmt"

	"github.com/ahrav/go-sibyl/internal/ports"
)

// Middleware wraps a DeviceBackend implementation to add cross-cutting functionality.
// This pattern allows composition of features like rate limiting, retries,
// metrics collection, and tracing without modifying backend logic.
type Middleware func(ports.DeviceBackend) ports.DeviceBackend

// BackendConfig holds all configuration options for creating a device backend.
// This struct centralizes backend-specific parameters and the middleware
// chain applied to the created instance.
type BackendConfig struct {
	// Params carries backend-specific settings such as device count or
	// per-device memory. Backends ignore keys they do not recognize.
	Params map[string]any

	// Middleware allows custom middleware insertion.
	// These are applied in the order specified.
	Middleware []Middleware
}

// NewBackend creates a device backend of the specified type with the given
// configuration. This function assembles the middleware chain and validates
// configuration before returning a ready-to-use backend.
func NewBackend(backendType string, config BackendConfig) (ports.DeviceBackend, error) {
	factory, ok := backendFactories[backendType]
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", backendType)
	}

	backend, err := factory(config.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}

	return Wrap(backend, config.Middleware...), nil
}

// Wrap applies middleware to an existing backend.
// Middleware is applied in reverse order so the first middleware is the outermost.
func Wrap(backend ports.DeviceBackend, middleware ...Middleware) ports.DeviceBackend {
	for i := len(middleware) - 1; i >= 0; i-- {
		backend = middleware[i](backend)
	}
	return backend
}

// Backend factory registry for extensibility.
// This allows registration of custom runtimes at startup
// while keeping engine code independent of concrete backends.
var backendFactories = map[string]ports.BackendFactory{}

// RegisterBackendFactory allows registration of custom device backend factories.
// This enables extension with additional runtimes without modifying
// the core library code.
func RegisterBackendFactory(backendType string, factory ports.BackendFactory) {
	backendFactories[backendType] = factory
}
