package sibyl

import (
	"errors"
	"fmt"

	"github.com/ahrav/go-sibyl/internal/application"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// Option configures an Engine during construction.
// Options are applied in order; later options override earlier ones.
type Option func(*settings) error

// settings accumulates construction-time choices before the engine
// wiring runs. Fields left nil fall back to the built-in defaults.
type settings struct {
	config     *application.EngineConfig
	configFile string
	backend    ports.DeviceBackend
	metrics    ports.MetricsCollector
	observer   ports.StageObserver
	policies   map[string]ports.PolicyFactory
}

func newSettings() *settings {
	return &settings{policies: map[string]ports.PolicyFactory{}}
}

// resolveConfig produces the engine configuration from the applied
// options: a loaded file, a programmatic config, or the defaults.
// Programmatic configs pass through the same validation the loader
// applies to YAML documents.
func (s *settings) resolveConfig() (application.EngineConfig, error) {
	switch {
	case s.config != nil && s.configFile != "":
		return application.EngineConfig{}, errors.New("WithConfig and WithConfigFile are mutually exclusive")

	case s.configFile != "":
		loader, err := application.NewConfigLoader()
		if err != nil {
			return application.EngineConfig{}, fmt.Errorf("failed to create config loader: %w", err)
		}
		cfg, err := loader.LoadFromFile(s.configFile)
		if err != nil {
			return application.EngineConfig{}, err
		}
		return *cfg, nil

	case s.config != nil:
		cfg := *s.config
		if err := application.ValidateEngineConfig(&cfg); err != nil {
			return application.EngineConfig{}, err
		}
		return cfg, nil

	default:
		return application.DefaultEngineConfig(), nil
	}
}

// WithConfig supplies a programmatically constructed engine
// configuration. The config is validated during New with the same rules
// applied to YAML documents. Mutually exclusive with WithConfigFile.
func WithConfig(config EngineConfig) Option {
	return func(s *settings) error {
		s.config = &config
		return nil
	}
}

// WithConfigFile loads the engine configuration from a YAML file.
// Mutually exclusive with WithConfig.
func WithConfigFile(path string) Option {
	return func(s *settings) error {
		if path == "" {
			return errors.New("config file path cannot be empty")
		}
		s.configFile = path
		return nil
	}
}

// WithBackend supplies a custom device backend in place of the one
// named by the configuration. The configuration's resilience middleware
// (tracing, metrics, retry, rate limiting) still wraps it.
func WithBackend(backend ports.DeviceBackend) Option {
	return func(s *settings) error {
		if backend == nil {
			return errors.New("backend cannot be nil")
		}
		s.backend = backend
		return nil
	}
}

// WithMetrics replaces the default Prometheus metrics collector.
// Pass a collector shared across engines or a no-op implementation to
// suppress metric emission.
func WithMetrics(metrics ports.MetricsCollector) Option {
	return func(s *settings) error {
		if metrics == nil {
			return errors.New("metrics collector cannot be nil")
		}
		s.metrics = metrics
		return nil
	}
}

// WithObserver replaces the default OpenTelemetry stage observer that
// receives phase transition notifications for every request.
func WithObserver(observer ports.StageObserver) Option {
	return func(s *settings) error {
		if observer == nil {
			return errors.New("observer cannot be nil")
		}
		s.observer = observer
		return nil
	}
}

// WithPolicy registers a custom selection policy factory under the
// given name, making it available to requests alongside the built-in
// max_mean and risk_averse policies.
func WithPolicy(name string, factory ports.PolicyFactory) Option {
	return func(s *settings) error {
		if name == "" {
			return errors.New("policy name cannot be empty")
		}
		if factory == nil {
			return errors.New("policy factory cannot be nil")
		}
		s.policies[name] = factory
		return nil
	}
}
