package application

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-sibyl/internal/ports"
)

// ConfigLoader provides YAML parsing, validation, and caching for
// engine configurations, transforming declarative YAML documents into
// validated EngineConfig values.
// Use ConfigLoader to load configurations from files or readers while
// benefiting from SHA256-based caching and comprehensive validation.
type ConfigLoader struct {
	// validator performs struct field validation and custom validation
	// rules for engine configurations and their nested components.
	validator *validator.Validate
	// cache stores validated configurations indexed by SHA256 hash of
	// the normalized document to avoid revalidation of identical
	// sources.
	// WARNING: Cached configurations MUST NOT be mutated. Callers
	// share the nested maps and slices.
	cache map[string]*EngineConfig
	// cacheMu provides thread-safe access to the cache map during
	// concurrent read and write operations.
	cacheMu sync.RWMutex
	// sf prevents duplicate validation work when multiple goroutines
	// request the same configuration simultaneously.
	sf singleflight.Group
}

// NewConfigLoader creates a new configuration loader with validation
// capabilities and an empty cache, ready to load engine configurations.
// NewConfigLoader registers custom validators for semantic validation
// beyond basic struct field validation.
// NewConfigLoader returns an error if validator registration fails.
func NewConfigLoader() (*ConfigLoader, error) {
	v := validator.New()
	if err := RegisterEngineValidators(v); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	return &ConfigLoader{
		validator: v,
		cache:     make(map[string]*EngineConfig),
	}, nil
}

// load is the common implementation for loading configurations from
// byte data, utilizing singleflight to prevent duplicate validation and
// SHA256-based caching for efficiency.
// WARNING: The returned configuration is a pointer to a cached
// instance. Callers must not mutate it.
func (cl *ConfigLoader) load(data []byte) (*EngineConfig, error) {
	// Parse first to normalize the document before hashing, so
	// whitespace and key-order differences share a cache entry.
	config, err := cl.parseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	hash, err := cl.calculateConfigHash(config)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}

	v, err, _ := cl.sf.Do(hash, func() (any, error) {
		// Check cache inside singleflight to handle the race between
		// the cache check and singleflight group execution.
		if cached, ok := cl.getCachedConfig(hash); ok {
			return cached, nil
		}

		if err := cl.validateConfig(config); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}

		cl.cacheConfig(hash, config)
		return config, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*EngineConfig), nil
}

// LoadFromFile loads and validates an engine configuration from a YAML
// file, utilizing SHA256-based caching to avoid revalidating identical
// documents.
// WARNING: The returned configuration is a pointer to a cached
// instance. Callers must not mutate it.
// LoadFromFile returns an error if file reading, parsing, or
// validation fails.
func (cl *ConfigLoader) LoadFromFile(path string) (*EngineConfig, error) {
	// Clean the path to prevent directory traversal attacks.
	cleanPath := filepath.Clean(path)

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ports.ErrConfigNotFound, cleanPath)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return cl.load(data)
}

// LoadFromReader loads and validates an engine configuration from an
// io.Reader, supporting any source that implements the Reader
// interface. It applies the same caching and validation as
// LoadFromFile.
// WARNING: The returned configuration is a pointer to a cached
// instance. Callers must not mutate it.
func (cl *ConfigLoader) LoadFromReader(r io.Reader) (*EngineConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	return cl.load(data)
}

// parseYAML unmarshals YAML byte data into a structured EngineConfig,
// preserving stage parameter flexibility through yaml.Node fields.
// parseYAML uses strict decoding to detect unknown fields, preventing
// configuration typos from being silently ignored.
func (cl *ConfigLoader) parseYAML(data []byte) (*EngineConfig, error) {
	var config EngineConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict mode - fail on unknown fields.

	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("YAML decode failed: %w", err)
	}
	return &config, nil
}

// validateConfig performs comprehensive validation on a parsed engine
// configuration, including both struct field validation and semantic
// validation of relationships between configuration elements.
func (cl *ConfigLoader) validateConfig(config *EngineConfig) error {
	if err := cl.validator.Struct(config); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}

	if err := validateEngineSemantics(config); err != nil {
		return fmt.Errorf("semantic validation failed: %w", err)
	}

	return nil
}

// validateEngineSemantics applies domain-specific validation rules that
// cannot be expressed through struct tags: stage parameter documents,
// and cross-field constraints on retry and rate limit settings.
func validateEngineSemantics(config *EngineConfig) error {
	stageParams := map[string]yaml.Node{
		"sampler":     config.Stages.Sampler,
		"executor":    config.Stages.Executor,
		"aggregator":  config.Stages.Aggregator,
		"synthesizer": config.Stages.Synthesizer,
	}
	for _, name := range stageNames {
		if err := ValidateStageParameters(name, stageParams[name]); err != nil {
			return fmt.Errorf("stage %s parameter validation failed: %w", name, err)
		}
	}

	retry := config.Backend.Retry
	if retry.MaxWait > 0 && retry.InitialWait > retry.MaxWait {
		return fmt.Errorf("backend retry: initial_wait_ms %d exceeds max_wait_ms %d",
			retry.InitialWait, retry.MaxWait)
	}

	limit := config.Backend.RateLimit
	if limit.RequestsPerSecond > 0 && limit.Burst < 1 {
		return fmt.Errorf("backend rate_limit: burst must be at least 1 when a rate is set")
	}

	return nil
}

// ValidateEngineConfig validates a programmatically constructed engine
// configuration using the same rules the loader applies to YAML
// documents. Use it before building an engine from an in-memory config.
func ValidateEngineConfig(config *EngineConfig) error {
	v := validator.New()
	if err := RegisterEngineValidators(v); err != nil {
		return fmt.Errorf("failed to register validators: %w", err)
	}

	if err := v.Struct(config); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}

	return validateEngineSemantics(config)
}

// calculateConfigHash computes the SHA256 hash of a normalized
// EngineConfig for cache indexing, ensuring semantically identical
// configurations produce the same hash regardless of whitespace or key
// ordering differences.
func (cl *ConfigLoader) calculateConfigHash(config *EngineConfig) (string, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2) // Use consistent 2-space indentation.

	if err := encoder.Encode(config); err != nil {
		return "", fmt.Errorf("failed to encode config for hashing: %w", err)
	}

	hash := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(hash[:]), nil
}

// getCachedConfig attempts to retrieve a previously validated
// configuration from the cache using its SHA256 hash as the lookup key.
// getCachedConfig is safe for concurrent use.
func (cl *ConfigLoader) getCachedConfig(hash string) (*EngineConfig, bool) {
	cl.cacheMu.RLock()
	defer cl.cacheMu.RUnlock()

	config, ok := cl.cache[hash]
	return config, ok
}

// cacheConfig stores a validated configuration in the cache indexed by
// its normalized document's SHA256 hash for future retrieval.
// cacheConfig is safe for concurrent use.
func (cl *ConfigLoader) cacheConfig(hash string, config *EngineConfig) {
	cl.cacheMu.Lock()
	defer cl.cacheMu.Unlock()

	cl.cache[hash] = config
}

// ClearCache removes all cached configurations and reinitializes the
// cache map, forcing subsequent loads to revalidate from source.
// ClearCache is safe for concurrent use.
func (cl *ConfigLoader) ClearCache() {
	cl.cacheMu.Lock()
	defer cl.cacheMu.Unlock()

	cl.cache = make(map[string]*EngineConfig)
}

// FileConfigLoader binds a ConfigLoader to a fixed file path so callers
// can load configuration through the ports.ConfigLoader contract
// without knowing the source.
type FileConfigLoader struct {
	path   string
	loader *ConfigLoader
}

var _ ports.ConfigLoader = (*FileConfigLoader)(nil)

// NewFileConfigLoader creates a loader bound to the given YAML file.
// The file is read on every Load call; caching keys off content, so
// edits to the file take effect without rebuilding the loader.
func NewFileConfigLoader(path string) (*FileConfigLoader, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	loader, err := NewConfigLoader()
	if err != nil {
		return nil, err
	}
	return &FileConfigLoader{path: path, loader: loader}, nil
}

// Load implements ports.ConfigLoader. The config parameter must be a
// *EngineConfig; the loaded document is copied into it. Nested maps
// and slices are shared with the loader's cache and must not be
// mutated.
func (f *FileConfigLoader) Load(ctx context.Context, config any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, ok := config.(*EngineConfig)
	if !ok {
		return fmt.Errorf("config must be a *EngineConfig, got %T", config)
	}

	loaded, err := f.loader.LoadFromFile(f.path)
	if err != nil {
		return err
	}

	*target = *loaded
	return nil
}
