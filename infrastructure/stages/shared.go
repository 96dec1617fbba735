// Package stages provides the pipeline stages that implement the
// decision simulation workflow: sampling perturbed universes, executing
// device batches, aggregating outcome statistics, and synthesizing the
// final decision. Each stage implements the ports.Stage interface.
package stages

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// Common errors returned by pipeline stages.
// These errors provide consistent error handling across all stage implementations.
var (
	// ErrEmptyStageName is returned when attempting to create a stage with an empty name.
	ErrEmptyStageName = errors.New("stage name cannot be empty")

	// ErrNoUniverses is returned when the executor receives an empty universe set.
	ErrNoUniverses = errors.New("no universes to execute")

	// ErrNoOptions is returned when a stage requires candidate options and none are present.
	ErrNoOptions = errors.New("no decision options provided")

	// ErrNoOutcomes is returned when the aggregator receives no universe outcomes.
	ErrNoOutcomes = errors.New("no outcomes to aggregate")

	// ErrNoDistributions is returned when the synthesizer receives no outcome distributions.
	ErrNoDistributions = errors.New("no distributions to synthesize from")

	// ErrUnknownPolicy is returned when a selection policy name has no registered factory.
	ErrUnknownPolicy = errors.New("unknown selection policy")
)

// Package-level validator instance for configuration validation.
// Uses go-playground/validator v10 for struct tag-based validation.
var validate = validator.New()
