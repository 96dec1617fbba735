package application

import (
	"fmt"
	"slices"

	"github.com/agnivade/levenshtein"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the shared validator for request-level structures such as
// DecisionConfig. Engine configuration uses a dedicated instance owned
// by the ConfigLoader, which carries the custom validators.
var validate = validator.New()

// stageNames lists the configurable stages of the decision pipeline in
// execution order.
var stageNames = []string{"sampler", "executor", "aggregator", "synthesizer"}

// knownDistributions lists the perturbation distributions the sampler
// accepts.
var knownDistributions = []string{"normal", "uniform", "none"}

// ValidateStageParameters validates the parameter document for one
// pipeline stage, ensuring field types are correct and values meet
// domain constraints before the stage is constructed.
// ValidateStageParameters supports the sampler, executor, aggregator,
// and synthesizer stages with stage-specific validation rules.
// It returns an error if parameter decoding fails or if any validation
// rule is violated. A zero node passes: every stage runs on defaults.
func ValidateStageParameters(stageName string, params yaml.Node) error {
	if params.IsZero() {
		return nil
	}

	var paramMap map[string]any
	if err := params.Decode(&paramMap); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}

	switch stageName {
	case "sampler":
		return validateSamplerParams(paramMap)
	case "executor":
		return validateExecutorParams(paramMap)
	case "aggregator":
		return validateAggregatorParams(paramMap)
	case "synthesizer":
		return validateSynthesizerParams(paramMap)
	default:
		if nearest := nearestName(stageName, stageNames); nearest != "" {
			return fmt.Errorf("unknown stage: %s (did you mean %q?)", stageName, nearest)
		}
		return fmt.Errorf("unknown stage: %s", stageName)
	}
}

// validateSamplerParams validates parameters for the sampler stage,
// checking each perturbation's distribution name and noise magnitude.
// Unknown distribution names produce an error that suggests the nearest
// valid name by edit distance, catching configuration typos early.
func validateSamplerParams(params map[string]any) error {
	if antithetic, ok := params["antithetic"]; ok {
		if _, ok := antithetic.(bool); !ok {
			return fmt.Errorf("antithetic must be a boolean")
		}
	}

	perturbations, ok := params["perturbations"]
	if !ok {
		return nil
	}
	perturbMap, ok := perturbations.(map[string]any)
	if !ok {
		return fmt.Errorf("perturbations must be a mapping of feature name to perturbation")
	}

	for feature, raw := range perturbMap {
		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("perturbation %q must be a mapping", feature)
		}

		dist, ok := entry["distribution"]
		if !ok {
			return fmt.Errorf("perturbation %q requires 'distribution' parameter", feature)
		}
		distStr, ok := dist.(string)
		if !ok {
			return fmt.Errorf("perturbation %q: distribution must be a string", feature)
		}
		if !slices.Contains(knownDistributions, distStr) {
			if nearest := nearestName(distStr, knownDistributions); nearest != "" {
				return fmt.Errorf("perturbation %q: unknown distribution %q (did you mean %q?)",
					feature, distStr, nearest)
			}
			return fmt.Errorf("perturbation %q: unknown distribution %q", feature, distStr)
		}

		for _, field := range []string{"stddev", "halfwidth"} {
			value, ok := entry[field]
			if !ok {
				continue
			}
			num, ok := numericValue(value)
			if !ok {
				return fmt.Errorf("perturbation %q: %s must be a number", feature, field)
			}
			if num < 0 {
				return fmt.Errorf("perturbation %q: %s cannot be negative", feature, field)
			}
		}
	}

	return nil
}

// validateExecutorParams validates parameters for the executor stage.
func validateExecutorParams(params map[string]any) error {
	if timeout, ok := params["batch_timeout"]; ok {
		num, ok := numericValue(timeout)
		if !ok {
			return fmt.Errorf("batch_timeout must be a number of nanoseconds")
		}
		if num < 0 {
			return fmt.Errorf("batch_timeout cannot be negative")
		}
	}
	return nil
}

// validateAggregatorParams validates parameters for the aggregator
// stage, ensuring the confidence level is a usable probability.
func validateAggregatorParams(params map[string]any) error {
	if level, ok := params["confidence_level"]; ok {
		num, ok := numericValue(level)
		if !ok {
			return fmt.Errorf("confidence_level must be a number")
		}
		if num <= 0 || num >= 1 {
			return fmt.Errorf("confidence_level must be between 0 and 1 exclusive")
		}
	}
	return nil
}

// validateSynthesizerParams validates parameters for the synthesizer
// stage. Policy name registration is checked when the stage is built,
// since the registry lives with the policy implementations.
func validateSynthesizerParams(params map[string]any) error {
	if policy, ok := params["policy"]; ok {
		policyStr, ok := policy.(string)
		if !ok {
			return fmt.Errorf("policy must be a string")
		}
		if policyStr == "" {
			return fmt.Errorf("policy cannot be empty")
		}
	}

	if epsilon, ok := params["epsilon"]; ok {
		num, ok := numericValue(epsilon)
		if !ok {
			return fmt.Errorf("epsilon must be a number")
		}
		if num < 0 {
			return fmt.Errorf("epsilon cannot be negative")
		}
	}

	if policyParams, ok := params["policy_params"]; ok {
		if _, ok := policyParams.(map[string]any); !ok {
			return fmt.Errorf("policy_params must be a mapping")
		}
	}

	return nil
}

// RegisterEngineValidators registers custom validation functions with
// the validator instance for use in engine configuration validation.
// RegisterEngineValidators returns an error if any validator
// registration fails.
func RegisterEngineValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("semver", validateSemver); err != nil {
		return fmt.Errorf("failed to register semver validator: %w", err)
	}
	return nil
}

// validateSemver validates that a string follows semantic versioning
// format (X.Y.Z where X, Y, Z are non-negative integers).
// validateSemver is a validator.Func that can be registered with
// the validator instance for use in struct tags.
func validateSemver(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	var major, minor, patch int
	n, err := fmt.Sscanf(value, "%d.%d.%d", &major, &minor, &patch)
	return err == nil && n == 3
}

// numericValue extracts a float64 from the numeric types the YAML
// decoder produces for scalar numbers.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// nearestName returns the candidate closest to name by Levenshtein
// distance, or empty when nothing is within two edits. It powers the
// "did you mean" hints in configuration errors.
func nearestName(name string, candidates []string) string {
	const maxDistance = 2
	best := ""
	bestDistance := maxDistance + 1
	for _, candidate := range candidates {
		distance := levenshtein.ComputeDistance(name, candidate)
		if distance < bestDistance {
			best = candidate
			bestDistance = distance
		}
	}
	return best
}
