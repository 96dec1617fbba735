package device

// params.go provides parsing and validation utilities for the generic
// parameter maps passed to backend and policy factories. Factories pull
// typed values out of map[string]any without repeating defaulting and
// validation logic.

// ExtractOptionalInt extracts an integer value from a params map with validation.
// Returns defaultVal if key doesn't exist, value is not an int, or validator fails.
func ExtractOptionalInt(params map[string]any, key string, defaultVal int, validator func(int) bool) int {
	if params == nil {
		return defaultVal
	}

	val, ok := params[key]
	if !ok {
		return defaultVal
	}

	intVal, ok := val.(int)
	if !ok {
		return defaultVal
	}

	if validator != nil && !validator(intVal) {
		return defaultVal
	}

	return intVal
}

// ExtractOptionalString extracts a string value from a params map with validation.
// Returns defaultVal if key doesn't exist, value is not a string, or validator fails.
func ExtractOptionalString(params map[string]any, key string, defaultVal string, validator func(string) bool) string {
	if params == nil {
		return defaultVal
	}

	val, ok := params[key]
	if !ok {
		return defaultVal
	}

	strVal, ok := val.(string)
	if !ok {
		return defaultVal
	}

	if validator != nil && !validator(strVal) {
		return defaultVal
	}

	return strVal
}

// ExtractOptionalFloat64 extracts a float64 value from a params map with validation.
// Returns defaultVal if key doesn't exist, value is not a float64, or validator fails.
func ExtractOptionalFloat64(params map[string]any, key string, defaultVal float64, validator func(float64) bool) float64 {
	if params == nil {
		return defaultVal
	}

	val, ok := params[key]
	if !ok {
		return defaultVal
	}

	floatVal, ok := val.(float64)
	if !ok {
		return defaultVal
	}

	if validator != nil && !validator(floatVal) {
		return defaultVal
	}

	return floatVal
}

// Parameter validation functions

// IsPositiveInt returns true if the integer is greater than 0.
func IsPositiveInt(val int) bool { return val > 0 }

// IsNonEmptyString returns true if the string is not empty.
func IsNonEmptyString(val string) bool { return val != "" }

// IsFraction returns true if the float lies in (0.0, 1.0].
func IsFraction(val float64) bool { return val > 0.0 && val <= 1.0 }

// IsNonNegativeFloat returns true if the float is zero or greater.
func IsNonNegativeFloat(val float64) bool { return val >= 0.0 }
