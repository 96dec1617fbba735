package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDecisionContext_FeatureSchema verifies that the schema is sorted
// and stable regardless of map insertion order.
func TestDecisionContext_FeatureSchema(t *testing.T) {
	dc := DecisionContext{
		Features: map[string]float64{
			"risk":     0.2,
			"revenue":  100,
			"capacity": 3,
		},
	}

	schema := dc.FeatureSchema()
	assert.Equal(t, []string{"capacity", "revenue", "risk"}, schema, "Schema should be sorted by feature name.")

	again := dc.FeatureSchema()
	assert.Equal(t, schema, again, "Schema should be stable across calls.")
}

// TestDecisionContext_Clone verifies that cloned features are
// independent of the original.
func TestDecisionContext_Clone(t *testing.T) {
	original := DecisionContext{
		ID:       "ctx-1",
		Features: map[string]float64{"revenue": 100},
		Tags:     map[string]string{"region": "emea"},
	}

	clone := original.Clone()
	clone.Features["revenue"] = 200

	assert.Equal(t, 100.0, original.Features["revenue"], "Clone mutation should not reach the original.")
	assert.Equal(t, "ctx-1", clone.ID, "Clone should carry the context ID.")
	assert.Equal(t, "emea", clone.Tags["region"], "Clone should share tags.")
}

// TestOptionIDs verifies identifier extraction preserves order.
func TestOptionIDs(t *testing.T) {
	options := []DecisionOption{{ID: "b"}, {ID: "a"}, {ID: "c"}}

	assert.Equal(t, []string{"b", "a", "c"}, OptionIDs(options), "IDs should preserve input order.")
	assert.Empty(t, OptionIDs(nil), "Nil options should produce an empty slice.")
}
