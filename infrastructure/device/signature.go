package device

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// ComputeSignature derives the cache identity of a scoring graph from the
// shape of the work: which options exist (IDs and attribute names) and
// which features the context schema carries. Attribute and feature values
// are excluded; they ride along with each batch and do not change the
// compiled computation.
//
// The digests are order-independent, so two requests naming the same
// options and features in different orders share one compiled graph.
func ComputeSignature(options []domain.DecisionOption, schema []string) ports.GraphSignature {
	return ports.GraphSignature{
		Options: optionsDigest(options),
		Schema:  schemaDigest(schema),
	}
}

func optionsDigest(options []domain.DecisionOption) string {
	parts := make([]string, 0, len(options))
	for _, option := range options {
		attrs := make([]string, 0, len(option.Attrs))
		for name := range option.Attrs {
			attrs = append(attrs, name)
		}
		sort.Strings(attrs)
		parts = append(parts, option.ID+"["+strings.Join(attrs, ",")+"]")
	}
	sort.Strings(parts)
	return digest(parts)
}

func schemaDigest(schema []string) string {
	sorted := make([]string, len(schema))
	copy(sorted, schema)
	sort.Strings(sorted)
	return digest(sorted)
}

func digest(parts []string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(hash[:])
}
