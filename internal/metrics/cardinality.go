package metrics

import (
	"crypto/sha256"
	"fmt"
)

// HashLabel creates a short hash of a label value to reduce cardinality
// while maintaining uniqueness for monitoring purposes.
//
// Returns first 8 characters of SHA256 hash.
func HashLabel(value string) string {
	if value == "" {
		return "unknown"
	}

	hash := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", hash[:4])
}

// HashRoutingKey creates a hashed version of a message routing key for metrics.
// Topic exchanges and JetStream subjects can carry per-entity tokens, so raw
// routing keys are never used as label values.
func HashRoutingKey(routingKey string) string {
	return HashLabel(routingKey)
}
