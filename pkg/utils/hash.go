package utils

import (
	"crypto/sha256"
	"fmt"
)

// HashString returns the hex SHA-256 digest of input. Cache keys are built
// from these digests, so the hash must be collision-resistant: two distinct
// canonical strings must never map to the same key.
func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash)
}
