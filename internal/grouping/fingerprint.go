package grouping

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MaxFingerprintOverride is the longest client-supplied fingerprint accepted.
const MaxFingerprintOverride = 64

// secondarySalt domain-separates the second digest so the two halves are independent.
const secondarySalt = "errtrack/fp/v1\x00"

// Fingerprint returns a 32-character hex identity for a normalization key.
// It is deterministic across processes; it is not a security primitive.
func Fingerprint(key string) string {
	return fmt.Sprintf("%016x%016x", xxhash.Sum64String(key), xxhash.Sum64String(secondarySalt+key))
}

// FingerprintFor returns the override verbatim when set, otherwise the digest of
// the report's normalization key.
func FingerprintFor(override, message, stackTrace string) string {
	if override != "" {
		return override
	}
	return Fingerprint(Normalize(message, stackTrace))
}
