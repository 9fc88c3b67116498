// Package cryptoutil holds key-material helpers shared by the audit signer
// and configuration validation.
package cryptoutil

import (
	"encoding/hex"
	"fmt"
)

// IsHexString reports whether s consists entirely of hexadecimal characters
// (0-9, a-f, A-F). It returns true for an empty string; callers check
// length separately when a minimum size is required.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// ResolveKey returns the key bytes for key. A string of at least 2*minBytes
// hex characters is decoded; anything else is used raw and must be at least
// minBytes long. name appears in error messages.
func ResolveKey(name, key string, minBytes int) ([]byte, error) {
	n := len(key)
	if n >= 2*minBytes && n%2 == 0 && IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("%s hex decode: %w", name, err)
		}
		return decoded, nil
	}
	if n < minBytes {
		return nil, fmt.Errorf("%s must be at least %d bytes or %d+ hex characters (got %d)", name, minBytes, 2*minBytes, n)
	}
	return []byte(key), nil
}
