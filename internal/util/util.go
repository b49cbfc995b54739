// Package util holds small helpers shared across the service.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// AnonymizeString returns a stable 16 character fingerprint of value so that
// secrets such as API keys can appear in logs and management responses
// without being disclosed. Empty input yields an empty string.
func AnonymizeString(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// FirstNonEmpty returns the first argument that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
