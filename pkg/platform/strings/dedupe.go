// Package strings provides string normalization helpers shared by payload
// validation.
package strings

import (
	"strings"
)

// DedupeAndTrim removes duplicates and empty strings from a slice, trimming
// whitespace from each element. Order is preserved. Used to normalize
// evidence reference lists before existence checks, so a double-attached
// photo does not produce two history entries.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))

	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}

	return result
}

// NormalizeTag lowercases and trims a species tag so "Picea Abies" and
// "picea abies" index identically downstream.
func NormalizeTag(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
