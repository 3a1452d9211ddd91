// Package strings provides ordered string-set helpers.
package strings

import (
	"slices"
	"strings"
)

// DedupeAndTrim removes duplicates and empty strings from a slice,
// trimming whitespace from each element. Order is preserved.
//
//	DedupeAndTrim([]string{"  foo ", "bar", "foo", "", "  "})
//	// Returns: []string{"foo", "bar"}
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

// AppendUnique appends each value not already present in set, keeping the
// original order of both slices. The input slice is not modified.
//
//	AppendUnique([]string{"a", "b"}, "b", "c", "c")
//	// Returns: []string{"a", "b", "c"}
func AppendUnique(set []string, values ...string) []string {
	out := slices.Clone(set)
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// RemoveAll drops every value present in set, keeping the order of what remains.
// Values absent from set are ignored. The input slice is not modified.
func RemoveAll(set []string, values ...string) []string {
	out := make([]string, 0, len(set))
	for _, v := range set {
		if !slices.Contains(values, v) {
			out = append(out, v)
		}
	}
	return out
}
