// Package strings holds small string helpers for configuration parsing.
package strings

import (
	"strings"
)

// SplitList splits a separated list such as "kafka-1:9092, kafka-2:9092",
// trimming each element and dropping empties and repeats. Order is kept.
// An input with no elements yields nil.
func SplitList(s, sep string) []string {
	return DedupeAndTrim(strings.Split(s, sep))
}

// DedupeAndTrim trims every value and drops empties and repeats, keeping
// first-seen order. It returns nil when nothing is left.
func DedupeAndTrim(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
