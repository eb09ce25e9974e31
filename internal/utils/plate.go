package utils

import "strings"

// NormalizePlate reduces a raw plate reading to the canonical form used
// for storage keys and comparisons: upper-cased with everything except
// latin letters and digits stripped.
func NormalizePlate(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
