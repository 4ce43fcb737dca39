package redact

import (
	"strings"
)

// String masks the middle half of s, keeping a quarter of it visible on each side.
func String(s string) string {
	l := len(s)
	if l == 0 {
		return ""
	}

	keep := l / 4

	return s[:keep] + strings.Repeat("*", l-2*keep) + s[l-keep:]
}
