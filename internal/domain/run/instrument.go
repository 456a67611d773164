package run

import "strings"

// IsPair reports whether symbol looks like BASE/QUOTE. Non-empty base or quote arguments must
// match the corresponding side exactly.
func IsPair(symbol, base, quote string) bool {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		return false
	}
	if base != "" {
		if parts[0] != base {
			return false
		}
	} else if parts[0] == "" {
		return false
	}
	if quote != "" {
		return parts[1] == quote
	}
	return parts[1] != ""
}
