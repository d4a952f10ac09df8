// Package utils provides small helpers shared across layers, independent of
// any domain logic.
package utils

import "strconv"

// ParseBounded parses s as an int and clamps it to [min, max]. An empty or
// unparseable string yields def (also clamped), so bad query parameters
// degrade to defaults instead of erroring. A max of 0 means no upper bound.
func ParseBounded(s string, def, min, max int) int {
	n := def
	if s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			n = v
		}
	}
	if n < min {
		n = min
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
