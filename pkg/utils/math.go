package utils

import "math"

// IsFinite reports whether x is neither NaN nor infinite
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
