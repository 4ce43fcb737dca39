package mathutil

import (
	"golang.org/x/exp/constraints"
)

func Clamp[T constraints.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

// Fraction reports done/total in [0, 1]. An unknown (non-positive) total
// yields 0.
func Fraction[T constraints.Integer](done, total T) float64 {
	if total <= 0 {
		return 0
	}

	return Clamp(float64(done)/float64(total), 0, 1)
}
