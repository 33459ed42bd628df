package mathx

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Unit clamps v to [-1, 1]; NaN becomes 0.
func Unit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return Clamp(v, -1.0, 1.0)
}

// Sign returns -1, 0 or +1.
func Sign[T constraints.Signed | constraints.Float](v T) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
