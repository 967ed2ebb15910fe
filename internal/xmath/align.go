// Package xmath holds small generic numeric helpers used by the
// allocator: alignment, clamping and ceiling division.
package xmath

import "golang.org/x/exp/constraints"

// AlignUp rounds v up to the nearest multiple of align.
// align must be a power of two; callers that cannot guarantee that should
// use DivCeil instead.
func AlignUp[T constraints.Integer](v, align T) T {
	if align <= 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// DivCeil returns ceil(a/b) for positive b.
func DivCeil[T constraints.Integer](a, b T) T {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Clamp restricts v to the inclusive range [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IsPow2 reports whether v is a positive power of two.
func IsPow2[T constraints.Integer](v T) bool {
	return v > 0 && v&(v-1) == 0
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
