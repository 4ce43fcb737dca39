package mathutil

import (
	"golang.org/x/exp/constraints"
)

// DivCeil returns a/b rounded towards positive infinity.
func DivCeil[T constraints.Signed](a, b T) T {
	if b == 0 {
		panic("division by zero")
	}

	q, r := a/b, a%b
	if r != 0 && (a >= 0) == (b > 0) {
		q++
	}

	return q
}
