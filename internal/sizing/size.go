// Package sizing converts between unsigned sizes and the signed offsets used
// by io without silent overflow.
package sizing

import (
	"errors"
	"math"
)

// ErrOverflow is returned when a value does not fit the target type.
var ErrOverflow = errors.New("sizing: value overflows")

// ToInt64 converts a uint64 to int64, returning ErrOverflow if it doesn't fit.
func ToInt64(size uint64) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, ErrOverflow
	}
	return int64(size), nil
}

// Offset returns base+n as an int64 suitable for io.ReaderAt.
func Offset(base, n uint64) (int64, error) {
	sum := base + n
	if sum < base {
		return 0, ErrOverflow
	}
	return ToInt64(sum)
}
