// Package cos collects small, dependency-light helpers shared across the
// chain runtime, filters, and plugins: human-readable size parsing, the
// next-power-of-2 helper used by the evil filter's block-size computation,
// and a couple of assert helpers in the teacher's style.
package cos

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// ErrOverflow is returned by ParseSize when the input cannot be
// represented without wraparound (NextPow2 signals overflow by returning
// math.MaxUint64 instead). ParseSize's bound is signed int64,
// not uint64, matching human-size-test-cases.h's INT64_MAX cap: nbdkit's
// human_size() returns a long, so "8E" (8 * 2^60 == 2^63, which fits in
// uint64 but not int64) is overflow even though the bit pattern itself
// is representable.
var ErrOverflow = errors.New("cos: value overflows uint64")

var sizeSuffixes = map[byte]uint64{
	'b': 1,
	'B': 1,
	's': 512,
	'S': 512,
	'k': 1 << 10,
	'K': 1 << 10,
	'm': 1 << 20,
	'M': 1 << 20,
	'g': 1 << 30,
	'G': 1 << 30,
	't': 1 << 40,
	'T': 1 << 40,
	'p': 1 << 50,
	'P': 1 << 50,
	'e': 1 << 60,
	'E': 1 << 60,
}

// ParseSize parses the human-size grammar used throughout nbdkit-style
// configuration: [+-]?digits[suffix]? where suffix selects a power-of-2 (or
// 512 for 's'/'S') multiplier. No fractional values, no "MiB"/"MB"
// distinction, no hex, negative values rejected, overflow rejected.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("cos: empty size string")
	}
	if s[0] == '-' {
		return 0, errors.Errorf("cos: negative size %q not allowed", s)
	}
	digits := s
	if s[0] == '+' {
		digits = s[1:]
	}

	mult := uint64(1)
	if n := len(digits); n > 0 {
		if m, ok := sizeSuffixes[digits[n-1]]; ok {
			mult = m
			digits = digits[:n-1]
		}
	}
	if digits == "" {
		return 0, errors.Errorf("cos: no digits in size %q", s)
	}

	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "cos: invalid size %q", s)
	}

	if mult != 1 {
		hi, lo := bitsMul64(v, mult)
		if hi != 0 || lo > math.MaxInt64 {
			return 0, errors.Wrapf(ErrOverflow, "cos: size %q", s)
		}
		return lo, nil
	}
	if v > math.MaxInt64 {
		return 0, errors.Wrapf(ErrOverflow, "cos: size %q", s)
	}
	return v, nil
}

// bitsMul64 returns the 128-bit product of x*y split into high/low words,
// used to detect overflow without risking it during the multiply itself.
func bitsMul64(x, y uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1
	x0, x1 := x&mask32, x>>32
	y0, y1 := y&mask32, y>>32
	w0 := x0 * y0
	t := x1*y0 + w0>>32
	w1 := t & mask32
	w2 := t >> 32
	w1 += x0 * y1
	hi = x1*y1 + w2 + w1>>32
	lo = x * y
	return hi, lo
}

// NextPow2 returns the smallest power of 2 that is >= v. NextPow2(0) == 1.
// If v is already a power of 2 it is returned unchanged (so
// NextPow2(1<<63) == 1<<63, not an overflow). A v whose next power of 2
// would not fit in 64 bits returns math.MaxUint64, the error sentinel a
// caller passing in a negative number by way of uint64 wraparound also
// hits.
func NextPow2(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	if v&(v-1) == 0 {
		return v // already a power of 2
	}
	if v > 1<<63 {
		return math.MaxUint64
	}
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}
