// Package bfloat16 is a minimal implementation of the bfloat16 type:
// a float32 truncated to its upper 16 bits (1 sign, 8 exponent, 7 mantissa bits).
//
// It keeps the float32 dynamic range at reduced precision, which is usually a
// good trade for storing neural-network weights. Conversions are bit shifts,
// so they are cheap in both directions.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 is the "brain floating point" 16-bit format: the high half of an
// IEEE 754 binary32 value.
type BFloat16 uint16

// Float32 expands the BFloat16 back to a float32.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 converts a float32 to a BFloat16, truncating the mantissa.
func FromFloat32(x float32) BFloat16 {
	return BFloat16(math.Float32bits(x) >> 16)
}

// FromFloat64 converts a float64 to a BFloat16.
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(float32(x))
}

// FromBits converts a uint16 to a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits converts a BFloat16 to its uint16 representation.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer, printing the float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value of the given sign.
// A sign >= 0 returns positive infinity, a sign < 0 negative infinity.
func Inf(sign int) BFloat16 {
	return FromFloat32(float32(math.Inf(sign)))
}

// SmallestNonzero is the smallest nonzero denormal bfloat16 value (about 9.18e-41),
// the equivalent of math.SmallestNonzeroFloat32 for this type.
const SmallestNonzero = BFloat16(0x0001)
