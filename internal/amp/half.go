package amp

import (
	"math"

	"github.com/chewxy/math32"
)

// Float16 is an IEEE 754 half-precision value stored in its bit pattern.
type Float16 uint16

// FromFloat32 converts with round-to-nearest-even. Values beyond the half
// range become infinities, values below the smallest subnormal flush to zero.
func FromFloat32(f float32) Float16 {
	bits := math32.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int((bits>>23)&0xff) - 127
	mant := bits & 0x7fffff

	switch {
	case math32.IsNaN(f):
		return Float16(sign | 0x7e00)
	case math32.IsInf(f, 0):
		return Float16(sign | 0x7c00)
	case exp > 15:
		return Float16(sign | 0x7c00)
	case exp >= -14:
		half := uint32(exp+15)<<10 | mant>>13
		// round to nearest even on the dropped 13 bits
		rest := mant & 0x1fff
		if rest > 0x1000 || (rest == 0x1000 && half&1 == 1) {
			half++
		}
		return Float16(uint32(sign) | half)
	case exp >= -25:
		mant |= 0x800000
		shift := uint32(-exp - 1)
		half := mant >> shift
		rest := mant & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)
		if rest > mid || (rest == mid && half&1 == 1) {
			half++
		}
		return Float16(uint32(sign) | half)
	default:
		return Float16(sign)
	}
}

// Float32 converts back to single precision.
func (h Float16) Float32() float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)
	switch exp {
	case 0:
		if mant == 0 {
			return math32.Float32frombits(sign)
		}
		v := float32(mant) / (1 << 24)
		if sign != 0 {
			return -v
		}
		return v
	case 0x1f:
		return math32.Float32frombits(sign | 0x7f800000 | mant<<13)
	}
	return math32.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}

// Round16 rounds v through half precision.
func Round16(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return float64(FromFloat32(float32(v)).Float32())
}
