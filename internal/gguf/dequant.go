package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Float64s decodes an F32, F16 or F64 tensor into row-major float64s.
func (t *TensorInfo) Float64s() ([]float64, error) {
	n := t.NumElements()
	size := t.SizeBytes()
	if size == 0 {
		return nil, fmt.Errorf("%w: %s is %v", ErrUnsupportedType, t.Name, t.Type)
	}
	if uint64(len(t.Data)) < size {
		return nil, fmt.Errorf("tensor %s: have %d bytes, need %d", t.Name, len(t.Data), size)
	}

	out := make([]float64, n)
	switch t.Type {
	case GGMLTypeF32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:])))
		}
	case GGMLTypeF16:
		for i := range out {
			out[i] = float64(float16ToFloat32(binary.LittleEndian.Uint16(t.Data[2*i:])))
		}
	case GGMLTypeF64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.Data[8*i:]))
		}
	}
	return out, nil
}

func float16ToFloat32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	frac := uint32(b&0x03FF) << 13

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: frac·2^-24
		f := float32(float64(b&0x03FF) * math.Pow(2, -24))
		if sign != 0 {
			f = -f
		}
		return f
	case 0x1F:
		if frac == 0 {
			if sign != 0 {
				return float32(math.Inf(-1))
			}
			return float32(math.Inf(1))
		}
		return float32(math.NaN())
	}
	return math.Float32frombits(sign | ((exp + 112) << 23) | frac)
}

// float32ToFloat16 rounds to nearest even; out-of-range values saturate to
// infinity.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xFF
	frac := bits & 0x7FFFFF

	switch {
	case exp == 0xFF:
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp-127+15 >= 0x1F:
		return sign | 0x7C00
	case exp-127+15 <= 0:
		shift := uint32(14 - (exp - 127 + 15))
		if shift > 24 {
			return sign
		}
		mant := frac | 0x800000
		half := mant >> shift
		rem := mant & ((1 << shift) - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	}

	h := uint32(exp-127+15)<<10 | frac>>13
	rem := frac & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && h&1 == 1) {
		h++
	}
	return sign | uint16(h)
}
