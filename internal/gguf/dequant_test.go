package gguf

import (
	"errors"
	"math"
	"testing"
)

func TestFloat16Conversion(t *testing.T) {
	tests := []struct {
		name string
		bits uint16
		want float32
	}{
		{"zero", 0x0000, 0},
		{"one", 0x3C00, 1},
		{"minus two", 0xC000, -2},
		{"half", 0x3800, 0.5},
		{"max", 0x7BFF, 65504},
		{"smallest subnormal", 0x0001, float32(math.Pow(2, -24))},
		{"inf", 0x7C00, float32(math.Inf(1))},
		{"neg inf", 0xFC00, float32(math.Inf(-1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := float16ToFloat32(tt.bits); got != tt.want {
				t.Errorf("float16ToFloat32(%#04x) = %v, want %v", tt.bits, got, tt.want)
			}
			if !math.IsInf(float64(tt.want), 0) || tt.bits&0x03FF == 0 {
				if got := float32ToFloat16(tt.want); got != tt.bits {
					t.Errorf("float32ToFloat16(%v) = %#04x, want %#04x", tt.want, got, tt.bits)
				}
			}
		})
	}
	if !math.IsNaN(float64(float16ToFloat32(0x7E00))) {
		t.Error("expected NaN")
	}
}

func TestFloat16RoundTripExhaustive(t *testing.T) {
	for b := 0; b < 1<<16; b++ {
		h := uint16(b)
		if h&0x7C00 == 0x7C00 && h&0x03FF != 0 {
			continue // NaN payloads are not preserved
		}
		if got := float32ToFloat16(float16ToFloat32(h)); got != h {
			t.Fatalf("round trip %#04x -> %#04x", h, got)
		}
	}
}

func TestFloat16Saturates(t *testing.T) {
	if got := float32ToFloat16(1e6); got != 0x7C00 {
		t.Errorf("1e6 -> %#04x, want inf", got)
	}
	if got := float32ToFloat16(1e-10); got != 0 {
		t.Errorf("1e-10 -> %#04x, want 0", got)
	}
}

func TestFloat64sRejectsQuantized(t *testing.T) {
	ti := &TensorInfo{Name: "q", Type: GGMLTypeQ4_K, Dimensions: []uint64{256}}
	if _, err := ti.Float64s(); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
	short := &TensorInfo{Name: "s", Type: GGMLTypeF32, Dimensions: []uint64{4}, Data: make([]byte, 8)}
	if _, err := short.Float64s(); err == nil {
		t.Error("expected short data error")
	}
}
