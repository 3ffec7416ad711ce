package kv

import (
	"math"
	"testing"
)

func TestPutGetUint32BE(t *testing.T) {
	tests := []uint32{0, 1, 255, 256, 65535, 1<<32 - 1}
	for _, v := range tests {
		b := PutUint32BE(nil, v)
		if len(b) != 4 {
			t.Fatalf("PutUint32BE: expected 4 bytes, got %d", len(b))
		}
		got := GetUint32BE(b)
		if got != v {
			t.Errorf("round-trip %d: got %d", v, got)
		}
	}
}

func TestUint64BESortOrder(t *testing.T) {
	// Big-endian encoding must sort numerically via byte comparison.
	vals := []uint64{0, 1, 100, 1000, 1<<32 - 1, 1 << 32, 1<<64 - 1}
	for i := 1; i < len(vals); i++ {
		a := PutUint64BE(nil, vals[i-1])
		b := PutUint64BE(nil, vals[i])
		if string(a) >= string(b) {
			t.Errorf("sort order violated: %d >= %d in bytes", vals[i-1], vals[i])
		}
	}
}

func TestMoleculeValueExact(t *testing.T) {
	coords := []float64{0.1, -2.5e-12, math.MaxFloat64, 1.0 / 3.0}
	v := EncodeMoleculeValue("cl-h2o", coords)
	shape, got, err := DecodeMoleculeValue(v)
	if err != nil {
		t.Fatalf("DecodeMoleculeValue: %v", err)
	}
	if shape != "cl-h2o" {
		t.Errorf("shape: got %q, want %q", shape, "cl-h2o")
	}
	if len(got) != len(coords) {
		t.Fatalf("coords: got %d values, want %d", len(got), len(coords))
	}
	for i := range coords {
		if got[i] != coords[i] {
			t.Errorf("coord %d: got %v, want %v", i, got[i], coords[i])
		}
	}
}

func TestDecodeMoleculeValueTruncated(t *testing.T) {
	v := EncodeMoleculeValue("h2o", []float64{1, 2, 3})
	for _, cut := range []int{2, 5, len(v) - 3} {
		if _, _, err := DecodeMoleculeValue(v[:cut]); err == nil {
			t.Errorf("DecodeMoleculeValue(%d bytes): expected error", cut)
		}
	}
}
