package kv

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortValue is returned when a stored value is truncated.
var ErrShortValue = errors.New("kv: value too short")

// PutUint8 appends a single byte to dst.
func PutUint8(dst []byte, v uint8) []byte {
	return append(dst, v)
}

// PutUint32BE appends a big-endian uint32 to dst (4 bytes).
func PutUint32BE(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// PutUint64BE appends a big-endian uint64 to dst (8 bytes).
func PutUint64BE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// GetUint32BE reads a big-endian uint32 from b.
func GetUint32BE(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// GetUint64BE reads a big-endian uint64 from b.
func GetUint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// PutFloat64s appends each value's IEEE-754 bits as big-endian uint64s.
func PutFloat64s(dst []byte, vals []float64) []byte {
	for _, v := range vals {
		dst = PutUint64BE(dst, math.Float64bits(v))
	}
	return dst
}

// GetFloat64s decodes a buffer written by PutFloat64s.
func GetFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, ErrShortValue
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(GetUint64BE(b[i*8:]))
	}
	return out, nil
}

// EncodeMoleculeValue encodes a molecule value: {shape_len:4BE}{shape}{coords:8BE...}
func EncodeMoleculeValue(shape string, coords []float64) []byte {
	v := make([]byte, 0, 4+len(shape)+8*len(coords))
	v = PutUint32BE(v, uint32(len(shape)))
	v = append(v, shape...)
	return PutFloat64s(v, coords)
}

// DecodeMoleculeValue decodes a value written by EncodeMoleculeValue.
func DecodeMoleculeValue(v []byte) (shape string, coords []float64, err error) {
	if len(v) < 4 {
		return "", nil, ErrShortValue
	}
	n := int(GetUint32BE(v))
	if len(v) < 4+n {
		return "", nil, ErrShortValue
	}
	shape = string(v[4 : 4+n])
	coords, err = GetFloat64s(v[4+n:])
	return shape, coords, err
}
