package molecule

import "fmt"

// Stride is the number of scalars stored per atom in a flat coordinate array.
const Stride = 3

// MalformedCoordinateDataError reports a flat coordinate array whose length
// does not match the expected atom count and stride.
type MalformedCoordinateDataError struct {
	Atoms  int
	Stride int
	Got    int
}

func (e *MalformedCoordinateDataError) Error() string {
	return fmt.Sprintf("malformed coordinate data: %d atoms with stride %d need %d values, got %d",
		e.Atoms, e.Stride, e.Atoms*e.Stride, e.Got)
}

// DecodeCoordinates splits a flat array into per-atom positions. The array
// must contain exactly atoms*stride values; stride must be at least 3 and only
// the first three values of each stride are used.
func DecodeCoordinates(flat []float64, atoms, stride int) ([][3]float64, error) {
	if stride < 3 || atoms < 0 {
		return nil, &MalformedCoordinateDataError{Atoms: atoms, Stride: stride, Got: len(flat)}
	}
	if len(flat) != atoms*stride {
		return nil, &MalformedCoordinateDataError{Atoms: atoms, Stride: stride, Got: len(flat)}
	}
	out := make([][3]float64, atoms)
	for i := range out {
		off := i * stride
		out[i] = [3]float64{flat[off], flat[off+1], flat[off+2]}
	}
	return out, nil
}
