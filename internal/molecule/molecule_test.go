package molecule_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/corvohq/fitq/internal/molecule"
)

func water(x float64) molecule.Fragment {
	return molecule.Fragment{
		Name:             "h2o",
		SpinMultiplicity: 1,
		Atoms: []molecule.Atom{
			{Symbol: "O", SymmetryClass: "A", X: x},
			{Symbol: "H", SymmetryClass: "B", X: x + 0.96},
			{Symbol: "H", SymmetryClass: "B", X: x - 0.24, Y: 0.93},
		},
	}
}

func chloride() molecule.Fragment {
	return molecule.Fragment{
		Name:             "cl",
		Charge:           -1,
		SpinMultiplicity: 1,
		Atoms:            []molecule.Atom{{Symbol: "Cl", SymmetryClass: "A", Z: 3.1}},
	}
}

func TestName(t *testing.T) {
	m := molecule.New(water(0), chloride())
	if got := m.Name(); got != "cl-h2o" {
		t.Errorf("Name() = %q, want %q", got, "cl-h2o")
	}
	if got := m.NumAtoms(); got != 4 {
		t.Errorf("NumAtoms() = %d, want 4", got)
	}
}

func TestCoordinatesRoundTrip(t *testing.T) {
	m := molecule.New(water(0), chloride())
	flat := m.Coordinates()
	if len(flat) != 12 {
		t.Fatalf("len(Coordinates()) = %d, want 12", len(flat))
	}
	c := m.Clone()
	for i := range flat {
		flat[i] += 1
	}
	if err := c.SetCoordinates(flat); err != nil {
		t.Fatalf("SetCoordinates() error: %v", err)
	}
	if diff := cmp.Diff(flat, c.Coordinates()); diff != "" {
		t.Errorf("coordinates mismatch (-want +got):\n%s", diff)
	}
	if m.Fragments[0].Atoms[0].X != 0 {
		t.Error("SetCoordinates() on clone modified the original")
	}
}

func TestSetCoordinatesMalformed(t *testing.T) {
	m := molecule.New(water(0))
	err := m.SetCoordinates([]float64{1, 2, 3, 4})
	var mal *molecule.MalformedCoordinateDataError
	if !errors.As(err, &mal) {
		t.Fatalf("SetCoordinates() error = %v, want MalformedCoordinateDataError", err)
	}
	if mal.Atoms != 3 || mal.Got != 4 {
		t.Errorf("error = %+v, want Atoms=3 Got=4", mal)
	}
}

func TestDecodeCoordinatesStride(t *testing.T) {
	got, err := molecule.DecodeCoordinates([]float64{1, 2, 3, 9, 4, 5, 6, 9}, 2, 4)
	if err != nil {
		t.Fatalf("DecodeCoordinates() error: %v", err)
	}
	want := [][3]float64{{1, 2, 3}, {4, 5, 6}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeCoordinates() mismatch (-want +got):\n%s", diff)
	}
	if _, err := molecule.DecodeCoordinates([]float64{1, 2}, 1, 2); err == nil {
		t.Error("DecodeCoordinates() with stride 2 succeeded, want error")
	}
}

func TestReordered(t *testing.T) {
	m := molecule.New(water(0), chloride())
	r, err := m.Reordered([]int{1, 0}, [][]int{{0}, {2, 1, 0}})
	if err != nil {
		t.Fatalf("Reordered() error: %v", err)
	}
	if got := r.FragmentNames(); !cmp.Equal(got, []string{"cl", "h2o"}) {
		t.Errorf("FragmentNames() = %v", got)
	}
	if got := r.Fragments[1].Atoms[0].Y; got != 0.93 {
		t.Errorf("first water atom Y = %v, want 0.93", got)
	}
	if _, err := m.Reordered([]int{0, 0}, nil); err == nil {
		t.Error("Reordered() with duplicate index succeeded, want error")
	}
}

func TestHashDependsOnContent(t *testing.T) {
	a := molecule.New(water(0), chloride())
	b := molecule.New(water(0), chloride())
	if a.Hash() != b.Hash() {
		t.Error("identical molecules hash differently")
	}
	c := molecule.New(water(0.5), chloride())
	if a.Hash() == c.Hash() {
		t.Error("different geometries hash the same")
	}
	if len(a.Hash()) != 40 {
		t.Errorf("len(Hash()) = %d, want 40", len(a.Hash()))
	}
}

func TestSymmetry(t *testing.T) {
	m := molecule.New(water(0), water(3))
	if got := m.Symmetry(); got != "A1B2_A1B2" {
		t.Errorf("Symmetry() = %q, want %q", got, "A1B2_A1B2")
	}
}

func TestValidate(t *testing.T) {
	if err := molecule.New().Validate(); err == nil {
		t.Error("Validate() on empty molecule succeeded")
	}
	bad := water(0)
	bad.Name = "h2o-x"
	if err := molecule.New(bad).Validate(); err == nil {
		t.Error("Validate() accepted fragment name containing '-'")
	}
	if err := molecule.New(water(0), chloride()).Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}
