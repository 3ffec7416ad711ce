package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/corvohq/fitq/internal/molecule"
)

func TestChunks(t *testing.T) {
	tests := []struct {
		n, size int
		want    [][2]int
	}{
		{0, 3, nil},
		{3, 3, [][2]int{{0, 3}}},
		{7, 3, [][2]int{{0, 3}, {3, 6}, {6, 7}}},
		{2, 100, [][2]int{{0, 2}}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, chunks(tt.n, tt.size)); diff != "" {
			t.Errorf("chunks(%d, %d) mismatch (-want +got):\n%s", tt.n, tt.size, diff)
		}
	}
}

func TestShapeRecordAndTemplate(t *testing.T) {
	h2o := molecule.Fragment{Name: "h2o", SpinMultiplicity: 1, Atoms: []molecule.Atom{
		{Symbol: "O", SymmetryClass: "X"},
		{Symbol: "H", SymmetryClass: "Y", X: 1},
		{Symbol: "H", SymmetryClass: "Y", Y: 1},
	}}
	cl := molecule.Fragment{Name: "cl", Charge: -1, SpinMultiplicity: 1, Atoms: []molecule.Atom{{Symbol: "Cl", SymmetryClass: "Q"}}}
	canonical := molecule.New(cl, h2o, h2o)

	rec := shapeRecordFor(canonical)
	want := &ShapeRecord{
		Name: "cl-h2o-h2o",
		Fragments: []FragmentRecord{
			{Name: "cl", Charge: -1, SpinMultiplicity: 1, Symbols: []string{"Cl"}, Symmetries: []string{"A"}, Counts: []int{1}},
			{Name: "h2o", SpinMultiplicity: 1, Symbols: []string{"O", "H"}, Symmetries: []string{"A", "B"}, Counts: []int{1, 2}},
		},
		Counts: []int{1, 2},
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("shapeRecordFor() mismatch (-want +got):\n%s", diff)
	}
	if rec.Bodies() != 3 {
		t.Errorf("Bodies() = %d, want 3", rec.Bodies())
	}

	tmpl, err := buildTemplate(rec)
	if err != nil {
		t.Fatalf("buildTemplate() error: %v", err)
	}
	if got := tmpl.molecule.Symmetry(); got != "A1_B1C2_B1C2" {
		t.Errorf("Symmetry() = %q, want A1_B1C2_B1C2", got)
	}
	m, err := tmpl.instantiate(canonical.Coordinates())
	if err != nil {
		t.Fatalf("instantiate() error: %v", err)
	}
	if diff := cmp.Diff(canonical.Coordinates(), m.Coordinates()); diff != "" {
		t.Errorf("coordinates mismatch (-want +got):\n%s", diff)
	}
	if tmpl.molecule.Coordinates()[6] != 0 {
		t.Error("instantiate() modified the template")
	}
	if _, err := tmpl.instantiate([]float64{1, 2}); Code(domainError("rebuild", err)) != ErrorCodeMalformedCoords {
		t.Errorf("instantiate(short) error = %v, want MALFORMED_COORDINATES", err)
	}
}

func TestSameStructureIgnoresSMILES(t *testing.T) {
	a := &ShapeRecord{Name: "h2o", Counts: []int{1}, Fragments: []FragmentRecord{
		{Name: "h2o", SpinMultiplicity: 1, Symbols: []string{"O", "H"}, Counts: []int{1, 2}},
	}}
	b := &ShapeRecord{Name: "h2o", Counts: []int{1}, Fragments: []FragmentRecord{
		{Name: "h2o", SpinMultiplicity: 1, SMILES: "O", Symbols: []string{"O", "H"}, Counts: []int{1, 2}},
	}}
	if !sameStructure(a, b) {
		t.Error("sameStructure() = false for records differing only in SMILES")
	}
	b.Fragments[0].Charge = 1
	if sameStructure(a, b) {
		t.Error("sameStructure() = true for records with different charges")
	}
}

func TestBuildTemplateTooManyClasses(t *testing.T) {
	fr := FragmentRecord{Name: "big", SpinMultiplicity: 1}
	for i := 0; i <= len(symmetryLabels); i++ {
		fr.Symbols = append(fr.Symbols, "C")
		fr.Counts = append(fr.Counts, 1)
	}
	_, err := buildTemplate(&ShapeRecord{Name: "big", Fragments: []FragmentRecord{fr}, Counts: []int{1}})
	if Code(err) != ErrorCodeInvalidShape {
		t.Errorf("buildTemplate() error = %v, want INVALID_SHAPE", err)
	}
}
