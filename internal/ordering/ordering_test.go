package ordering_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/ordering"
)

func frag(name string, atoms ...molecule.Atom) molecule.Fragment {
	return molecule.Fragment{Name: name, SpinMultiplicity: 1, Atoms: atoms}
}

func atom(sym, class string, x float64) molecule.Atom {
	return molecule.Atom{Symbol: sym, SymmetryClass: class, X: x}
}

// waterHH lists the hydrogens before the oxygen.
func waterHH(x float64) molecule.Fragment {
	return frag("h2o", atom("H", "B", x+1), atom("H", "B", x+2), atom("O", "A", x))
}

func chloride(x float64) molecule.Fragment {
	return frag("cl", atom("Cl", "A", x))
}

func TestCanonicalSortsFragmentsAndAtoms(t *testing.T) {
	r := ordering.NewResolver()
	m := molecule.New(waterHH(0), chloride(5))

	c, o, err := r.Canonicalize(m)
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}
	if diff := cmp.Diff([]int{1, 0}, o.Fragments); diff != "" {
		t.Errorf("fragment order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int{{0}, {2, 0, 1}}, o.Atoms); diff != "" {
		t.Errorf("atom order mismatch (-want +got):\n%s", diff)
	}
	if got := c.FragmentNames(); !cmp.Equal(got, []string{"cl", "h2o"}) {
		t.Errorf("canonical names = %v", got)
	}
	want := []float64{5, 0, 0, 0, 0, 0, 1, 0, 0, 2, 0, 0}
	if diff := cmp.Diff(want, c.Coordinates()); diff != "" {
		t.Errorf("canonical coordinates mismatch (-want +got):\n%s", diff)
	}
}

func TestCanonicalIsIdempotent(t *testing.T) {
	r := ordering.NewResolver()
	c, _, err := r.Canonicalize(molecule.New(waterHH(0), chloride(5)))
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}
	o, err := r.Canonical(c)
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	if !o.IsIdentity() {
		t.Errorf("Canonical() of a canonical molecule = %+v, want identity", o)
	}
}

func TestCanonicalStableTies(t *testing.T) {
	r := ordering.NewResolver()
	m := molecule.New(waterHH(0), waterHH(10))
	c, o, err := r.Canonicalize(m)
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1}, o.Fragments); diff != "" {
		t.Errorf("equal-name fragments reordered (-want +got):\n%s", diff)
	}
	if got := c.Fragments[0].Atoms[1].X; got != 1 {
		t.Errorf("first hydrogen X = %v, want 1 (original relative order)", got)
	}
}

func TestCanonicalInvalidShape(t *testing.T) {
	r := ordering.NewResolver()
	if _, err := r.Canonical(molecule.New(waterHH(0), chloride(5))); err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}

	// Same shape name, hydrogens split into two symmetry classes.
	odd := frag("h2o", atom("O", "A", 0), atom("H", "B", 1), atom("H", "C", 2))
	_, err := r.Canonical(molecule.New(chloride(5), odd))
	var shapeErr *ordering.InvalidShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("Canonical() error = %v, want InvalidShapeError", err)
	}
	if shapeErr.Shape != "cl-h2o" {
		t.Errorf("Shape = %q, want %q", shapeErr.Shape, "cl-h2o")
	}

	mixed := frag("oh", atom("O", "A", 0), atom("H", "A", 1))
	if _, err := r.Canonical(molecule.New(mixed)); !errors.As(err, &shapeErr) {
		t.Errorf("Canonical() with mixed symbols error = %v, want InvalidShapeError", err)
	}
}

func TestRequested(t *testing.T) {
	r := ordering.NewResolver()
	c, _, err := r.Canonicalize(molecule.New(waterHH(0), chloride(5)))
	if err != nil {
		t.Fatalf("Canonicalize() error: %v", err)
	}

	perm, err := r.Requested(c, []string{"h2o", "cl"})
	if err != nil {
		t.Fatalf("Requested() error: %v", err)
	}
	if diff := cmp.Diff([]int{1, 0}, perm); diff != "" {
		t.Errorf("Requested() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 0}, ordering.Inverse(perm)); diff != "" {
		t.Errorf("Inverse() mismatch (-want +got):\n%s", diff)
	}

	var mismatch *ordering.OrderMismatchError
	if _, err := r.Requested(c, []string{"h2o", "h2o"}); !errors.As(err, &mismatch) {
		t.Errorf("Requested() error = %v, want OrderMismatchError", err)
	}
	if _, err := r.Requested(c, []string{"cl"}); !errors.As(err, &mismatch) {
		t.Errorf("Requested() short error = %v, want OrderMismatchError", err)
	}
}

func TestInverseComposes(t *testing.T) {
	perm := []int{2, 0, 3, 1}
	inv := ordering.Inverse(perm)
	for i := range perm {
		if inv[perm[i]] != i {
			t.Fatalf("Inverse(%v) = %v", perm, inv)
		}
	}
}

func TestResolverConcurrent(t *testing.T) {
	r := ordering.NewResolver()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := molecule.New(waterHH(float64(i)), chloride(float64(i)))
			if _, err := r.Canonical(m); err != nil {
				t.Errorf("Canonical() error: %v", err)
			}
		}(i)
	}
	wg.Wait()
}
