package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/ordering"
)

// symmetryLabels are handed out in order; they sort the same way they are
// assigned.
const symmetryLabels = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// template is the empty molecule of a shape: canonical fragment and atom
// order with zero coordinates.
type template struct {
	record   *ShapeRecord
	molecule *molecule.Molecule
}

// instantiate returns a copy of the template carrying the given coordinates.
func (t *template) instantiate(coords []float64) (*molecule.Molecule, error) {
	m := t.molecule.Clone()
	if err := m.SetCoordinates(coords); err != nil {
		return nil, err
	}
	return m, nil
}

// shapeRecordFor derives the stored shape structure from a canonical molecule.
func shapeRecordFor(c *molecule.Molecule) *ShapeRecord {
	rec := &ShapeRecord{Name: c.Name()}
	for i, f := range c.Fragments {
		if i > 0 && c.Fragments[i-1].Name == f.Name {
			rec.Counts[len(rec.Counts)-1]++
			continue
		}
		fr := FragmentRecord{
			Name:             f.Name,
			Charge:           f.Charge,
			SpinMultiplicity: f.SpinMultiplicity,
			SMILES:           f.SMILES,
		}
		for j := 0; j < len(f.Atoms); {
			k := j
			for k < len(f.Atoms) && f.Atoms[k].SymmetryClass == f.Atoms[j].SymmetryClass {
				k++
			}
			fr.Symbols = append(fr.Symbols, f.Atoms[j].Symbol)
			fr.Symmetries = append(fr.Symmetries, string(symmetryLabels[len(fr.Symmetries)%len(symmetryLabels)]))
			fr.Counts = append(fr.Counts, k-j)
			j = k
		}
		rec.Fragments = append(rec.Fragments, fr)
		rec.Counts = append(rec.Counts, 1)
	}
	return rec
}

// sameStructure compares everything about two shape records except SMILES.
func sameStructure(a, b *ShapeRecord) bool {
	if a.Name != b.Name || len(a.Fragments) != len(b.Fragments) || len(a.Counts) != len(b.Counts) {
		return false
	}
	for i := range a.Counts {
		if a.Counts[i] != b.Counts[i] {
			return false
		}
	}
	for i := range a.Fragments {
		fa, fb := a.Fragments[i], b.Fragments[i]
		if fa.Name != fb.Name || fa.Charge != fb.Charge || fa.SpinMultiplicity != fb.SpinMultiplicity {
			return false
		}
		if strings.Join(fa.Symbols, ",") != strings.Join(fb.Symbols, ",") || fmt.Sprint(fa.Counts) != fmt.Sprint(fb.Counts) {
			return false
		}
	}
	return true
}

// buildTemplate expands a shape record into an empty molecule. Symmetry
// labels continue across fragment types so every class in the molecule is
// distinct; repeated fragments of one type share labels.
func buildTemplate(rec *ShapeRecord) (*template, error) {
	if len(rec.Fragments) == 0 || len(rec.Fragments) != len(rec.Counts) {
		return nil, NewOperationError(fmt.Sprintf("shape %q has a malformed record", rec.Name), nil)
	}
	m := &molecule.Molecule{}
	next := 0
	for i, fr := range rec.Fragments {
		if len(fr.Symbols) != len(fr.Counts) {
			return nil, NewOperationError(fmt.Sprintf("fragment %q has a malformed record", fr.Name), nil)
		}
		if next+len(fr.Symbols) > len(symmetryLabels) {
			return nil, domainError("build template", &ordering.InvalidShapeError{
				Shape:  rec.Name,
				Reason: fmt.Sprintf("more than %d symmetry classes", len(symmetryLabels)),
			})
		}
		var atoms []molecule.Atom
		for g, sym := range fr.Symbols {
			label := string(symmetryLabels[next+g])
			for c := 0; c < fr.Counts[g]; c++ {
				atoms = append(atoms, molecule.Atom{Symbol: sym, SymmetryClass: label})
			}
		}
		next += len(fr.Symbols)
		for c := 0; c < rec.Counts[i]; c++ {
			m.Fragments = append(m.Fragments, molecule.Fragment{
				Name:             fr.Name,
				Charge:           fr.Charge,
				SpinMultiplicity: fr.SpinMultiplicity,
				SMILES:           fr.SMILES,
				Atoms:            append([]molecule.Atom(nil), atoms...),
			})
		}
	}
	return &template{record: rec, molecule: m}, nil
}

// template returns the cached template for a shape, loading the shape record
// from the backend on first use.
func (s *Store) template(ctx context.Context, shape string) (*template, error) {
	s.mu.RLock()
	t, ok := s.templates[shape]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	var rec *ShapeRecord
	err := s.roundTrip(ctx, "shape", 1, func(ctx context.Context) error {
		var err error
		rec, err = s.backend.Shape(ctx, shape)
		return err
	})
	if err != nil {
		return nil, err
	}
	t, err = buildTemplate(rec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if cached, ok := s.templates[shape]; ok {
		t = cached
	} else {
		s.templates[shape] = t
	}
	s.mu.Unlock()
	return t, nil
}

// checkShape verifies a freshly derived shape record against the one already
// stored, if any. Unknown shapes are accepted and cached after their first
// write.
func (s *Store) checkShape(ctx context.Context, rec *ShapeRecord) error {
	t, err := s.template(ctx, rec.Name)
	if IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sameStructure(t.record, rec) {
		return domainError("submit", &ordering.InvalidShapeError{
			Shape:  rec.Name,
			Reason: "structure differs from the stored shape",
		})
	}
	return nil
}
