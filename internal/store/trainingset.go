package store

import (
	"context"
	"iter"
	"math"
	"sort"
	"strings"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/nbody"
	"github.com/corvohq/fitq/internal/ordering"
)

// paginate runs the extraction protocol: count once, then fetch pages of
// BatchSize rows until the offset passes the count or a page comes back
// empty. setup runs only when there is at least one row. emit returning
// false stops without error.
func paginate[R any](
	ctx context.Context,
	s *Store,
	op string,
	count func(context.Context) (int, error),
	page func(ctx context.Context, offset, limit int) ([]R, error),
	setup func(context.Context) error,
	emit func(R) (bool, error),
) error {
	var total int
	err := s.roundTrip(ctx, op+".count", 0, func(ctx context.Context) error {
		var err error
		total, err = count(ctx)
		return err
	})
	if err != nil || total == 0 {
		return err
	}
	if err := setup(ctx); err != nil {
		return err
	}

	batch := s.BatchSize()
	for offset := 0; offset <= total; offset += batch {
		var rows []R
		err := s.roundTrip(ctx, op+".page", batch, func(ctx context.Context) error {
			var err error
			rows, err = page(ctx, offset, batch)
			return err
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, r := range rows {
			cont, err := emit(r)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	}
	return nil
}

// extraction holds what one training-set call needs: the query, the shape
// template and the maps from canonical to requested order.
type extraction struct {
	req      TrainingSetRequest
	query    Query
	template *template
	layout   *nbody.Layout
	perm     []int
	src      []int
	refs     map[string]float64
}

func (s *Store) newExtraction(req TrainingSetRequest, bodies int, complete bool) (*extraction, error) {
	if err := req.Model.Validate(); err != nil {
		return nil, err
	}
	if len(req.Names) == 0 {
		return nil, NewInvalidValueError("no fragment names requested")
	}
	if bodies > 0 && len(req.Names) != bodies {
		return nil, NewInvalidValueError("need %d fragment names, got %d", bodies, len(req.Names))
	}
	for _, n := range req.Names {
		if strings.TrimSpace(n) == "" || strings.Contains(n, "-") {
			return nil, NewInvalidValueError("bad fragment name %q", n)
		}
	}
	tags, err := normalizeTags(req.Tags, true)
	if err != nil {
		return nil, err
	}
	return &extraction{
		req: req,
		query: Query{
			Shape:    req.Shape(),
			Model:    req.Model.String(),
			Tags:     tags,
			Complete: complete,
		},
	}, nil
}

// load resolves the template, orders and, with refs set, the reference
// energy of every requested fragment type.
func (s *Store) load(ctx context.Context, x *extraction, refs bool) error {
	t, err := s.template(ctx, x.query.Shape)
	if err != nil {
		return err
	}
	x.template = t
	if x.perm, err = s.resolver.Requested(t.molecule, x.req.Names); err != nil {
		return domainError("requested order", err)
	}
	n := t.molecule.NumFragments()
	if x.layout, err = s.indexer.Layout(n, x.req.Model.CP); err != nil {
		return domainError("energy layout", err)
	}
	if x.src, err = s.indexer.Reindex(x.perm, n, x.req.Model.CP); err != nil {
		return domainError("reindex", err)
	}
	if !refs {
		return nil
	}
	x.refs = make(map[string]float64)
	for _, name := range x.req.Names {
		if _, ok := x.refs[name]; ok {
			continue
		}
		var e float64
		err := s.roundTrip(ctx, "reference", 1, func(ctx context.Context) error {
			var err error
			e, err = s.backend.ReferenceEnergy(ctx, name, x.query.Model)
			return err
		})
		if err != nil {
			return err
		}
		x.refs[name] = e
	}
	return nil
}

// referencesFor returns reference energies for fragments in the given order.
func (x *extraction) referencesFor(m *molecule.Molecule) []float64 {
	out := make([]float64, m.NumFragments())
	for i, f := range m.Fragments {
		out[i] = x.refs[f.Name]
	}
	return out
}

// rebuild returns the molecule in canonical order and its canonical energy
// vector with NaN where nothing is stored.
func (x *extraction) rebuild(row MoleculeRow) (*molecule.Molecule, []float64, error) {
	m, err := x.template.instantiate(row.Coordinates)
	if err != nil {
		return nil, nil, domainError("rebuild molecule "+row.Hash, err)
	}
	vec := make([]float64, x.layout.Len())
	for i := range vec {
		vec[i] = math.NaN()
	}
	for _, pe := range row.Energies {
		if pe.Position < 0 || pe.Position >= len(vec) {
			return nil, nil, NewOperationError("stored energy position out of range for "+row.Hash, nil)
		}
		vec[pe.Position] = pe.Energy
	}
	return m, vec, nil
}

// requested returns the molecule and vector in the caller's fragment order.
func (x *extraction) requested(m *molecule.Molecule, vec []float64) (*molecule.Molecule, []float64, error) {
	rm, err := m.Reordered(x.perm, nil)
	if err != nil {
		return nil, nil, domainError("reorder molecule", err)
	}
	rv, err := nbody.Apply(vec, x.src)
	if err != nil {
		return nil, nil, domainError("reorder energies", err)
	}
	return rm, rv, nil
}

// extractMolecules runs the protocol over molecule rows.
func extractMolecules[T any](ctx context.Context, s *Store, op string, x *extraction, refs bool,
	item func(*extraction, MoleculeRow) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		err := paginate(ctx, s, op,
			func(ctx context.Context) (int, error) { return s.backend.CountMolecules(ctx, x.query) },
			func(ctx context.Context, offset, limit int) ([]MoleculeRow, error) {
				return s.backend.MoleculePage(ctx, x.query, offset, limit)
			},
			func(ctx context.Context) error { return s.load(ctx, x, refs) },
			func(row MoleculeRow) (bool, error) {
				v, err := item(x, row)
				if err != nil {
					return false, err
				}
				return yield(v, nil), nil
			})
		if err != nil {
			yield(zero, err)
		}
	}
}

func failSeq[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// OneBody streams monomers with their energy relative to the reference
// energy of the fragment type.
func (s *Store) OneBody(ctx context.Context, req TrainingSetRequest) iter.Seq2[OneBodyItem, error] {
	x, err := s.newExtraction(req, 1, true)
	if err != nil {
		return failSeq[OneBodyItem](err)
	}
	return extractMolecules(ctx, s, "one_body", x, true, func(x *extraction, row MoleculeRow) (OneBodyItem, error) {
		m, vec, err := x.rebuild(row)
		if err != nil {
			return OneBodyItem{}, err
		}
		return OneBodyItem{Molecule: m, Energy: x.layout.Full(vec) - x.refs[m.Fragments[0].Name]}, nil
	})
}

// TwoBody streams dimers in the requested monomer order. When that order
// reverses the canonical one, the monomer deformation energies are swapped
// along with the molecule.
func (s *Store) TwoBody(ctx context.Context, req TrainingSetRequest) iter.Seq2[TwoBodyItem, error] {
	x, err := s.newExtraction(req, 2, true)
	if err != nil {
		return failSeq[TwoBodyItem](err)
	}
	return extractMolecules(ctx, s, "two_body", x, true, func(x *extraction, row MoleculeRow) (TwoBodyItem, error) {
		m, vec, err := x.rebuild(row)
		if err != nil {
			return TwoBodyItem{}, err
		}
		refs := x.referencesFor(m)
		interaction, err := x.layout.Interaction(vec)
		if err != nil {
			return TwoBodyItem{}, domainError("interaction energy", err)
		}
		defs, err := x.layout.Deformations(vec, refs)
		if err != nil {
			return TwoBodyItem{}, domainError("deformation energy", err)
		}
		rm, err := m.Reordered(x.perm, nil)
		if err != nil {
			return TwoBodyItem{}, domainError("reorder molecule", err)
		}
		item := TwoBodyItem{
			Molecule:    rm,
			Binding:     x.layout.Binding(vec, refs),
			Interaction: interaction,
			Monomer1:    defs[0],
			Monomer2:    defs[1],
		}
		if x.perm[0] == 1 {
			item.Monomer1, item.Monomer2 = item.Monomer2, item.Monomer1
		}
		return item, nil
	})
}

// TrainingSet streams molecules of any body count in the requested fragment
// order with binding, N-body interaction and deformation energies.
func (s *Store) TrainingSet(ctx context.Context, req TrainingSetRequest) iter.Seq2[NBodyItem, error] {
	x, err := s.newExtraction(req, 0, true)
	if err != nil {
		return failSeq[NBodyItem](err)
	}
	return extractMolecules(ctx, s, "training_set", x, true, func(x *extraction, row MoleculeRow) (NBodyItem, error) {
		m, vec, err := x.rebuild(row)
		if err != nil {
			return NBodyItem{}, err
		}
		rm, rv, err := x.requested(m, vec)
		if err != nil {
			return NBodyItem{}, err
		}
		refs := x.referencesFor(rm)
		interaction, err := x.layout.Interaction(rv)
		if err != nil {
			return NBodyItem{}, domainError("interaction energy", err)
		}
		defs, err := x.layout.Deformations(rv, refs)
		if err != nil {
			return NBodyItem{}, domainError("deformation energy", err)
		}
		return NBodyItem{
			Molecule:     rm,
			Binding:      x.layout.Binding(rv, refs),
			Interaction:  interaction,
			Deformations: defs,
		}, nil
	})
}

// ExportCalculations streams every molecule with at least one completed
// sub-calculation, with its raw energy vector in requested order.
func (s *Store) ExportCalculations(ctx context.Context, req TrainingSetRequest) iter.Seq2[ExportItem, error] {
	x, err := s.newExtraction(req, 0, false)
	if err != nil {
		return failSeq[ExportItem](err)
	}
	return extractMolecules(ctx, s, "export", x, false, func(x *extraction, row MoleculeRow) (ExportItem, error) {
		m, vec, err := x.rebuild(row)
		if err != nil {
			return ExportItem{}, err
		}
		rm, rv, err := x.requested(m, vec)
		if err != nil {
			return ExportItem{}, err
		}
		return ExportItem{Molecule: rm, Energies: rv}, nil
	})
}

// Failed streams failed sub-calculations with molecule and fragment indices
// in requested order.
func (s *Store) Failed(ctx context.Context, req TrainingSetRequest) iter.Seq2[FailedItem, error] {
	x, err := s.newExtraction(req, 0, false)
	if err != nil {
		return failSeq[FailedItem](err)
	}
	return func(yield func(FailedItem, error) bool) {
		var inv []int
		err := paginate(ctx, s, "failed",
			func(ctx context.Context) (int, error) { return s.backend.CountFailed(ctx, x.query) },
			func(ctx context.Context, offset, limit int) ([]FailedRow, error) {
				return s.backend.FailedPage(ctx, x.query, offset, limit)
			},
			func(ctx context.Context) error {
				if err := s.load(ctx, x, false); err != nil {
					return err
				}
				inv = ordering.Inverse(x.perm)
				return nil
			},
			func(row FailedRow) (bool, error) {
				m, err := x.template.instantiate(row.Coordinates)
				if err != nil {
					return false, domainError("rebuild molecule "+row.Hash, err)
				}
				rm, err := m.Reordered(x.perm, nil)
				if err != nil {
					return false, domainError("reorder molecule", err)
				}
				frags := make([]int, len(row.FragIndices))
				for i, f := range row.FragIndices {
					if f < 0 || f >= len(inv) {
						return false, NewOperationError("stored fragment index out of range for "+row.Hash, nil)
					}
					frags[i] = inv[f]
				}
				sort.Ints(frags)
				return yield(FailedItem{Molecule: rm, FragIndices: frags, UseCP: row.UseCP, Log: row.Log}, nil), nil
			})
		if err != nil {
			yield(FailedItem{}, err)
		}
	}
}
