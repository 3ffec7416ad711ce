package store

import (
	"context"
	"math"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/nbody"
)

// normalizeTags trims, deduplicates and sorts tags. With required set, an
// empty result is an error.
func normalizeTags(tags []string, required bool) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, NewInvalidValueError("tags must not be blank")
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if required && len(out) == 0 {
		return nil, NewInvalidValueError("at least one tag is required")
	}
	sort.Strings(out)
	return out, nil
}

// Submit queues every sub-calculation of each molecule as a pending job.
// Molecules are validated and canonicalized before anything is written; the
// writes then go out in batches, each applied atomically. On error, batches
// before the failing one stay committed.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) error {
	imports := make([]ImportedCalculation, len(req.Calculations))
	for i, c := range req.Calculations {
		imports[i] = ImportedCalculation{Molecule: c.Molecule, Optimized: c.Optimized}
	}
	return s.write(ctx, "submit", imports, req.Model, req.Tags)
}

// ImportCalculations stores molecules with energies computed elsewhere. Each
// energy vector is given in the molecule's own fragment order; NaN entries
// are queued as pending jobs, the rest are stored complete.
func (s *Store) ImportCalculations(ctx context.Context, req ImportRequest) error {
	for i, c := range req.Calculations {
		if c.Energies == nil {
			return NewInvalidValueError("calculation %d has no energies", i)
		}
	}
	return s.write(ctx, "import", req.Calculations, req.Model, req.Tags)
}

func (s *Store) write(ctx context.Context, op string, calcs []ImportedCalculation, model Model, tags []string) error {
	if err := model.Validate(); err != nil {
		return err
	}
	tags, err := normalizeTags(tags, true)
	if err != nil {
		return err
	}

	recs := make([]CalculationRecord, 0, len(calcs))
	checked := make(map[string]*ShapeRecord)
	for i, c := range calcs {
		if c.Molecule == nil {
			return NewInvalidValueError("calculation %d has no molecule", i)
		}
		rec, err := s.buildRecord(c, model, tags)
		if err != nil {
			return err
		}
		if prev, ok := checked[rec.Shape.Name]; ok {
			if !sameStructure(prev, rec.Shape) {
				return NewInvalidValueError("calculation %d: shape %q has conflicting structures in one request", i, rec.Shape.Name)
			}
		} else {
			if err := s.checkShape(ctx, rec.Shape); err != nil {
				return err
			}
			checked[rec.Shape.Name] = rec.Shape
		}
		recs = append(recs, rec)
	}

	for _, c := range chunks(len(recs), s.BatchSize()) {
		batch := recs[c[0]:c[1]]
		err := s.roundTrip(ctx, op, len(batch), func(ctx context.Context) error {
			return s.backend.PutCalculations(ctx, batch)
		}, attribute.String("fitq.model", model.String()))
		if err != nil {
			return err
		}
		s.logger.Debug("calculations written", "op", op, "batch", len(batch), "offset", c[0])
	}
	return nil
}

// buildRecord canonicalizes one molecule and lays out its sub-calculations.
func (s *Store) buildRecord(c ImportedCalculation, model Model, tags []string) (CalculationRecord, error) {
	canonical, order, err := s.resolver.Canonicalize(c.Molecule)
	if err != nil {
		return CalculationRecord{}, domainError("canonicalize molecule", err)
	}
	n := canonical.NumFragments()
	layout, err := s.indexer.Layout(n, model.CP)
	if err != nil {
		return CalculationRecord{}, domainError("energy layout", err)
	}

	var energies []float64
	if c.Energies != nil {
		if len(c.Energies) != layout.Len() {
			return CalculationRecord{}, NewInvalidValueError("molecule %s has %d energies, want %d",
				canonical.Name(), len(c.Energies), layout.Len())
		}
		src, err := s.indexer.Reindex(order.Fragments, n, model.CP)
		if err != nil {
			return CalculationRecord{}, domainError("reindex energies", err)
		}
		if energies, err = nbody.Apply(c.Energies, src); err != nil {
			return CalculationRecord{}, domainError("reindex energies", err)
		}
	}

	jobs := make([]SubCalculation, layout.Len())
	for k, p := range layout.Positions() {
		jobs[k] = SubCalculation{
			Position:    k,
			FragIndices: p.Subset,
			UseCP:       p.Counterpoise,
			Status:      StatusPending,
		}
		if energies != nil && !math.IsNaN(energies[k]) {
			jobs[k].Status = StatusComplete
			jobs[k].Energy = energies[k]
		}
	}

	return CalculationRecord{
		Hash:        canonical.Hash(),
		Shape:       shapeRecordFor(canonical),
		Coordinates: canonical.Coordinates(),
		Model:       model.String(),
		Tags:        tags,
		Optimized:   c.Optimized,
		Jobs:        jobs,
	}, nil
}

// AddTags adds tags to an existing calculation. Existing tags are kept.
func (s *Store) AddTags(ctx context.Context, hash string, model Model, tags []string) error {
	if err := model.Validate(); err != nil {
		return err
	}
	tags, err := normalizeTags(tags, true)
	if err != nil {
		return err
	}
	return s.roundTrip(ctx, "add_tags", len(tags), func(ctx context.Context) error {
		return s.backend.AddTags(ctx, hash, model.String(), tags)
	})
}

// canonicalHash returns the deduplicated identity of m.
func (s *Store) canonicalHash(m *molecule.Molecule) (string, error) {
	c, _, err := s.resolver.Canonicalize(m)
	if err != nil {
		return "", domainError("canonicalize molecule", err)
	}
	return c.Hash(), nil
}
