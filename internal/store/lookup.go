package store

import (
	"context"
	"sort"

	"github.com/corvohq/fitq/internal/molecule"
)

// Molecule returns a stored molecule in canonical order.
func (s *Store) Molecule(ctx context.Context, hash string) (*molecule.Molecule, error) {
	var sm *StoredMolecule
	err := s.roundTrip(ctx, "molecule", 1, func(ctx context.Context) error {
		var err error
		sm, err = s.backend.Molecule(ctx, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	t, err := s.template(ctx, sm.Shape)
	if err != nil {
		return nil, err
	}
	m, err := t.instantiate(sm.Coordinates)
	if err != nil {
		return nil, domainError("rebuild molecule "+hash, err)
	}
	return m, nil
}

// Symmetry returns the symmetry description of a stored shape, e.g.
// "A1B2_A1B2" for a water dimer.
func (s *Store) Symmetry(ctx context.Context, shape string) (string, error) {
	t, err := s.template(ctx, shape)
	if err != nil {
		return "", err
	}
	return t.molecule.Symmetry(), nil
}

// Models lists every model that has calculations, sorted by model string.
func (s *Store) Models(ctx context.Context) ([]Model, error) {
	var raw []string
	err := s.roundTrip(ctx, "models", 0, func(ctx context.Context) error {
		var err error
		raw, err = s.backend.Models(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(raw)
	out := make([]Model, 0, len(raw))
	for _, r := range raw {
		m, err := ParseModel(r)
		if err != nil {
			s.logger.Warn("skipping unparseable model", "model", r, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// StatusCounts returns the number of jobs in each state. Every state is
// present in the result.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int, error) {
	var counts map[Status]int
	err := s.roundTrip(ctx, "status", 0, func(ctx context.Context) error {
		var err error
		counts, err = s.backend.StatusCounts(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		out[st] = counts[st]
	}
	return out, nil
}
