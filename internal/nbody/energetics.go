package nbody

import "math"

// Energy returns the entry for (subset, counterpoise).
func (l *Layout) Energy(vec []float64, subset []int, counterpoise bool) (float64, error) {
	i, err := l.PositionOf(subset, counterpoise)
	if err != nil {
		return 0, err
	}
	return vec[i], nil
}

// Full returns the energy of the whole molecule.
func (l *Layout) Full(vec []float64) float64 {
	return vec[len(vec)-1]
}

// subsetEnergy picks the variant used for interaction terms: counterpoise
// for proper subsets when the layout has it, plain otherwise.
func (l *Layout) subsetEnergy(vec []float64, subset []int) (float64, error) {
	return l.Energy(vec, subset, l.cp && len(subset) < l.n)
}

// Interaction returns the N-body interaction energy by inclusion-exclusion
// over every non-empty subset: sum of (-1)^(N-|S|) E(S).
func (l *Layout) Interaction(vec []float64) (float64, error) {
	total := 0.0
	for s := 1; s <= l.n; s++ {
		sign := 1.0
		if (l.n-s)%2 == 1 {
			sign = -1
		}
		var err error
		combinations(l.n, s, func(subset []int) {
			if err != nil {
				return
			}
			e, serr := l.subsetEnergy(vec, subset)
			if serr != nil {
				err = serr
				return
			}
			total += sign * e
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Deformations returns, per fragment, the plain monomer energy minus the
// fragment's reference energy.
func (l *Layout) Deformations(vec []float64, refs []float64) ([]float64, error) {
	out := make([]float64, l.n)
	for i := 0; i < l.n; i++ {
		e, err := l.Energy(vec, []int{i}, false)
		if err != nil {
			return nil, err
		}
		out[i] = e - refs[i]
	}
	return out, nil
}

// Binding returns the full energy minus the sum of reference energies.
func (l *Layout) Binding(vec []float64, refs []float64) float64 {
	e := l.Full(vec)
	for _, r := range refs {
		e -= r
	}
	return e
}

// Complete reports whether every entry is present.
func Complete(vec []float64) bool {
	for _, v := range vec {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}
