// Package ordering resolves the canonical fragment and atom order of a
// molecule, and the permutation from canonical order to a caller's requested
// fragment order.
//
// Canonical order sorts fragments by name and atoms within each fragment by
// symmetry class. Both sorts are stable, so ties keep their original
// relative order. Results are cached per Resolver; two molecules whose
// fragments arrive in the same order with the same labels share one entry.
package ordering

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/corvohq/fitq/internal/molecule"
)

// Order describes how to build the canonical molecule from a source molecule:
// canonical fragment i is source fragment Fragments[i], and atom j of that
// fragment is source atom Atoms[i][j].
type Order struct {
	Fragments []int
	Atoms     [][]int
}

// Apply returns the molecule reordered into canonical order.
func (o Order) Apply(m *molecule.Molecule) (*molecule.Molecule, error) {
	return m.Reordered(o.Fragments, o.Atoms)
}

// IsIdentity reports whether the order leaves the molecule unchanged.
func (o Order) IsIdentity() bool {
	for i, f := range o.Fragments {
		if f != i {
			return false
		}
		for j, a := range o.Atoms[i] {
			if a != j {
				return false
			}
		}
	}
	return true
}

// InvalidShapeError reports a molecule whose structure disagrees with an
// already known molecule of the same shape name.
type InvalidShapeError struct {
	Shape  string
	Reason string
}

func (e *InvalidShapeError) Error() string {
	return fmt.Sprintf("invalid shape %q: %s", e.Shape, e.Reason)
}

// OrderMismatchError reports a requested fragment order that is not a
// rearrangement of the shape's fragment names.
type OrderMismatchError struct {
	Shape string
	Names []string
}

func (e *OrderMismatchError) Error() string {
	return fmt.Sprintf("requested order %v does not match shape %q", e.Names, e.Shape)
}

// Resolver computes and caches orderings. The zero value is not usable; call
// NewResolver.
type Resolver struct {
	mu        sync.RWMutex
	canonical map[string]Order
	shapes    map[string]string
	requested map[string][]int
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		canonical: make(map[string]Order),
		shapes:    make(map[string]string),
		requested: make(map[string][]int),
	}
}

// Reset drops every cached ordering.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.canonical = make(map[string]Order)
	r.shapes = make(map[string]string)
	r.requested = make(map[string][]int)
	r.mu.Unlock()
}

// Canonical returns the order that puts m in canonical form.
func (r *Resolver) Canonical(m *molecule.Molecule) (Order, error) {
	if err := m.Validate(); err != nil {
		return Order{}, err
	}
	key := inputSignature(m)

	r.mu.RLock()
	o, ok := r.canonical[key]
	r.mu.RUnlock()
	if ok {
		return o, nil
	}

	o = computeCanonical(m)
	shape := m.Name()
	layout, err := canonicalLayout(m, o)
	if err != nil {
		return Order{}, &InvalidShapeError{Shape: shape, Reason: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if known, ok := r.shapes[shape]; ok && known != layout {
		return Order{}, &InvalidShapeError{
			Shape:  shape,
			Reason: fmt.Sprintf("layout %s differs from known layout %s", layout, known),
		}
	}
	r.shapes[shape] = layout
	r.canonical[key] = o
	return o, nil
}

// Canonicalize returns m in canonical order together with the order used.
func (r *Resolver) Canonicalize(m *molecule.Molecule) (*molecule.Molecule, Order, error) {
	o, err := r.Canonical(m)
	if err != nil {
		return nil, Order{}, err
	}
	c, err := o.Apply(m)
	if err != nil {
		return nil, Order{}, err
	}
	return c, o, nil
}

// Requested maps a caller's fragment order onto a canonical molecule. The
// result perm satisfies perm[i] = canonical index of the fragment the caller
// wants at position i. Repeated names are matched in occurrence order.
func (r *Resolver) Requested(canonical *molecule.Molecule, names []string) ([]int, error) {
	shape := canonical.Name()
	key := shape + "|" + strings.Join(names, ",")

	r.mu.RLock()
	perm, ok := r.requested[key]
	r.mu.RUnlock()
	if ok {
		return perm, nil
	}

	if len(names) != canonical.NumFragments() {
		return nil, &OrderMismatchError{Shape: shape, Names: names}
	}
	used := make([]bool, canonical.NumFragments())
	perm = make([]int, len(names))
	for i, name := range names {
		found := -1
		for k, f := range canonical.Fragments {
			if !used[k] && f.Name == name {
				found = k
				break
			}
		}
		if found < 0 {
			return nil, &OrderMismatchError{Shape: shape, Names: names}
		}
		used[found] = true
		perm[i] = found
	}

	r.mu.Lock()
	r.requested[key] = perm
	r.mu.Unlock()
	return perm, nil
}

// Inverse returns q such that q[perm[i]] = i.
func Inverse(perm []int) []int {
	q := make([]int, len(perm))
	for i, p := range perm {
		q[p] = i
	}
	return q
}

func computeCanonical(m *molecule.Molecule) Order {
	frags := make([]int, len(m.Fragments))
	for i := range frags {
		frags[i] = i
	}
	sort.SliceStable(frags, func(a, b int) bool {
		return m.Fragments[frags[a]].Name < m.Fragments[frags[b]].Name
	})

	atoms := make([][]int, len(frags))
	for i, src := range frags {
		f := m.Fragments[src]
		idx := make([]int, len(f.Atoms))
		for j := range idx {
			idx[j] = j
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return f.Atoms[idx[a]].SymmetryClass < f.Atoms[idx[b]].SymmetryClass
		})
		atoms[i] = idx
	}
	return Order{Fragments: frags, Atoms: atoms}
}

// inputSignature identifies the molecule's structure in the order given.
func inputSignature(m *molecule.Molecule) string {
	var b strings.Builder
	for i, f := range m.Fragments {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(f.Name)
		b.WriteByte(':')
		for j, a := range f.Atoms {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(a.Symbol)
			b.WriteByte('/')
			b.WriteString(a.SymmetryClass)
		}
	}
	return b.String()
}

// canonicalLayout describes the canonical structure: per fragment its name,
// and per symmetry class its symbol and atom count. It rejects a symmetry
// class shared by different element symbols within one fragment.
func canonicalLayout(m *molecule.Molecule, o Order) (string, error) {
	var b strings.Builder
	byName := make(map[string]string)
	for i, src := range o.Fragments {
		f := m.Fragments[src]
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(f.Name)
		b.WriteByte(':')
		start := b.Len()
		order := o.Atoms[i]
		for j := 0; j < len(order); {
			first := f.Atoms[order[j]]
			k := j
			for k < len(order) && f.Atoms[order[k]].SymmetryClass == first.SymmetryClass {
				if f.Atoms[order[k]].Symbol != first.Symbol {
					return "", fmt.Errorf("symmetry class %q in fragment %s mixes symbols %s and %s",
						first.SymmetryClass, f.Name, first.Symbol, f.Atoms[order[k]].Symbol)
				}
				k++
			}
			b.WriteString(first.Symbol)
			b.WriteString(strconv.Itoa(k - j))
			j = k
		}
		frag := b.String()[start:]
		if prev, ok := byName[f.Name]; ok && prev != frag {
			return "", fmt.Errorf("fragments named %s have different layouts %s and %s", f.Name, prev, frag)
		}
		byName[f.Name] = frag
	}
	return b.String(), nil
}
