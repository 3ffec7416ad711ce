// Package molecule is the molecular model the calculation store works on:
// atoms with symmetry classes, fragments with charge/spin/identifier, and
// molecules made of ordered fragments.
package molecule

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Atom is a single atom with its symmetry class label and Cartesian position.
type Atom struct {
	Symbol        string  `json:"symbol"`
	SymmetryClass string  `json:"symmetry_class"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Z             float64 `json:"z"`
}

// Fragment is a monomer inside a molecule. Name identifies the fragment type
// and is the canonical key fragments are ordered by.
type Fragment struct {
	Name             string `json:"name"`
	Charge           int    `json:"charge"`
	SpinMultiplicity int    `json:"spin_multiplicity"`
	SMILES           string `json:"smiles,omitempty"`
	Atoms            []Atom `json:"atoms"`
}

// Molecule is an ordered list of fragments.
type Molecule struct {
	Fragments []Fragment `json:"fragments"`
}

// New returns a molecule made of the given fragments.
func New(fragments ...Fragment) *Molecule {
	return &Molecule{Fragments: fragments}
}

// ShapeName returns the shape name for a set of fragment names: the names
// sorted and joined by "-".
func ShapeName(names []string) string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, "-")
}

// Name returns the molecule's shape name. It does not depend on fragment order.
func (m *Molecule) Name() string {
	return ShapeName(m.FragmentNames())
}

// FragmentNames returns fragment names in fragment order.
func (m *Molecule) FragmentNames() []string {
	names := make([]string, len(m.Fragments))
	for i, f := range m.Fragments {
		names[i] = f.Name
	}
	return names
}

// NumFragments returns the number of fragments (bodies).
func (m *Molecule) NumFragments() int {
	return len(m.Fragments)
}

// NumAtoms returns the total number of atoms across all fragments.
func (m *Molecule) NumAtoms() int {
	n := 0
	for _, f := range m.Fragments {
		n += len(f.Atoms)
	}
	return n
}

// Validate checks the molecule has at least one fragment and every fragment
// has a name and at least one atom.
func (m *Molecule) Validate() error {
	if m == nil || len(m.Fragments) == 0 {
		return fmt.Errorf("molecule has no fragments")
	}
	for i, f := range m.Fragments {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("fragment %d has no name", i)
		}
		if len(f.Atoms) == 0 {
			return fmt.Errorf("fragment %d (%s) has no atoms", i, f.Name)
		}
		if strings.Contains(f.Name, "-") {
			return fmt.Errorf("fragment name %q must not contain '-'", f.Name)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m *Molecule) Clone() *Molecule {
	out := &Molecule{Fragments: make([]Fragment, len(m.Fragments))}
	for i, f := range m.Fragments {
		f.Atoms = append([]Atom(nil), f.Atoms...)
		out.Fragments[i] = f
	}
	return out
}

// Coordinates returns the flat coordinate array in fragment then atom order,
// three values per atom.
func (m *Molecule) Coordinates() []float64 {
	out := make([]float64, 0, m.NumAtoms()*Stride)
	for _, f := range m.Fragments {
		for _, a := range f.Atoms {
			out = append(out, a.X, a.Y, a.Z)
		}
	}
	return out
}

// SetCoordinates overwrites every atom position from a flat coordinate array.
// The array must hold exactly Stride values per atom.
func (m *Molecule) SetCoordinates(flat []float64) error {
	positions, err := DecodeCoordinates(flat, m.NumAtoms(), Stride)
	if err != nil {
		return err
	}
	k := 0
	for i := range m.Fragments {
		atoms := m.Fragments[i].Atoms
		for j := range atoms {
			atoms[j].X, atoms[j].Y, atoms[j].Z = positions[k][0], positions[k][1], positions[k][2]
			k++
		}
	}
	return nil
}

// Reordered returns a copy whose fragment i is the source fragment
// fragOrder[i], with atom j of that fragment taken from source atom
// atomOrders[i][j]. A nil atomOrders keeps atom order.
func (m *Molecule) Reordered(fragOrder []int, atomOrders [][]int) (*Molecule, error) {
	if len(fragOrder) != len(m.Fragments) {
		return nil, fmt.Errorf("fragment order has %d entries, molecule has %d fragments", len(fragOrder), len(m.Fragments))
	}
	if atomOrders != nil && len(atomOrders) != len(fragOrder) {
		return nil, fmt.Errorf("atom orders has %d entries, want %d", len(atomOrders), len(fragOrder))
	}
	seen := make([]bool, len(fragOrder))
	out := &Molecule{Fragments: make([]Fragment, len(fragOrder))}
	for i, src := range fragOrder {
		if src < 0 || src >= len(m.Fragments) || seen[src] {
			return nil, fmt.Errorf("fragment order %v is not a permutation", fragOrder)
		}
		seen[src] = true
		f := m.Fragments[src]
		atoms := make([]Atom, len(f.Atoms))
		if atomOrders == nil {
			copy(atoms, f.Atoms)
		} else {
			order := atomOrders[i]
			if len(order) != len(f.Atoms) {
				return nil, fmt.Errorf("atom order for fragment %d has %d entries, fragment has %d atoms", i, len(order), len(f.Atoms))
			}
			used := make([]bool, len(order))
			for j, a := range order {
				if a < 0 || a >= len(f.Atoms) || used[a] {
					return nil, fmt.Errorf("atom order %v for fragment %d is not a permutation", order, i)
				}
				used[a] = true
				atoms[j] = f.Atoms[a]
			}
		}
		f.Atoms = atoms
		out.Fragments[i] = f
	}
	return out, nil
}

// Hash returns the SHA-1 content hash of the molecule as ordered: fragment
// composition, charge, spin and atom coordinates. Callers that need a
// deduplicated identity must hash the canonical form.
func (m *Molecule) Hash() string {
	h := sha1.New()
	var b strings.Builder
	for _, f := range m.Fragments {
		b.Reset()
		b.WriteString(f.Name)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(f.Charge))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(f.SpinMultiplicity))
		b.WriteByte('\n')
		for _, a := range f.Atoms {
			b.WriteString(a.Symbol)
			for _, v := range [3]float64{a.X, a.Y, a.Z} {
				b.WriteByte(' ')
				b.WriteString(strconv.FormatFloat(v, 'f', 8, 64))
			}
			b.WriteByte('\n')
		}
		h.Write([]byte(b.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Symmetry returns a compact description of the atom symmetry classes, one
// group per fragment, e.g. "A1B2_A1B2".
func (m *Molecule) Symmetry() string {
	parts := make([]string, len(m.Fragments))
	for i, f := range m.Fragments {
		var b strings.Builder
		for j := 0; j < len(f.Atoms); {
			k := j
			for k < len(f.Atoms) && f.Atoms[k].SymmetryClass == f.Atoms[j].SymmetryClass {
				k++
			}
			b.WriteString(f.Atoms[j].SymmetryClass)
			b.WriteString(strconv.Itoa(k - j))
			j = k
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, "_")
}

// XYZ renders the molecule in XYZ format with the given comment line.
func (m *Molecule) XYZ(comment string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n%s\n", m.NumAtoms(), comment)
	for _, f := range m.Fragments {
		for _, a := range f.Atoms {
			fmt.Fprintf(&b, "%-2s %14.8f %14.8f %14.8f\n", a.Symbol, a.X, a.Y, a.Z)
		}
	}
	return b.String()
}
