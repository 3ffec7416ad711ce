// Package nbody defines the flat layout of N-body energy vectors and the
// reindexing of those vectors under fragment relabelings.
//
// For subset sizes s = 1..N, and for each subset of size s in lexicographic
// order, the layout holds the counterpoise variant (only when counterpoise is
// enabled and s < N) followed by the plain variant.
package nbody

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MaxBodies bounds the body count a layout can be built for.
const MaxBodies = 16

// Position is one entry of an energy vector: a fragment subset in ascending
// order and whether it is computed with ghost atoms for the other fragments.
type Position struct {
	Subset       []int `json:"subset"`
	Counterpoise bool  `json:"counterpoise"`
}

func (p Position) String() string {
	parts := make([]string, len(p.Subset))
	for i, f := range p.Subset {
		parts[i] = strconv.Itoa(f)
	}
	s := "{" + strings.Join(parts, ",") + "}"
	if p.Counterpoise {
		s += "cp"
	}
	return s
}

// SubsetError reports a subset or permutation that has no place in a layout.
type SubsetError struct {
	Subset       []int
	Counterpoise bool
	N            int
	CP           bool
}

func (e *SubsetError) Error() string {
	return fmt.Sprintf("subset %v (counterpoise=%t) has no position for n=%d cp=%t",
		e.Subset, e.Counterpoise, e.N, e.CP)
}

// Len returns the length of the energy vector for n bodies.
func Len(n int, cp bool) int {
	if n < 1 {
		return 0
	}
	subsets := 1<<n - 1
	if cp {
		return subsets + (subsets - 1)
	}
	return subsets
}

// Enumerate returns every position of the layout in order.
func Enumerate(n int, cp bool) []Position {
	out := make([]Position, 0, Len(n, cp))
	for s := 1; s <= n; s++ {
		combinations(n, s, func(subset []int) {
			if cp && s < n {
				out = append(out, Position{Subset: append([]int(nil), subset...), Counterpoise: true})
			}
			out = append(out, Position{Subset: append([]int(nil), subset...)})
		})
	}
	return out
}

// combinations calls fn with each size-k subset of 0..n-1 in lexicographic
// order. The slice passed to fn is reused.
func combinations(n, k int, fn func([]int)) {
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		fn(idx)
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// Layout is the position table for one (n, cp) pair.
type Layout struct {
	n         int
	cp        bool
	positions []Position
	index     map[uint64]int
}

// NewLayout builds the layout for n bodies.
func NewLayout(n int, cp bool) (*Layout, error) {
	if n < 1 || n > MaxBodies {
		return nil, fmt.Errorf("body count %d out of range 1..%d", n, MaxBodies)
	}
	l := &Layout{n: n, cp: cp, positions: Enumerate(n, cp)}
	l.index = make(map[uint64]int, len(l.positions))
	for i, p := range l.positions {
		l.index[key(maskOf(p.Subset), p.Counterpoise)] = i
	}
	return l, nil
}

// N returns the body count.
func (l *Layout) N() int { return l.n }

// CP reports whether counterpoise variants are part of the layout.
func (l *Layout) CP() bool { return l.cp }

// Len returns the number of positions.
func (l *Layout) Len() int { return len(l.positions) }

// Positions returns the positions in layout order. The result must not be
// modified.
func (l *Layout) Positions() []Position { return l.positions }

// Position returns the position at index i.
func (l *Layout) Position(i int) Position { return l.positions[i] }

// PositionOf returns the index of (subset, counterpoise). The subset may be
// in any order but must not repeat fragments.
func (l *Layout) PositionOf(subset []int, counterpoise bool) (int, error) {
	var mask uint64
	for _, f := range subset {
		if f < 0 || f >= l.n || mask&(1<<f) != 0 {
			return 0, &SubsetError{Subset: subset, Counterpoise: counterpoise, N: l.n, CP: l.cp}
		}
		mask |= 1 << f
	}
	i, ok := l.index[key(mask, counterpoise)]
	if !ok {
		return 0, &SubsetError{Subset: subset, Counterpoise: counterpoise, N: l.n, CP: l.cp}
	}
	return i, nil
}

// Reindex returns src such that src[k] is the index, in a vector stored under
// the source labeling, of the entry that belongs at index k under the new
// labeling. perm[i] is the source label of new fragment i.
func (l *Layout) Reindex(perm []int) ([]int, error) {
	if err := checkPermutation(perm, l.n); err != nil {
		return nil, err
	}
	src := make([]int, len(l.positions))
	mapped := make([]int, 0, l.n)
	for k, p := range l.positions {
		mapped = mapped[:0]
		for _, f := range p.Subset {
			mapped = append(mapped, perm[f])
		}
		i, err := l.PositionOf(mapped, p.Counterpoise)
		if err != nil {
			return nil, err
		}
		src[k] = i
	}
	return src, nil
}

// PositionOf is a convenience wrapper building a throwaway layout.
func PositionOf(subset []int, counterpoise bool, n int, cp bool) (int, error) {
	l, err := NewLayout(n, cp)
	if err != nil {
		return 0, err
	}
	return l.PositionOf(subset, counterpoise)
}

// Apply returns the vector reordered through src: out[k] = vec[src[k]].
func Apply(vec []float64, src []int) ([]float64, error) {
	if len(vec) != len(src) {
		return nil, fmt.Errorf("energy vector has %d entries, index map has %d", len(vec), len(src))
	}
	out := make([]float64, len(src))
	for k, i := range src {
		out[k] = vec[i]
	}
	return out, nil
}

func checkPermutation(perm []int, n int) error {
	if len(perm) != n {
		return &SubsetError{Subset: perm, N: n}
	}
	seen := make([]bool, n)
	for _, p := range perm {
		if p < 0 || p >= n || seen[p] {
			return &SubsetError{Subset: perm, N: n}
		}
		seen[p] = true
	}
	return nil
}

func maskOf(subset []int) uint64 {
	var m uint64
	for _, f := range subset {
		m |= 1 << f
	}
	return m
}

func key(mask uint64, counterpoise bool) uint64 {
	k := mask << 1
	if counterpoise {
		k |= 1
	}
	return k
}

// Indexer caches layouts and reindex maps. It is safe for concurrent use.
type Indexer struct {
	mu      sync.RWMutex
	layouts map[uint64]*Layout
	maps    map[string][]int
}

// NewIndexer returns an empty cache.
func NewIndexer() *Indexer {
	return &Indexer{
		layouts: make(map[uint64]*Layout),
		maps:    make(map[string][]int),
	}
}

// Layout returns the cached layout for (n, cp).
func (ix *Indexer) Layout(n int, cp bool) (*Layout, error) {
	k := key(uint64(n), cp)
	ix.mu.RLock()
	l, ok := ix.layouts[k]
	ix.mu.RUnlock()
	if ok {
		return l, nil
	}
	l, err := NewLayout(n, cp)
	if err != nil {
		return nil, err
	}
	ix.mu.Lock()
	ix.layouts[k] = l
	ix.mu.Unlock()
	return l, nil
}

// Reindex returns the cached reindex map for (perm, n, cp).
func (ix *Indexer) Reindex(perm []int, n int, cp bool) ([]int, error) {
	k := fmt.Sprint(perm, n, cp)
	ix.mu.RLock()
	src, ok := ix.maps[k]
	ix.mu.RUnlock()
	if ok {
		return src, nil
	}
	l, err := ix.Layout(n, cp)
	if err != nil {
		return nil, err
	}
	src, err = l.Reindex(perm)
	if err != nil {
		return nil, err
	}
	ix.mu.Lock()
	ix.maps[k] = src
	ix.mu.Unlock()
	return src, nil
}

// Reset drops every cached layout and map.
func (ix *Indexer) Reset() {
	ix.mu.Lock()
	ix.layouts = make(map[uint64]*Layout)
	ix.maps = make(map[string][]int)
	ix.mu.Unlock()
}
