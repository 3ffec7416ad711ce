package nbody_test

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/corvohq/fitq/internal/nbody"
)

func TestLen(t *testing.T) {
	tests := []struct {
		n    int
		cp   bool
		want int
	}{
		{1, false, 1},
		{1, true, 1},
		{2, false, 3},
		{2, true, 5},
		{3, false, 7},
		{3, true, 13},
		{4, true, 29},
	}
	for _, tt := range tests {
		if got := nbody.Len(tt.n, tt.cp); got != tt.want {
			t.Errorf("Len(%d, %t) = %d, want %d", tt.n, tt.cp, got, tt.want)
		}
		if got := len(nbody.Enumerate(tt.n, tt.cp)); got != tt.want {
			t.Errorf("len(Enumerate(%d, %t)) = %d, want %d", tt.n, tt.cp, got, tt.want)
		}
	}
}

func TestEnumerateOrder(t *testing.T) {
	got := make([]string, 0)
	for _, p := range nbody.Enumerate(3, true) {
		got = append(got, p.String())
	}
	want := []string{
		"{0}cp", "{0}", "{1}cp", "{1}", "{2}cp", "{2}",
		"{0,1}cp", "{0,1}", "{0,2}cp", "{0,2}", "{1,2}cp", "{1,2}",
		"{0,1,2}",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Enumerate(3, true) mismatch (-want +got):\n%s", diff)
	}
}

func TestEnumerateCoversEverySubsetOnce(t *testing.T) {
	for n := 1; n <= 6; n++ {
		for _, cp := range []bool{false, true} {
			seen := make(map[string]bool)
			for _, p := range nbody.Enumerate(n, cp) {
				k := p.String()
				if seen[k] {
					t.Fatalf("n=%d cp=%t: duplicate position %s", n, cp, k)
				}
				seen[k] = true
				if p.Counterpoise && (!cp || len(p.Subset) == n) {
					t.Fatalf("n=%d cp=%t: unexpected counterpoise position %s", n, cp, k)
				}
			}
			plain := 0
			for k := range seen {
				if k[len(k)-1] == '}' {
					plain++
				}
			}
			if plain != 1<<n-1 {
				t.Errorf("n=%d cp=%t: %d plain subsets, want %d", n, cp, plain, 1<<n-1)
			}
		}
	}
}

func TestPositionOf(t *testing.T) {
	i, err := nbody.PositionOf([]int{2, 0}, true, 3, true)
	if err != nil {
		t.Fatalf("PositionOf() error: %v", err)
	}
	if i != 8 {
		t.Errorf("PositionOf({0,2}, cp) = %d, want 8", i)
	}

	var subErr *nbody.SubsetError
	if _, err := nbody.PositionOf([]int{0, 1, 2}, true, 3, true); !errors.As(err, &subErr) {
		t.Errorf("PositionOf(full, cp) error = %v, want SubsetError", err)
	}
	if _, err := nbody.PositionOf([]int{0}, true, 2, false); !errors.As(err, &subErr) {
		t.Errorf("PositionOf(cp variant without cp) error = %v, want SubsetError", err)
	}
	if _, err := nbody.PositionOf([]int{1, 1}, false, 2, false); !errors.As(err, &subErr) {
		t.Errorf("PositionOf(repeated) error = %v, want SubsetError", err)
	}
}

func TestReindexSwapTwoBody(t *testing.T) {
	l, err := nbody.NewLayout(2, true)
	if err != nil {
		t.Fatalf("NewLayout() error: %v", err)
	}
	src, err := l.Reindex([]int{1, 0})
	if err != nil {
		t.Fatalf("Reindex() error: %v", err)
	}
	// {0}cp {0} {1}cp {1} {0,1}
	if diff := cmp.Diff([]int{2, 3, 0, 1, 4}, src); diff != "" {
		t.Errorf("Reindex([1 0]) mismatch (-want +got):\n%s", diff)
	}
}

// permutations returns every permutation of 0..n-1.
func permutations(n int) [][]int {
	var out [][]int
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	var rec func(k int)
	rec = func(k int) {
		if k == n {
			out = append(out, append([]int(nil), p...))
			return
		}
		for i := k; i < n; i++ {
			p[k], p[i] = p[i], p[k]
			rec(k + 1)
			p[k], p[i] = p[i], p[k]
		}
	}
	rec(0)
	return out
}

func inverse(perm []int) []int {
	q := make([]int, len(perm))
	for i, p := range perm {
		q[p] = i
	}
	return q
}

func TestReindexRoundTrip(t *testing.T) {
	ix := nbody.NewIndexer()
	for n := 1; n <= 6; n++ {
		for _, cp := range []bool{false, true} {
			vec := make([]float64, nbody.Len(n, cp))
			for i := range vec {
				vec[i] = float64(i) * 1.5
			}
			for _, perm := range permutations(n) {
				name := fmt.Sprintf("n=%d/cp=%t/%v", n, cp, perm)
				fwd, err := ix.Reindex(perm, n, cp)
				if err != nil {
					t.Fatalf("%s: Reindex() error: %v", name, err)
				}
				back, err := ix.Reindex(inverse(perm), n, cp)
				if err != nil {
					t.Fatalf("%s: Reindex(inverse) error: %v", name, err)
				}
				moved, err := nbody.Apply(vec, fwd)
				if err != nil {
					t.Fatalf("%s: Apply() error: %v", name, err)
				}
				restored, err := nbody.Apply(moved, back)
				if err != nil {
					t.Fatalf("%s: Apply() error: %v", name, err)
				}
				if diff := cmp.Diff(vec, restored); diff != "" {
					t.Fatalf("%s: round trip mismatch (-want +got):\n%s", name, diff)
				}
			}
		}
	}
}

func TestReindexRejectsBadPermutation(t *testing.T) {
	l, err := nbody.NewLayout(3, false)
	if err != nil {
		t.Fatalf("NewLayout() error: %v", err)
	}
	for _, perm := range [][]int{{0, 1}, {0, 0, 1}, {0, 1, 3}} {
		if _, err := l.Reindex(perm); err == nil {
			t.Errorf("Reindex(%v) succeeded, want error", perm)
		}
	}
}

func TestInteractionTwoBody(t *testing.T) {
	l, err := nbody.NewLayout(2, true)
	if err != nil {
		t.Fatalf("NewLayout() error: %v", err)
	}
	// {0}cp {0} {1}cp {1} {0,1}
	vec := []float64{-76.1, -76.0, -460.2, -460.0, -536.5}
	got, err := l.Interaction(vec)
	if err != nil {
		t.Fatalf("Interaction() error: %v", err)
	}
	want := -536.5 - (-76.1) - (-460.2)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Interaction() = %v, want %v", got, want)
	}

	defs, err := l.Deformations(vec, []float64{-76.05, -460.0})
	if err != nil {
		t.Fatalf("Deformations() error: %v", err)
	}
	if math.Abs(defs[0]-0.05) > 1e-9 || defs[1] != 0 {
		t.Errorf("Deformations() = %v, want [0.05 0]", defs)
	}
	if got := l.Binding(vec, []float64{-76.05, -460.0}); math.Abs(got-(-0.45)) > 1e-9 {
		t.Errorf("Binding() = %v, want -0.45", got)
	}
}

func TestInteractionThreeBody(t *testing.T) {
	l, err := nbody.NewLayout(3, false)
	if err != nil {
		t.Fatalf("NewLayout() error: %v", err)
	}
	// Pairwise-additive energies have no three-body term.
	mono := []float64{-1, -2, -3}
	pair := func(i, j int) float64 { return mono[i] + mono[j] - 0.1 }
	vec := []float64{
		mono[0], mono[1], mono[2],
		pair(0, 1), pair(0, 2), pair(1, 2),
		mono[0] + mono[1] + mono[2] - 0.3,
	}
	got, err := l.Interaction(vec)
	if err != nil {
		t.Fatalf("Interaction() error: %v", err)
	}
	if math.Abs(got) > 1e-9 {
		t.Errorf("Interaction() = %v, want 0", got)
	}
}

func TestComplete(t *testing.T) {
	if !nbody.Complete([]float64{1, 2}) {
		t.Error("Complete() = false for full vector")
	}
	if nbody.Complete([]float64{1, math.NaN()}) {
		t.Error("Complete() = true with NaN entry")
	}
}
