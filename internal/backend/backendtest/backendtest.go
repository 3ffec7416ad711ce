// Package backendtest is the conformance suite every store backend runs. It
// drives a store.Store over the backend under test so the whole submit,
// claim, report and extraction path is exercised the same way for each.
package backendtest

import (
	"context"
	"iter"
	"math"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/nbody"
	"github.com/corvohq/fitq/internal/store"
)

// Opener returns a fresh, empty backend. It should register its own cleanup.
type Opener func(t *testing.T) store.Backend

var (
	plain = store.Model{Method: "mp2", Basis: "avtz"}
	cp    = store.Model{Method: "mp2", Basis: "avtz", CP: true}
	tags  = []string{"set1"}

	approx = cmpopts.EquateApprox(0, 1e-9)
)

// Water returns a water monomer displaced along x.
func Water(x float64) molecule.Fragment {
	return molecule.Fragment{
		Name:             "h2o",
		SpinMultiplicity: 1,
		Atoms: []molecule.Atom{
			{Symbol: "O", SymmetryClass: "A", X: x},
			{Symbol: "H", SymmetryClass: "B", X: x + 0.96},
			{Symbol: "H", SymmetryClass: "B", X: x - 0.24, Y: 0.93},
		},
	}
}

// Chloride returns a chloride ion at z.
func Chloride(z float64) molecule.Fragment {
	return molecule.Fragment{
		Name:             "cl",
		Charge:           -1,
		SpinMultiplicity: 1,
		Atoms:            []molecule.Atom{{Symbol: "Cl", SymmetryClass: "A", Z: z}},
	}
}

// Run runs the conformance suite against backends produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s *store.Store)
	}{
		{"SubmitClaimReport", testSubmitClaimReport},
		{"SubmitDeduplicates", testSubmitDeduplicates},
		{"ClaimFiltersByTag", testClaimFiltersByTag},
		{"AddTags", testAddTags},
		{"ReportSkipsUndispatched", testReportSkipsUndispatched},
		{"Reset", testReset},
		{"ResetClearsLog", testResetClearsLog},
		{"ConcurrentClaimers", testConcurrentClaimers},
		{"ClaimAllBudget", testClaimAllBudget},
		{"ShapeConflict", testShapeConflict},
		{"Lookup", testLookup},
		{"OneBody", testOneBody},
		{"TwoBodyRequestedOrder", testTwoBodyRequestedOrder},
		{"ThreeBodyCounterpoise", testThreeBodyCounterpoise},
		{"Import", testImport},
		{"Failed", testFailed},
		{"EmptyExtraction", testEmptyExtraction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.New(open(t))
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
	t.Run("Release", func(t *testing.T) {
		b := open(t)
		s := store.New(b)
		t.Cleanup(func() { s.Close() })
		testRelease(t, b, s)
	})
}

func submit(t *testing.T, s *store.Store, model store.Model, tags []string, optimized bool, mols ...*molecule.Molecule) {
	t.Helper()
	req := store.SubmitRequest{Model: model, Tags: tags}
	for _, m := range mols {
		req.Calculations = append(req.Calculations, store.Calculation{Molecule: m, Optimized: optimized})
	}
	if err := s.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
}

func claimAll(t *testing.T, s *store.Store, tags []string) []store.Job {
	t.Helper()
	var jobs []store.Job
	for j, err := range s.ClaimAll(context.Background(), "test", tags, 0) {
		if err != nil {
			t.Fatalf("ClaimAll() error: %v", err)
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// energyFunc computes the energy a worker reports for a job.
type energyFunc func(j store.Job) float64

// complete claims every job under tags and reports it with energy.
func complete(t *testing.T, s *store.Store, tags []string, energy energyFunc) int {
	t.Helper()
	jobs := claimAll(t, s, tags)
	results := make([]store.Result, len(jobs))
	for i, j := range jobs {
		e := energy(j)
		results[i] = store.Result{Key: j.Key, Success: true, Energy: &e}
	}
	n, err := s.Report(context.Background(), results)
	if err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	if n != len(jobs) {
		t.Fatalf("Report() applied %d, want %d", n, len(jobs))
	}
	return n
}

func counts(t *testing.T, s *store.Store) map[store.Status]int {
	t.Helper()
	c, err := s.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("StatusCounts() error: %v", err)
	}
	return c
}

func wantCounts(t *testing.T, s *store.Store, pending, dispatched, completed, failed int) {
	t.Helper()
	want := map[store.Status]int{
		store.StatusPending:    pending,
		store.StatusDispatched: dispatched,
		store.StatusComplete:   completed,
		store.StatusFailed:     failed,
	}
	if diff := cmp.Diff(want, counts(t, s)); diff != "" {
		t.Errorf("status counts mismatch (-want +got):\n%s", diff)
	}
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		if err != nil {
			t.Fatalf("extraction error: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func testSubmitClaimReport(t *testing.T, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, tags, false, molecule.New(Water(0)), molecule.New(Water(1)), molecule.New(Water(2)))
	wantCounts(t, s, 3, 0, 0, 0)

	first, err := s.Claim(ctx, store.ClaimRequest{Client: "w1", Tags: tags, Count: 2})
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Claim(2) returned %d jobs", len(first))
	}
	rest, err := s.Claim(ctx, store.ClaimRequest{Client: "w2", Tags: tags, Count: 5})
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("Claim(5) returned %d jobs, want 1", len(rest))
	}
	none, err := s.Claim(ctx, store.ClaimRequest{Client: "w3", Tags: tags, Count: 5})
	if err != nil || len(none) != 0 {
		t.Fatalf("Claim() on empty queue = %d jobs, %v", len(none), err)
	}
	if _, err := s.ClaimStrict(ctx, store.ClaimRequest{Client: "w3", Tags: tags, Count: 1}); !store.IsNoPendingWorkError(err) {
		t.Errorf("ClaimStrict() error = %v, want NO_PENDING_WORK", err)
	}
	wantCounts(t, s, 0, 3, 0, 0)

	jobs := append(first, rest...)
	for _, j := range jobs {
		if j.Shape != "h2o" || j.Method != "mp2" || j.Basis != "avtz" || j.CP {
			t.Errorf("job = %+v", j)
		}
		if diff := cmp.Diff([]int{0}, j.Key.FragIndices); diff != "" {
			t.Errorf("frag indices mismatch (-want +got):\n%s", diff)
		}
		if got := j.Molecule.FragmentNames(); !cmp.Equal(got, []string{"h2o"}) {
			t.Errorf("job molecule fragments = %v", got)
		}
	}

	results := make([]store.Result, len(jobs))
	for i, j := range jobs {
		e := -76.0 - float64(i)
		results[i] = store.Result{Key: j.Key, Success: true, Energy: &e}
	}
	n, err := s.Report(ctx, results)
	if err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Report() applied %d, want 3", n)
	}
	wantCounts(t, s, 0, 0, 3, 0)
}

func testSubmitDeduplicates(t *testing.T, s *store.Store) {
	// Same dimer with fragments and atom classes listed in different orders.
	a := molecule.New(Water(0), Chloride(3))
	w := Water(0)
	w.Atoms = []molecule.Atom{w.Atoms[1], w.Atoms[2], w.Atoms[0]}
	b := molecule.New(Chloride(3), w)

	submit(t, s, plain, tags, false, a)
	submit(t, s, plain, []string{"set2"}, false, b)
	wantCounts(t, s, 3, 0, 0, 0)
}

func testClaimFiltersByTag(t *testing.T, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, []string{"a"}, false, molecule.New(Water(0)))
	submit(t, s, plain, []string{"b"}, false, molecule.New(Water(5)))

	jobs, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: []string{"b"}, Count: 10})
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Claim(b) returned %d jobs, want 1", len(jobs))
	}
	if x := jobs[0].Molecule.Fragments[0].Atoms[0].X; x != 5 {
		t.Errorf("claimed molecule at x=%v, want 5", x)
	}
	if _, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Count: 1}); !store.IsInvalidValueError(err) {
		t.Errorf("Claim() without tags error = %v, want INVALID_VALUE", err)
	}
	if _, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: tags, Count: 0}); !store.IsInvalidValueError(err) {
		t.Errorf("Claim(0) error = %v, want INVALID_VALUE", err)
	}
}

func testAddTags(t *testing.T, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, []string{"a"}, false, molecule.New(Water(0)))

	jobs, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: []string{"a"}, Count: 1})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Claim() = %d jobs, %v", len(jobs), err)
	}
	hash := jobs[0].Key.Hash
	if _, err := s.Reset(ctx, store.ResetDispatched, nil); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	if err := s.AddTags(ctx, hash, plain, []string{"b", "a"}); err != nil {
		t.Fatalf("AddTags() error: %v", err)
	}
	if err := s.AddTags(ctx, hash, plain, []string{"b"}); err != nil {
		t.Fatalf("AddTags() twice error: %v", err)
	}
	jobs, err = s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: []string{"b"}, Count: 1})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Claim(b) after AddTags = %d jobs, %v", len(jobs), err)
	}
	if err := s.AddTags(ctx, "no-such-hash", plain, []string{"b"}); !store.IsNotFoundError(err) {
		t.Errorf("AddTags(unknown) error = %v, want NOT_FOUND", err)
	}
}

func testReportSkipsUndispatched(t *testing.T, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, tags, false, molecule.New(Water(0)), molecule.New(Water(1)))
	jobs, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: tags, Count: 1})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Claim() = %d jobs, %v", len(jobs), err)
	}

	e := -76.0
	ok := store.Result{Key: jobs[0].Key, Success: true, Energy: &e}
	n, err := s.Report(ctx, []store.Result{ok, ok})
	if err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Report() applied %d, want 1", n)
	}
	wantCounts(t, s, 1, 0, 1, 0)

	cpKey := jobs[0].Key
	cpKey.UseCP = true
	if _, err := s.Report(ctx, []store.Result{{Key: cpKey, Success: true, Energy: &e}}); !store.IsInvalidValueError(err) {
		t.Errorf("Report(cp under plain model) error = %v, want INVALID_VALUE", err)
	}
	nan := math.NaN()
	if _, err := s.Report(ctx, []store.Result{{Key: jobs[0].Key, Success: true, Energy: &nan}}); !store.IsInvalidValueError(err) {
		t.Errorf("Report(NaN) error = %v, want INVALID_VALUE", err)
	}

	// A result may identify its job by molecule instead of hash.
	more, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: tags, Count: 1})
	if err != nil || len(more) != 1 {
		t.Fatalf("Claim() = %d jobs, %v", len(more), err)
	}
	key := more[0].Key
	key.Hash = ""
	n, err = s.Report(ctx, []store.Result{{Key: key, Molecule: more[0].Molecule, Success: false, Log: "scf failed"}})
	if err != nil {
		t.Fatalf("Report(by molecule) error: %v", err)
	}
	if n != 1 {
		t.Errorf("Report(by molecule) applied %d, want 1", n)
	}
	wantCounts(t, s, 0, 0, 1, 1)
}

func testReset(t *testing.T, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, []string{"a"}, false, molecule.New(Water(0)), molecule.New(Water(1)))
	submit(t, s, plain, []string{"b"}, false, molecule.New(Water(2)))

	jobs := claimAll(t, s, []string{"a", "b"})
	if len(jobs) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(jobs))
	}
	e := -76.0
	if _, err := s.Report(ctx, []store.Result{
		{Key: jobs[0].Key, Success: false, Log: "boom"},
		{Key: jobs[1].Key, Success: true, Energy: &e},
	}); err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	wantCounts(t, s, 0, 1, 1, 1)

	n, err := s.Reset(ctx, store.ResetFailed, nil)
	if err != nil || n != 1 {
		t.Fatalf("Reset(failed) = %d, %v; want 1", n, err)
	}
	wantCounts(t, s, 1, 1, 1, 0)

	n, err = s.Reset(ctx, store.ResetDispatched, []string{"no-match"})
	if err != nil || n != 0 {
		t.Fatalf("Reset(dispatched, no-match) = %d, %v; want 0", n, err)
	}
	n, err = s.Reset(ctx, store.ResetAll, nil)
	if err != nil || n != 2 {
		t.Fatalf("Reset(all) = %d, %v; want 2", n, err)
	}
	wantCounts(t, s, 3, 0, 0, 0)

	if _, err := s.Reset(ctx, store.ResetScope("everything"), nil); !store.IsInvalidValueError(err) {
		t.Errorf("Reset(bad scope) error = %v, want INVALID_VALUE", err)
	}
	if got := len(claimAll(t, s, []string{"a", "b"})); got != 3 {
		t.Errorf("claimed %d jobs after reset, want 3", got)
	}
}

func testResetClearsLog(t *testing.T, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, tags, false, molecule.New(Water(0)))
	req := store.TrainingSetRequest{Names: []string{"h2o"}, Model: plain, Tags: tags}

	jobs := claimAll(t, s, tags)
	if _, err := s.Report(ctx, []store.Result{{Key: jobs[0].Key, Log: "scf did not converge"}}); err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	if n, err := s.Reset(ctx, store.ResetFailed, nil); err != nil || n != 1 {
		t.Fatalf("Reset(failed) = %d, %v; want 1", n, err)
	}
	if got := collect(t, s.Failed(ctx, req)); len(got) != 0 {
		t.Errorf("Failed() after reset yielded %d items", len(got))
	}

	jobs = claimAll(t, s, tags)
	if len(jobs) != 1 {
		t.Fatalf("claimed %d jobs after reset, want 1", len(jobs))
	}
	if _, err := s.Report(ctx, []store.Result{{Key: jobs[0].Key}}); err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	items := collect(t, s.Failed(ctx, req))
	if len(items) != 1 {
		t.Fatalf("Failed() yielded %d items, want 1", len(items))
	}
	if items[0].Log != "" {
		t.Errorf("log after reset and silent failure = %q, want empty", items[0].Log)
	}
}

func testRelease(t *testing.T, b store.Backend, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, tags, false, molecule.New(Water(0)), molecule.New(Water(1)), molecule.New(Water(2)))

	recs, err := b.ClaimPending(ctx, "w1", tags, 2)
	if err != nil || len(recs) != 2 {
		t.Fatalf("ClaimPending() = %d records, %v; want 2", len(recs), err)
	}
	n, err := b.Release(ctx, recs[:1])
	if err != nil || n != 1 {
		t.Fatalf("Release() = %d, %v; want 1", n, err)
	}
	wantCounts(t, s, 2, 1, 0, 0)

	// Released jobs are pending and are not released twice.
	if n, err := b.Release(ctx, recs[:1]); err != nil || n != 0 {
		t.Errorf("Release(pending) = %d, %v; want 0", n, err)
	}
	if _, err := b.ReportResults(ctx, []store.ResultRecord{{
		Hash: recs[1].Hash, Model: recs[1].Model, FragIndices: recs[1].FragIndices, UseCP: recs[1].UseCP,
		Success: true, Energy: -76,
	}}); err != nil {
		t.Fatalf("ReportResults() error: %v", err)
	}
	if n, err := b.Release(ctx, recs[1:]); err != nil || n != 0 {
		t.Errorf("Release(complete) = %d, %v; want 0", n, err)
	}
	wantCounts(t, s, 2, 0, 1, 0)

	if got := len(claimAll(t, s, tags)); got != 2 {
		t.Errorf("claimed %d jobs after release, want 2", got)
	}
}

func testConcurrentClaimers(t *testing.T, s *store.Store) {
	const molecules = 40
	mols := make([]*molecule.Molecule, molecules)
	for i := range mols {
		mols[i] = molecule.New(Water(float64(i)))
	}
	submit(t, s, plain, tags, false, mols...)

	var mu sync.Mutex
	seen := make(map[string]int)
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for {
				jobs, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: tags, Count: 3})
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					return nil
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.Key.Hash]++
				}
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claimer error: %v", err)
	}
	if len(seen) != molecules {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), molecules)
	}
	for hash, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", hash, n)
		}
	}
	wantCounts(t, s, 0, molecules, 0, 0)
}

func testClaimAllBudget(t *testing.T, s *store.Store) {
	if err := s.SetBatchSize(2); err != nil {
		t.Fatalf("SetBatchSize() error: %v", err)
	}
	for i := 0; i < 5; i++ {
		submit(t, s, plain, tags, false, molecule.New(Water(float64(i))))
	}
	got := 0
	for _, err := range s.ClaimAll(context.Background(), "w", tags, 3) {
		if err != nil {
			t.Fatalf("ClaimAll() error: %v", err)
		}
		got++
	}
	if got != 3 {
		t.Errorf("ClaimAll(budget 3) yielded %d jobs", got)
	}
	wantCounts(t, s, 2, 3, 0, 0)
}

func testShapeConflict(t *testing.T, s *store.Store) {
	submit(t, s, plain, tags, false, molecule.New(Water(0)))

	odd := Water(0)
	odd.Atoms = odd.Atoms[:2]
	err := s.Submit(context.Background(), store.SubmitRequest{
		Calculations: []store.Calculation{{Molecule: molecule.New(odd)}},
		Model:        plain,
		Tags:         tags,
	})
	if store.Code(err) != store.ErrorCodeInvalidShape {
		t.Errorf("Submit(conflicting shape) error = %v, want INVALID_SHAPE", err)
	}
	wantCounts(t, s, 1, 0, 0, 0)
}

func testLookup(t *testing.T, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, tags, false, molecule.New(Water(0), Chloride(3)))
	submit(t, s, cp, tags, false, molecule.New(Water(1)))

	models, err := s.Models(ctx)
	if err != nil {
		t.Fatalf("Models() error: %v", err)
	}
	if diff := cmp.Diff([]store.Model{plain, cp}, models); diff != "" {
		t.Errorf("Models() mismatch (-want +got):\n%s", diff)
	}

	sym, err := s.Symmetry(ctx, "cl-h2o")
	if err != nil {
		t.Fatalf("Symmetry() error: %v", err)
	}
	if sym != "A1_B1C2" {
		t.Errorf("Symmetry() = %q, want %q", sym, "A1_B1C2")
	}

	jobs, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: tags, Count: 1})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Claim() = %d jobs, %v", len(jobs), err)
	}
	m, err := s.Molecule(ctx, jobs[0].Key.Hash)
	if err != nil {
		t.Fatalf("Molecule() error: %v", err)
	}
	if diff := cmp.Diff(jobs[0].Molecule, m); diff != "" {
		t.Errorf("Molecule() mismatch (-claimed +looked up):\n%s", diff)
	}
	if _, err := s.Molecule(ctx, "missing"); !store.IsNotFoundError(err) {
		t.Errorf("Molecule(missing) error = %v, want NOT_FOUND", err)
	}
	if _, err := s.Symmetry(ctx, "ar"); !store.IsNotFoundError(err) {
		t.Errorf("Symmetry(missing) error = %v, want NOT_FOUND", err)
	}
}

// monomerEnergy is 460 Eh for chloride and 76 Eh for water below zero, with
// small offsets keyed on position so distinct geometries differ.
func monomerEnergy(f molecule.Fragment) float64 {
	base := -76.0
	if f.Name == "cl" {
		base = -460.0
	}
	a := f.Atoms[0]
	return base + 0.001*(a.X+a.Z)
}

func testOneBody(t *testing.T, s *store.Store) {
	if err := s.SetBatchSize(2); err != nil {
		t.Fatalf("SetBatchSize() error: %v", err)
	}
	submit(t, s, plain, tags, true, molecule.New(Water(0)))
	submit(t, s, plain, tags, false, molecule.New(Water(1)), molecule.New(Water(2)),
		molecule.New(Water(3)), molecule.New(Water(4)))
	complete(t, s, tags, func(j store.Job) float64 { return monomerEnergy(j.Molecule.Fragments[0]) })

	items := collect(t, s.OneBody(context.Background(), store.TrainingSetRequest{Names: []string{"h2o"}, Model: plain, Tags: tags}))
	if len(items) != 5 {
		t.Fatalf("OneBody() yielded %d items, want 5", len(items))
	}
	var got []float64
	for _, it := range items {
		got = append(got, it.Energy)
	}
	want := []float64{0, 0.001, 0.002, 0.003, 0.004}
	if diff := cmp.Diff(want, got, approx, cmpopts.SortSlices(func(a, b float64) bool { return a < b })); diff != "" {
		t.Errorf("OneBody() energies mismatch (-want +got):\n%s", diff)
	}

	_, err := collectErr(s.OneBody(context.Background(), store.TrainingSetRequest{Names: []string{"h2o", "h2o"}, Model: plain, Tags: tags}))
	if !store.IsInvalidValueError(err) {
		t.Errorf("OneBody(two names) error = %v, want INVALID_VALUE", err)
	}
}

func collectErr[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func testTwoBodyRequestedOrder(t *testing.T, s *store.Store) {
	submit(t, s, plain, tags, true, molecule.New(Chloride(0)), molecule.New(Water(0)))
	submit(t, s, plain, tags, false, molecule.New(Water(0), Chloride(3)))

	// Canonical dimer order is cl, h2o.
	dimer := map[string]float64{"0": -459.99, "1": -75.98, "0,1": -536.1}
	complete(t, s, tags, func(j store.Job) float64 {
		if j.Shape == "cl-h2o" {
			return dimer[store.FragKey(j.Key.FragIndices)]
		}
		return monomerEnergy(j.Molecule.Fragments[0])
	})

	for _, tc := range []struct {
		names      []string
		m1, m2     float64
		firstAtoms int
	}{
		{[]string{"cl", "h2o"}, 0.01, 0.02, 1},
		{[]string{"h2o", "cl"}, 0.02, 0.01, 3},
	} {
		items := collect(t, s.TwoBody(context.Background(), store.TrainingSetRequest{Names: tc.names, Model: plain, Tags: tags}))
		if len(items) != 1 {
			t.Fatalf("TwoBody(%v) yielded %d items, want 1", tc.names, len(items))
		}
		it := items[0]
		if got := it.Molecule.FragmentNames(); !cmp.Equal(got, tc.names) {
			t.Errorf("TwoBody(%v) molecule order = %v", tc.names, got)
		}
		if n := len(it.Molecule.Fragments[0].Atoms); n != tc.firstAtoms {
			t.Errorf("TwoBody(%v) first fragment has %d atoms, want %d", tc.names, n, tc.firstAtoms)
		}
		want := store.TwoBodyItem{Binding: -0.1, Interaction: -0.13, Monomer1: tc.m1, Monomer2: tc.m2}
		it.Molecule = nil
		if diff := cmp.Diff(want, it, approx); diff != "" {
			t.Errorf("TwoBody(%v) mismatch (-want +got):\n%s", tc.names, diff)
		}
	}
}

// trimerEnergy gives every canonical sub-calculation of a cl(h2o)2 trimer a
// distinct energy: monomer values summed, plus offsets for the subset and
// counterpoise.
func trimerEnergy(frags []int, useCP bool) float64 {
	vals := []float64{-460, -76, -76.5}
	e := 0.0
	for _, f := range frags {
		e += vals[f] + 0.01*float64(f+1)
	}
	if useCP {
		e -= 0.005
	}
	return e
}

func testThreeBodyCounterpoise(t *testing.T, s *store.Store) {
	submit(t, s, cp, tags, true, molecule.New(Chloride(0)), molecule.New(Water(0)))
	submit(t, s, cp, tags, false, molecule.New(Water(0), Chloride(3), Water(6)))

	jobs := claimAll(t, s, tags)
	trimer := 0
	results := make([]store.Result, len(jobs))
	for i, j := range jobs {
		var e float64
		if j.Shape == "cl-h2o-h2o" {
			trimer++
			e = trimerEnergy(j.Key.FragIndices, j.Key.UseCP)
		} else {
			e = monomerEnergy(j.Molecule.Fragments[0])
		}
		results[i] = store.Result{Key: j.Key, Success: true, Energy: &e}
	}
	if trimer != 13 {
		t.Fatalf("trimer has %d jobs, want 13", trimer)
	}
	if _, err := s.Report(context.Background(), results); err != nil {
		t.Fatalf("Report() error: %v", err)
	}

	// Requested order h2o, cl, h2o maps to canonical fragments 1, 0, 2.
	names := []string{"h2o", "cl", "h2o"}
	perm := []int{1, 0, 2}
	req := store.TrainingSetRequest{Names: names, Model: cp, Tags: tags}
	exports := collect(t, s.ExportCalculations(context.Background(), req))
	if len(exports) != 1 {
		t.Fatalf("ExportCalculations() yielded %d items, want 1", len(exports))
	}
	layout, err := nbody.NewLayout(3, true)
	if err != nil {
		t.Fatalf("NewLayout() error: %v", err)
	}
	want := make([]float64, layout.Len())
	for k, p := range layout.Positions() {
		canon := make([]int, len(p.Subset))
		for i, f := range p.Subset {
			canon[i] = perm[f]
		}
		slices.Sort(canon)
		want[k] = trimerEnergy(canon, p.Counterpoise)
	}
	if diff := cmp.Diff(want, exports[0].Energies, approx); diff != "" {
		t.Errorf("exported energies mismatch (-want +got):\n%s", diff)
	}
	if got := exports[0].Molecule.FragmentNames(); !cmp.Equal(got, names) {
		t.Errorf("exported molecule order = %v", got)
	}

	items := collect(t, s.TrainingSet(context.Background(), req))
	if len(items) != 1 {
		t.Fatalf("TrainingSet() yielded %d items, want 1", len(items))
	}
	wantInteraction, err := layout.Interaction(want)
	if err != nil {
		t.Fatalf("Interaction() error: %v", err)
	}
	refs := []float64{-76, -460, -76}
	wantDefs, err := layout.Deformations(want, refs)
	if err != nil {
		t.Fatalf("Deformations() error: %v", err)
	}
	wantItem := store.NBodyItem{
		Binding:      layout.Binding(want, refs),
		Interaction:  wantInteraction,
		Deformations: wantDefs,
	}
	got := items[0]
	got.Molecule = nil
	if diff := cmp.Diff(wantItem, got, approx); diff != "" {
		t.Errorf("TrainingSet() mismatch (-want +got):\n%s", diff)
	}
}

func testImport(t *testing.T, s *store.Store) {
	ctx := context.Background()
	// Energies in the caller's order: h2o, cl, dimer. The dimer entry is
	// missing and must be queued.
	err := s.ImportCalculations(ctx, store.ImportRequest{
		Calculations: []store.ImportedCalculation{{
			Molecule: molecule.New(Water(0), Chloride(3)),
			Energies: []float64{-76.1, -460.2, math.NaN()},
		}},
		Model: plain,
		Tags:  tags,
	})
	if err != nil {
		t.Fatalf("ImportCalculations() error: %v", err)
	}
	wantCounts(t, s, 1, 0, 2, 0)

	items := collect(t, s.ExportCalculations(ctx, store.TrainingSetRequest{Names: []string{"cl", "h2o"}, Model: plain, Tags: tags}))
	if len(items) != 1 {
		t.Fatalf("ExportCalculations() yielded %d items, want 1", len(items))
	}
	got := items[0].Energies
	if len(got) != 3 || got[0] != -460.2 || got[1] != -76.1 || !math.IsNaN(got[2]) {
		t.Errorf("exported energies = %v, want [-460.2 -76.1 NaN]", got)
	}

	err = s.ImportCalculations(ctx, store.ImportRequest{
		Calculations: []store.ImportedCalculation{{Molecule: molecule.New(Water(1)), Energies: []float64{1, 2}}},
		Model:        plain,
		Tags:         tags,
	})
	if !store.IsInvalidValueError(err) {
		t.Errorf("ImportCalculations(wrong length) error = %v, want INVALID_VALUE", err)
	}
}

func testFailed(t *testing.T, s *store.Store) {
	ctx := context.Background()
	submit(t, s, plain, tags, false, molecule.New(Water(0), Chloride(3)))
	jobs := claimAll(t, s, tags)
	results := make([]store.Result, len(jobs))
	for i, j := range jobs {
		if store.FragKey(j.Key.FragIndices) == "0" {
			results[i] = store.Result{Key: j.Key, Success: false, Log: "scf did not converge"}
			continue
		}
		e := -500.0
		results[i] = store.Result{Key: j.Key, Success: true, Energy: &e}
	}
	if _, err := s.Report(ctx, results); err != nil {
		t.Fatalf("Report() error: %v", err)
	}

	items := collect(t, s.Failed(ctx, store.TrainingSetRequest{Names: []string{"h2o", "cl"}, Model: plain, Tags: tags}))
	if len(items) != 1 {
		t.Fatalf("Failed() yielded %d items, want 1", len(items))
	}
	// Canonical fragment 0 is the chloride, which is requested second.
	if diff := cmp.Diff([]int{1}, items[0].FragIndices); diff != "" {
		t.Errorf("failed frag indices mismatch (-want +got):\n%s", diff)
	}
	if items[0].Log != "scf did not converge" || items[0].UseCP {
		t.Errorf("failed item = %+v", items[0])
	}
	if got := items[0].Molecule.FragmentNames(); !cmp.Equal(got, []string{"h2o", "cl"}) {
		t.Errorf("failed molecule order = %v", got)
	}

	// An incomplete molecule is left out of training sets but exported.
	if got := collect(t, s.TwoBody(ctx, store.TrainingSetRequest{Names: []string{"h2o", "cl"}, Model: plain, Tags: tags})); len(got) != 0 {
		t.Errorf("TwoBody() yielded %d incomplete items", len(got))
	}
	if got := collect(t, s.ExportCalculations(ctx, store.TrainingSetRequest{Names: []string{"h2o", "cl"}, Model: plain, Tags: tags})); len(got) != 1 {
		t.Errorf("ExportCalculations() yielded %d items, want 1", len(got))
	}
}

func testEmptyExtraction(t *testing.T, s *store.Store) {
	ctx := context.Background()
	req := store.TrainingSetRequest{Names: []string{"h2o", "cl"}, Model: plain, Tags: tags}
	if got := collect(t, s.TrainingSet(ctx, req)); len(got) != 0 {
		t.Errorf("TrainingSet() on empty store yielded %d items", len(got))
	}
	if got := collect(t, s.Failed(ctx, req)); len(got) != 0 {
		t.Errorf("Failed() on empty store yielded %d items", len(got))
	}
	if got := collect(t, s.OneBody(ctx, store.TrainingSetRequest{Names: []string{"h2o"}, Model: plain, Tags: tags})); len(got) != 0 {
		t.Errorf("OneBody() on empty store yielded %d items", len(got))
	}
	// Molecules exist but the references do not.
	submit(t, s, plain, tags, false, molecule.New(Water(0), Chloride(3)))
	complete(t, s, tags, func(store.Job) float64 { return -1 })
	if _, err := collectErr(s.TwoBody(ctx, req)); !store.IsNotFoundError(err) {
		t.Errorf("TwoBody() without references error = %v, want NOT_FOUND", err)
	}
}
