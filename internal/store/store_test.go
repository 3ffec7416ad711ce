package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/corvohq/fitq/internal/backend/sqlite"
	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/store"
)

var (
	model = store.Model{Method: "mp2", Basis: "avtz"}
	tags  = []string{"set1"}
)

// testStore creates a Store backed by SQLite in a temp dir.
func testStore(t *testing.T) *store.Store {
	t.Helper()
	b, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	s := store.New(b)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func water(x float64) molecule.Fragment {
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

func monomers(n int) []store.Calculation {
	out := make([]store.Calculation, n)
	for i := range out {
		out[i] = store.Calculation{Molecule: molecule.New(water(float64(i)))}
	}
	return out
}

// imported builds an import of n monomers with stored energies.
func imported(n int) store.ImportRequest {
	req := store.ImportRequest{Model: model, Tags: tags}
	for i := 0; i < n; i++ {
		req.Calculations = append(req.Calculations, store.ImportedCalculation{
			Molecule: molecule.New(water(float64(i))),
			Energies: []float64{-76 - float64(i)/100},
		})
	}
	return req
}

type observation struct {
	op    string
	items int
	err   bool
}

type recorder struct {
	mu  sync.Mutex
	obs []observation
}

func (r *recorder) ObserveBatch(op string, items int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observation{op, items, err != nil})
}

func (r *recorder) ops(op string) []observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observation
	for _, o := range r.obs {
		if o.op == op {
			out = append(out, o)
		}
	}
	return out
}

// flaky fails the nth call (1-based) to PutCalculations, MoleculePage or
// Shape. With truncate set, the first claimed job loses a coordinate.
type flaky struct {
	store.Backend
	failPut, failPage, failShape int
	puts, pages, shapes          int
	truncate                     bool
}

var errInjected = errors.New("injected")

// nonZero ignores zero-valued status counts.
var nonZero = cmpopts.IgnoreMapEntries(func(_ store.Status, n int) bool { return n == 0 })

func (f *flaky) PutCalculations(ctx context.Context, recs []store.CalculationRecord) error {
	f.puts++
	if f.puts == f.failPut {
		return store.NewConnectionError("put calculations", errInjected)
	}
	return f.Backend.PutCalculations(ctx, recs)
}

func (f *flaky) MoleculePage(ctx context.Context, q store.Query, offset, limit int) ([]store.MoleculeRow, error) {
	f.pages++
	if f.pages == f.failPage {
		return nil, store.NewConnectionError("page molecules", errInjected)
	}
	return f.Backend.MoleculePage(ctx, q, offset, limit)
}

func (f *flaky) Shape(ctx context.Context, name string) (*store.ShapeRecord, error) {
	f.shapes++
	if f.shapes == f.failShape {
		return nil, store.NewConnectionError("get shape", errInjected)
	}
	return f.Backend.Shape(ctx, name)
}

func (f *flaky) ClaimPending(ctx context.Context, client string, tags []string, limit int) ([]store.ClaimedRecord, error) {
	recs, err := f.Backend.ClaimPending(ctx, client, tags, limit)
	if err == nil && f.truncate && len(recs) > 0 {
		recs[0].Coordinates = recs[0].Coordinates[:len(recs[0].Coordinates)-1]
	}
	return recs, err
}

func TestBatchSize(t *testing.T) {
	s := testStore(t)
	if got := s.BatchSize(); got != store.DefaultBatchSize {
		t.Errorf("BatchSize() = %d, want %d", got, store.DefaultBatchSize)
	}
	for _, n := range []int{0, -3} {
		if err := s.SetBatchSize(n); !store.IsInvalidValueError(err) {
			t.Errorf("SetBatchSize(%d) error = %v, want INVALID_VALUE", n, err)
		}
	}
	if err := s.SetBatchSize(7); err != nil {
		t.Fatalf("SetBatchSize(7) error: %v", err)
	}
	if got := s.BatchSize(); got != 7 {
		t.Errorf("BatchSize() = %d, want 7", got)
	}
}

func TestSubmitBatchesRoundTrips(t *testing.T) {
	s := testStore(t)
	rec := &recorder{}
	s.SetRecorder(rec)
	if err := s.SetBatchSize(2); err != nil {
		t.Fatal(err)
	}

	err := s.Submit(context.Background(), store.SubmitRequest{Calculations: monomers(5), Model: model, Tags: tags})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	want := []observation{{"submit", 2, false}, {"submit", 2, false}, {"submit", 1, false}}
	if diff := cmp.Diff(want, rec.ops("submit"), cmp.AllowUnexported(observation{})); diff != "" {
		t.Errorf("submit round trips mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitValidation(t *testing.T) {
	bad := water(0)
	bad.Name = "h-2o"
	tests := []struct {
		name string
		req  store.SubmitRequest
	}{
		{"no method", store.SubmitRequest{Calculations: monomers(1), Model: store.Model{Basis: "avtz"}, Tags: tags}},
		{"slash in basis", store.SubmitRequest{Calculations: monomers(1), Model: store.Model{Method: "mp2", Basis: "a/b"}, Tags: tags}},
		{"no tags", store.SubmitRequest{Calculations: monomers(1), Model: model}},
		{"blank tag", store.SubmitRequest{Calculations: monomers(1), Model: model, Tags: []string{"a", " "}}},
		{"nil molecule", store.SubmitRequest{Calculations: []store.Calculation{{}}, Model: model, Tags: tags}},
		{"dash in name", store.SubmitRequest{Calculations: []store.Calculation{{Molecule: molecule.New(bad)}}, Model: model, Tags: tags}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			err := s.Submit(context.Background(), tt.req)
			if !store.IsInvalidValueError(err) {
				t.Errorf("Submit() error = %v, want INVALID_VALUE", err)
			}
			counts, err := s.StatusCounts(context.Background())
			if err != nil {
				t.Fatalf("StatusCounts() error: %v", err)
			}
			if counts[store.StatusPending] != 0 {
				t.Errorf("rejected submit queued %d jobs", counts[store.StatusPending])
			}
		})
	}
}

func TestSubmitConflictingShapesInOneRequest(t *testing.T) {
	s := testStore(t)
	short := water(1)
	short.Atoms = short.Atoms[:2]
	err := s.Submit(context.Background(), store.SubmitRequest{
		Calculations: []store.Calculation{{Molecule: molecule.New(water(0))}, {Molecule: molecule.New(short)}},
		Model:        model,
		Tags:         tags,
	})
	if got := store.Code(err); got != store.ErrorCodeInvalidShape {
		t.Errorf("Submit() error = %v, want INVALID_SHAPE", err)
	}
}

func TestSubmitKeepsEarlierBatchesOnFailure(t *testing.T) {
	b, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fb := &flaky{Backend: b, failPut: 2}
	s := store.New(fb)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.SetBatchSize(2); err != nil {
		t.Fatal(err)
	}

	err = s.Submit(context.Background(), store.SubmitRequest{Calculations: monomers(5), Model: model, Tags: tags})
	if !store.IsConnectionError(err) || !errors.Is(err, errInjected) {
		t.Fatalf("Submit() error = %v, want injected CONNECTION error", err)
	}
	counts, err := s.StatusCounts(context.Background())
	if err != nil {
		t.Fatalf("StatusCounts() error: %v", err)
	}
	if counts[store.StatusPending] != 2 {
		t.Errorf("pending = %d, want 2 from the first batch", counts[store.StatusPending])
	}
}

func TestExtractionStopsWhenCallerStops(t *testing.T) {
	s := testStore(t)
	rec := &recorder{}
	s.SetRecorder(rec)
	ctx := context.Background()
	if err := s.SetBatchSize(1); err != nil {
		t.Fatal(err)
	}
	if err := s.ImportCalculations(ctx, imported(4)); err != nil {
		t.Fatalf("ImportCalculations() error: %v", err)
	}

	req := store.TrainingSetRequest{Names: []string{"h2o"}, Model: model, Tags: tags}
	for _, err := range s.ExportCalculations(ctx, req) {
		if err != nil {
			t.Fatalf("ExportCalculations() error: %v", err)
		}
		break
	}
	if got := len(rec.ops("export.page")); got != 1 {
		t.Errorf("export pages fetched = %d, want 1", got)
	}
	if got := len(rec.ops("export.count")); got != 1 {
		t.Errorf("export counts = %d, want 1", got)
	}
}

func TestExtractionYieldsBackendError(t *testing.T) {
	b, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fb := &flaky{Backend: b, failPage: 2}
	s := store.New(fb)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.SetBatchSize(2); err != nil {
		t.Fatal(err)
	}

	if err := s.ImportCalculations(ctx, imported(3)); err != nil {
		t.Fatalf("ImportCalculations() error: %v", err)
	}

	var items int
	var last error
	for _, err := range s.ExportCalculations(ctx, store.TrainingSetRequest{Names: []string{"h2o"}, Model: model, Tags: tags}) {
		if err != nil {
			last = err
			continue
		}
		items++
	}
	if items != 2 {
		t.Errorf("items before failure = %d, want 2", items)
	}
	if !store.IsConnectionError(last) {
		t.Errorf("final error = %v, want CONNECTION", last)
	}
}

func TestTrainingSetRequestValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tests := []struct {
		name string
		req  store.TrainingSetRequest
	}{
		{"no names", store.TrainingSetRequest{Model: model, Tags: tags}},
		{"blank name", store.TrainingSetRequest{Names: []string{""}, Model: model, Tags: tags}},
		{"dash in name", store.TrainingSetRequest{Names: []string{"h2o-cl"}, Model: model, Tags: tags}},
		{"no tags", store.TrainingSetRequest{Names: []string{"h2o"}, Model: model}},
		{"bad model", store.TrainingSetRequest{Names: []string{"h2o"}, Tags: tags}},
	}
	for _, tt := range tests {
		for _, err := range s.TrainingSet(ctx, tt.req) {
			if !store.IsInvalidValueError(err) {
				t.Errorf("%s: TrainingSet() error = %v, want INVALID_VALUE", tt.name, err)
			}
		}
	}
	for _, err := range s.TwoBody(ctx, store.TrainingSetRequest{Names: []string{"h2o"}, Model: model, Tags: tags}) {
		if !store.IsInvalidValueError(err) {
			t.Errorf("TwoBody(one name) error = %v, want INVALID_VALUE", err)
		}
	}
}

func TestExportInRequestedOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	cl := molecule.Fragment{Name: "cl", Charge: -1, SpinMultiplicity: 1, Atoms: []molecule.Atom{{Symbol: "Cl", SymmetryClass: "A"}}}
	err := s.ImportCalculations(ctx, store.ImportRequest{
		Calculations: []store.ImportedCalculation{{Molecule: molecule.New(water(0), cl), Energies: []float64{-76, -460, -536}}},
		Model:        model,
		Tags:         tags,
	})
	if err != nil {
		t.Fatalf("ImportCalculations() error: %v", err)
	}
	n := 0
	for it, err := range s.ExportCalculations(ctx, store.TrainingSetRequest{Names: []string{"h2o", "cl"}, Model: model, Tags: tags}) {
		if err != nil {
			t.Fatalf("ExportCalculations() error: %v", err)
		}
		if diff := cmp.Diff([]float64{-76, -460, -536}, it.Energies); diff != "" {
			t.Errorf("energies mismatch (-want +got):\n%s", diff)
		}
		n++
	}
	if n != 1 {
		t.Errorf("ExportCalculations() yielded %d items, want 1", n)
	}
}

func TestResetCaches(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Submit(ctx, store.SubmitRequest{Calculations: monomers(1), Model: model, Tags: tags}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	before, err := s.Symmetry(ctx, "h2o")
	if err != nil {
		t.Fatalf("Symmetry() error: %v", err)
	}
	s.ResetCaches()
	after, err := s.Symmetry(ctx, "h2o")
	if err != nil {
		t.Fatalf("Symmetry() after reset error: %v", err)
	}
	if before != after || before != "A1B2" {
		t.Errorf("Symmetry() = %q then %q, want A1B2", before, after)
	}
}

func TestClaimReleasesJobsWhenShapeLookupFails(t *testing.T) {
	b, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	seed := store.New(b)
	t.Cleanup(func() { _ = seed.Close() })
	ctx := context.Background()
	if err := seed.Submit(ctx, store.SubmitRequest{Calculations: monomers(3), Model: model, Tags: tags}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	// A fresh store has no cached template, so the claim must load the shape.
	s := store.New(&flaky{Backend: b, failShape: 1})
	rec := &recorder{}
	s.SetRecorder(rec)
	req := store.ClaimRequest{Client: "w1", Tags: tags, Count: 3}

	jobs, err := s.Claim(ctx, req)
	if !store.IsConnectionError(err) || !errors.Is(err, errInjected) {
		t.Fatalf("Claim() = %d jobs, %v; want injected CONNECTION error", len(jobs), err)
	}
	counts, err := s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() error: %v", err)
	}
	want := map[store.Status]int{store.StatusPending: 3}
	if diff := cmp.Diff(want, counts, nonZero); diff != "" {
		t.Errorf("counts after failed claim mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]observation{{"release", 3, false}}, rec.ops("release"), cmp.AllowUnexported(observation{})); diff != "" {
		t.Errorf("release round trips mismatch (-want +got):\n%s", diff)
	}

	jobs, err = s.Claim(ctx, req)
	if err != nil {
		t.Fatalf("second Claim() error: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("second Claim() = %d jobs, want 3", len(jobs))
	}
}

func TestClaimFailsJobsWithMalformedCoordinates(t *testing.T) {
	b, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := store.New(&flaky{Backend: b, truncate: true})
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.Submit(ctx, store.SubmitRequest{Calculations: monomers(3), Model: model, Tags: tags}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	jobs, err := s.Claim(ctx, store.ClaimRequest{Client: "w1", Tags: tags, Count: 3})
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Claim() = %d jobs, want 2", len(jobs))
	}
	counts, err := s.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() error: %v", err)
	}
	want := map[store.Status]int{store.StatusDispatched: 2, store.StatusFailed: 1}
	if diff := cmp.Diff(want, counts, nonZero); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}
