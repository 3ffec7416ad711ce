package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/corvohq/fitq/internal/backend/backendtest"
	"github.com/corvohq/fitq/internal/backend/sqlite"
	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/store"
)

func open(t *testing.T) store.Backend {
	t.Helper()
	b, err := sqlite.New(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.New() error: %v", err)
	}
	return b
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, open)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	b, err := sqlite.New(dir)
	if err != nil {
		t.Fatalf("sqlite.New() error: %v", err)
	}
	rec := &store.ShapeRecord{
		Name:      "cl",
		Fragments: []store.FragmentRecord{{Name: "cl", Charge: -1, SpinMultiplicity: 1, Symbols: []string{"Cl"}, Symmetries: []string{"A"}, Counts: []int{1}}},
		Counts:    []int{1},
	}
	err = b.PutCalculations(context.Background(), []store.CalculationRecord{{
		Hash:        "h1",
		Shape:       rec,
		Coordinates: []float64{0, 0, 3},
		Model:       "mp2/avtz/False",
		Tags:        []string{"t"},
		Jobs:        []store.SubCalculation{{Position: 0, FragIndices: []int{0}, Status: store.StatusPending}},
	}})
	if err != nil {
		t.Fatalf("PutCalculations() error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	db, err := sqlite.OpenPath(filepath.Join(dir, "fitq.db"))
	if err != nil {
		t.Fatalf("OpenPath() error: %v", err)
	}
	b = sqlite.NewFromDB(db)
	defer b.Close()
	got, err := b.Shape(context.Background(), "cl")
	if err != nil {
		t.Fatalf("Shape() error: %v", err)
	}
	if got.Fragments[0].Charge != -1 {
		t.Errorf("Shape() charge = %d, want -1", got.Fragments[0].Charge)
	}
	if _, err := b.Shape(context.Background(), "ar"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Shape(missing) error = %v, want ErrNotFound", err)
	}
}

func TestResetDropsFailureLog(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	s := store.New(sqlite.NewFromDB(db))
	defer s.Close()
	ctx := context.Background()
	tags := []string{"t"}

	err = s.Submit(ctx, store.SubmitRequest{
		Calculations: []store.Calculation{{Molecule: molecule.New(backendtest.Water(0))}},
		Model:        store.Model{Method: "mp2", Basis: "avtz"},
		Tags:         tags,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	jobs, err := s.Claim(ctx, store.ClaimRequest{Client: "w", Tags: tags, Count: 1})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Claim() = %d jobs, %v; want 1", len(jobs), err)
	}
	if _, err := s.Report(ctx, []store.Result{{Key: jobs[0].Key, Log: "scf did not converge"}}); err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	if _, err := s.Reset(ctx, store.ResetFailed, nil); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	var logs int
	if err := db.Read.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE log_text IS NOT NULL`).Scan(&logs); err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if logs != 0 {
		t.Errorf("%d jobs kept a log after reset", logs)
	}
}
