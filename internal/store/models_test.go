package store_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/store"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		in      string
		want    store.Model
		wantErr bool
	}{
		{in: "mp2/avtz/False", want: store.Model{Method: "mp2", Basis: "avtz"}},
		{in: "ccsd(t)/cbs/True", want: store.Model{Method: "ccsd(t)", Basis: "cbs", CP: true}},
		{in: "mp2/avtz/true", wantErr: true},
		{in: "mp2/avtz", wantErr: true},
		{in: "/avtz/False", wantErr: true},
		{in: "mp2/avtz/False/x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := store.ParseModel(tt.in)
		if tt.wantErr {
			if !store.IsInvalidValueError(err) {
				t.Errorf("ParseModel(%q) error = %v, want INVALID_VALUE", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseModel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseModel(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestFragKey(t *testing.T) {
	if got := store.FragKey([]int{0, 2, 5}); got != "0,2,5" {
		t.Errorf("FragKey() = %q, want 0,2,5", got)
	}
	got, err := store.ParseFragKey("1,3")
	if err != nil {
		t.Fatalf("ParseFragKey() error: %v", err)
	}
	if diff := cmp.Diff([]int{1, 3}, got); diff != "" {
		t.Errorf("ParseFragKey() mismatch (-want +got):\n%s", diff)
	}
	for _, bad := range []string{"", "1,,2", "a"} {
		if _, err := store.ParseFragKey(bad); !store.IsInvalidValueError(err) {
			t.Errorf("ParseFragKey(%q) error = %v, want INVALID_VALUE", bad, err)
		}
	}
}

func TestResetScopeStatuses(t *testing.T) {
	got, err := store.ResetAll.Statuses()
	if err != nil {
		t.Fatal(err)
	}
	want := []store.Status{store.StatusDispatched, store.StatusComplete, store.StatusFailed}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResetAll.Statuses() mismatch (-want +got):\n%s", diff)
	}
	if _, err := store.ResetScope("pending").Statuses(); !store.IsInvalidValueError(err) {
		t.Errorf("unknown scope error = %v, want INVALID_VALUE", err)
	}
}

func TestExportItemJSON(t *testing.T) {
	item := store.ExportItem{
		Molecule: molecule.New(water(0)),
		Energies: []float64{-76.4, math.NaN(), -152.9},
	}
	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var raw struct {
		Energies []*float64 `json:"energies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if len(raw.Energies) != 3 || raw.Energies[1] != nil || *raw.Energies[0] != -76.4 {
		t.Errorf("energies written as %s, want NaN as null", data)
	}

	var back store.ExportItem
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if diff := cmp.Diff(item, back, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("disk gone")
	tests := []struct {
		err      error
		sentinel error
		code     store.ErrorCode
	}{
		{store.NewNotFoundError("shape %q", "h2o"), store.ErrNotFound, store.ErrorCodeNotFound},
		{store.NewInvalidValueError("bad"), store.ErrInvalidValue, store.ErrorCodeInvalidValue},
		{store.NewConnectionError("open", cause), store.ErrConnection, store.ErrorCodeConnection},
		{store.NewOperationError("query", cause), store.ErrOperation, store.ErrorCodeOperation},
		{store.NewNoPendingWorkError(5, 0), store.ErrNoPendingWork, store.ErrorCodeNoPendingWork},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("handler: %w", tt.err)
		if !errors.Is(wrapped, tt.sentinel) {
			t.Errorf("errors.Is(%v, %s) = false", wrapped, tt.code)
		}
		if got := store.Code(wrapped); got != tt.code {
			t.Errorf("Code(%v) = %s, want %s", wrapped, got, tt.code)
		}
	}
	if !errors.Is(store.NewConnectionError("open", cause), cause) {
		t.Error("connection error does not unwrap to its cause")
	}
	if errors.Is(store.NewNotFoundError("x"), store.ErrInvalidValue) {
		t.Error("not-found error matches INVALID_VALUE sentinel")
	}
	if store.Code(cause) != "" {
		t.Errorf("Code(plain error) = %q, want empty", store.Code(cause))
	}
	if !store.IsNoPendingWorkError(store.NewNoPendingWorkError(1, 0)) {
		t.Error("IsNoPendingWorkError() = false")
	}
}
