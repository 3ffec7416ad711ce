package pebble_test

import (
	"testing"

	"github.com/corvohq/fitq/internal/backend/backendtest"
	"github.com/corvohq/fitq/internal/backend/pebble"
	"github.com/corvohq/fitq/internal/store"
)

func open(t *testing.T) store.Backend {
	t.Helper()
	b, err := pebble.Open(t.TempDir())
	if err != nil {
		t.Fatalf("pebble.Open() error: %v", err)
	}
	b.SetNoSync(true)
	return b
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, open)
}
