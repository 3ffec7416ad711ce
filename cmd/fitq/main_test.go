package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/corvohq/fitq/internal/config"
)

func TestServerConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "fitq.yaml")
	cfg := config.Default()
	cfg.Server.Bind = ":9000"
	cfg.Backend.DataDir = dir
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := serverCmd.Flags().Set("backend", "pebble"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	t.Cleanup(func() {
		serverCmd.Flags().Set("backend", "")
		serverCmd.Flags().Lookup("backend").Changed = false
	})

	got, err := serverConfig(serverCmd)
	if err != nil {
		t.Fatalf("serverConfig: %v", err)
	}
	if got.Server.Bind != ":9000" || got.Backend.Driver != "pebble" {
		t.Errorf("config = %+v", got)
	}
}

func TestOpenBackend(t *testing.T) {
	for _, driver := range []string{"sqlite", "pebble"} {
		t.Run(driver, func(t *testing.T) {
			b, err := openBackend(context.Background(), config.BackendConfig{Driver: driver, DataDir: t.TempDir()})
			if err != nil {
				t.Fatalf("openBackend(%s): %v", driver, err)
			}
			counts, err := b.StatusCounts(context.Background())
			if err != nil {
				t.Errorf("StatusCounts: %v", err)
			}
			if len(counts) != 0 && counts["pending"] != 0 {
				t.Errorf("fresh backend counts = %v", counts)
			}
			if err := b.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}
