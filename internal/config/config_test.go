package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fitq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server:
  bind: 127.0.0.1:9000
backend:
  driver: postgres
  dsn: postgres://fit:pw@db/fitq
store:
  batch_size: 250
otel:
  enabled: true
  endpoint: collector:4318
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := Default()
	want.Server.Bind = "127.0.0.1:9000"
	want.Backend.Driver = "postgres"
	want.Backend.DSN = "postgres://fit:pw@db/fitq"
	want.Store.BatchSize = 250
	want.OTel.Enabled = true
	want.OTel.Endpoint = "collector:4318"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadBadYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "server: [")); err == nil {
		t.Error("Load() accepted malformed YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FITQ_BACKEND", "pebble")
	t.Setenv("FITQ_DATA_DIR", "/var/lib/fitq")
	t.Setenv("FITQ_BATCH_SIZE", "7")
	t.Setenv("FITQ_JWT_SECRET", "s3cret")
	t.Setenv("FITQ_OTEL_ENABLED", "true")

	cfg, err := Load(writeFile(t, "backend:\n  driver: sqlite\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Backend.Driver != "pebble" || cfg.Backend.DataDir != "/var/lib/fitq" {
		t.Errorf("backend = %+v, want env values", cfg.Backend)
	}
	if cfg.Store.BatchSize != 7 || cfg.Auth.JWTSecret != "s3cret" || !cfg.OTel.Enabled {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestEnvOverrideBadNumber(t *testing.T) {
	t.Setenv("FITQ_BATCH_SIZE", "many")
	if _, err := Load(""); err == nil {
		t.Error("Load() accepted FITQ_BATCH_SIZE=many")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no bind", func(c *Config) { c.Server.Bind = "" }},
		{"unknown driver", func(c *Config) { c.Backend.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Backend.Driver = "postgres" }},
		{"pebble without dir", func(c *Config) { c.Backend.Driver = "pebble"; c.Backend.DataDir = "" }},
		{"zero batch", func(c *Config) { c.Store.BatchSize = 0 }},
		{"sample ratio", func(c *Config) { c.OTel.SampleRatio = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s3cret"
	cfg.Backend.DSN = "postgres://fit:pw@db:5432/fitq"
	r := cfg.Redacted()
	if r.Auth.JWTSecret != "***" {
		t.Errorf("secret = %q", r.Auth.JWTSecret)
	}
	if r.Backend.DSN != "postgres://fit:***@db:5432/fitq" {
		t.Errorf("dsn = %q", r.Backend.DSN)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Error("Redacted() modified the original")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fitq.yaml")
	cfg := Default()
	cfg.Store.BatchSize = 42
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
