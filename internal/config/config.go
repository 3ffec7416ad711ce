package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Drivers lists the supported backends.
var Drivers = []string{"sqlite", "postgres", "pebble"}

// Config is the fitq server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	OTel    OTelConfig    `yaml:"otel"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
}

type BackendConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// DataDir holds the SQLite database or the Pebble directory.
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer-token auth on the API when set.
	JWTSecret string `yaml:"jwt_secret"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Bind: ":8080"},
		Backend: BackendConfig{Driver: "sqlite", DataDir: "data"},
		Store:   StoreConfig{BatchSize: 100},
		OTel:    OTelConfig{SampleRatio: 1},
	}
}

// Load reads a YAML file over the defaults and applies FITQ_* environment
// overrides. A missing file yields the defaults. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("FITQ_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("FITQ_BACKEND"); v != "" {
		c.Backend.Driver = v
	}
	if v := os.Getenv("FITQ_DSN"); v != "" {
		c.Backend.DSN = v
	}
	if v := os.Getenv("FITQ_DATA_DIR"); v != "" {
		c.Backend.DataDir = v
	}
	if v := os.Getenv("FITQ_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FITQ_BATCH_SIZE: %w", err)
		}
		c.Store.BatchSize = n
	}
	if v := os.Getenv("FITQ_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("FITQ_OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FITQ_OTEL_ENABLED: %w", err)
		}
		c.OTel.Enabled = b
	}
	if v := os.Getenv("FITQ_OTEL_ENDPOINT"); v != "" {
		c.OTel.Endpoint = v
	}
	return nil
}

// Validate checks the configuration is complete for the selected driver.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server.bind is required")
	}
	switch c.Backend.Driver {
	case "sqlite", "pebble":
		if strings.TrimSpace(c.Backend.DataDir) == "" {
			return fmt.Errorf("backend.data_dir is required for driver %s", c.Backend.Driver)
		}
	case "postgres":
		if strings.TrimSpace(c.Backend.DSN) == "" {
			return fmt.Errorf("backend.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("invalid backend.driver %q (valid: %v)", c.Backend.Driver, Drivers)
	}
	if c.Store.BatchSize < 1 {
		return fmt.Errorf("store.batch_size must be at least 1, got %d", c.Store.BatchSize)
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		return fmt.Errorf("otel.sample_ratio must be between 0 and 1, got %v", c.OTel.SampleRatio)
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "***"
	}
	if out.Backend.DSN != "" {
		out.Backend.DSN = redactDSN(out.Backend.DSN)
	}
	return out
}

// redactDSN masks the password of a postgres:// URL.
func redactDSN(dsn string) string {
	scheme := strings.Index(dsn, "://")
	at := strings.LastIndex(dsn, "@")
	if scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if i := strings.Index(userinfo, ":"); i >= 0 {
		return dsn[:scheme+3] + userinfo[:i] + ":***" + dsn[at:]
	}
	return dsn
}
