package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvohq/fitq/internal/backend/pebble"
	"github.com/corvohq/fitq/internal/backend/postgres"
	"github.com/corvohq/fitq/internal/backend/sqlite"
	"github.com/corvohq/fitq/internal/config"
	"github.com/corvohq/fitq/internal/observability"
	"github.com/corvohq/fitq/internal/server"
	"github.com/corvohq/fitq/internal/store"
)

var version = "dev"

var (
	logLevel   string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fitq",
	Short: "fitq: N-body calculation queue and training-set store",
	Long:  "Dispatches quantum-chemistry sub-calculations to workers and extracts 1-body, 2-body and N-body training sets from the results.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the fitq API server",
	RunE:  runServer,
}

var (
	bindAddr        string
	driver          string
	dsn             string
	dataDir         string
	batchSize       int
	otelEnabled     bool
	otelEndpoint    string
	maxBodySize     int64
	shutdownTimeout = 5 * time.Second
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "fitq.yaml", "Path to the YAML config file")

	serverCmd.Flags().StringVar(&bindAddr, "bind", "", "HTTP server bind address (overrides config)")
	serverCmd.Flags().StringVar(&driver, "backend", "", "Storage backend: sqlite, postgres or pebble (overrides config)")
	serverCmd.Flags().StringVar(&dsn, "dsn", "", "Postgres connection string (overrides config)")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for SQLite or Pebble files (overrides config)")
	serverCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Items per backend round trip (overrides config)")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	serverCmd.Flags().Int64Var(&maxBodySize, "max-body-size", 0, "Maximum request body size in bytes (0 keeps the server default)")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout before force-close")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// serverConfig loads the config file and applies server flags on top.
func serverConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.Server.Bind = bindAddr
	}
	if flags.Changed("backend") {
		cfg.Backend.Driver = driver
	}
	if flags.Changed("dsn") {
		cfg.Backend.DSN = dsn
	}
	if flags.Changed("data-dir") {
		cfg.Backend.DataDir = dataDir
	}
	if flags.Changed("batch-size") {
		cfg.Store.BatchSize = batchSize
	}
	if flags.Changed("otel-enabled") {
		cfg.OTel.Enabled = otelEnabled
	}
	if flags.Changed("otel-endpoint") {
		cfg.OTel.Endpoint = otelEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openBackend(ctx context.Context, cfg config.BackendConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	case "pebble":
		return pebble.Open(filepath.Join(cfg.DataDir, "pebble"))
	default:
		return sqlite.New(cfg.DataDir)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := serverConfig(cmd)
	if err != nil {
		return err
	}
	redacted := cfg.Redacted()
	slog.Info("starting fitq server",
		"bind", redacted.Server.Bind,
		"backend", redacted.Backend.Driver,
		"dsn", redacted.Backend.DSN,
		"data_dir", redacted.Backend.DataDir,
		"batch_size", redacted.Store.BatchSize,
		"auth", cfg.Auth.JWTSecret != "",
		"otel_enabled", redacted.OTel.Enabled,
		"otel_endpoint", redacted.OTel.Endpoint,
		"shutdown_timeout", shutdownTimeout,
	)

	otelShutdown, err := observability.InitTracer(observability.TracerConfig{
		Enabled:     cfg.OTel.Enabled,
		Service:     "fitq-server",
		Version:     version,
		Endpoint:    cfg.OTel.Endpoint,
		SampleRatio: cfg.OTel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	backend, err := openBackend(cmd.Context(), cfg.Backend)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend.Driver, err)
	}
	s := store.New(backend)
	if err := s.SetBatchSize(cfg.Store.BatchSize); err != nil {
		s.Close()
		return err
	}
	metrics := observability.NewMetrics()
	s.SetRecorder(metrics)
	s.SetLogger(slog.Default())

	opts := []server.Option{server.WithMetrics(metrics)}
	if cfg.Auth.JWTSecret != "" {
		opts = append(opts, server.WithJWTSecret(cfg.Auth.JWTSecret))
	} else {
		slog.Warn("no jwt secret set; API is open to anonymous callers")
	}
	if maxBodySize > 0 {
		opts = append(opts, server.WithMaxBodySize(maxBodySize))
	}
	srv := server.New(s, cfg.Server.Bind, opts...)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("fitq server ready", "bind", cfg.Server.Bind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error; forcing close", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			slog.Error("HTTP force close error", "error", closeErr)
		}
	}

	slog.Info("stopping store")
	if err := s.Close(); err != nil {
		slog.Warn("store close error", "error", err)
	}
	slog.Info("fitq server stopped")
	return nil
}
