package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/corvohq/fitq/internal/observability"
	"github.com/corvohq/fitq/internal/store"
)

const defaultMaxBodySize = 64 << 20

// Server is the HTTP API for producers, workers and training-set consumers.
type Server struct {
	store      *store.Store
	httpServer *http.Server
	router     chi.Router

	jwtSecret   []byte
	metrics     *observability.Metrics
	maxBodySize int64
}

// Option configures a Server.
type Option func(*Server)

// WithJWTSecret requires an HS256 bearer token on every API route.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.jwtSecret = []byte(secret)
		}
	}
}

// WithMetrics records request metrics and serves them on /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxBodySize caps request bodies.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// New creates a Server.
func New(s *store.Store, bindAddr string, opts ...Option) *Server {
	srv := &Server{store: s, maxBodySize: defaultMaxBodySize}
	for _, opt := range opts {
		opt(srv)
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              bindAddr,
		Handler:           h2c.NewHandler(srv.router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	if s.metrics != nil {
		r.Use(s.requestMetrics)
	}
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Producers
		r.With(requireRole(roleProducer)).Post("/calculations", s.handleSubmit)
		r.With(requireRole(roleProducer)).Post("/calculations/import", s.handleImport)
		r.With(requireRole(roleProducer)).Post("/tags", s.handleAddTags)
		r.With(requireRole(roleProducer)).Post("/reset", s.handleReset)

		// Workers
		r.With(requireRole(roleWorker)).Post("/claim", s.handleClaim)
		r.With(requireRole(roleWorker)).Post("/report", s.handleReport)

		// Lookups and extraction
		r.Get("/molecules/{hash}", s.handleGetMolecule)
		r.Get("/shapes/{shape}/symmetry", s.handleSymmetry)
		r.Get("/models", s.handleModels)
		r.Get("/status", s.handleStatus)
		r.Post("/export/{kind}", s.handleExport)
	})

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	return r
}

// Start begins listening for HTTP/1.1 and cleartext HTTP/2 requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Close force-closes every connection.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// storeStatus maps a store error code to an HTTP status.
func storeStatus(err error) (int, string) {
	code := store.Code(err)
	switch code {
	case store.ErrorCodeNotFound:
		return http.StatusNotFound, string(code)
	case store.ErrorCodeInvalidValue, store.ErrorCodeInvalidShape, store.ErrorCodeMalformedCoords:
		return http.StatusBadRequest, string(code)
	case store.ErrorCodeNoPendingWork:
		return http.StatusConflict, string(code)
	case store.ErrorCodeConnection:
		return http.StatusServiceUnavailable, string(code)
	case "":
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	default:
		return http.StatusInternalServerError, string(code)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	status, code := storeStatus(err)
	if status >= 500 {
		slog.Error("store error", "code", code, "error", err)
	}
	writeError(w, status, err.Error(), code)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		done := s.metrics.BeginRequest()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		done(r.Method, route, status, time.Since(start))
	})
}
