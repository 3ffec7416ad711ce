package server

import (
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/corvohq/fitq/internal/store"
)

// Export kinds accepted by POST /api/v1/export/{kind}.
const (
	exportOneBody      = "1b"
	exportTwoBody      = "2b"
	exportNBody        = "nb"
	exportCalculations = "calculations"
	exportFailed       = "failed"
)

type exportBody struct {
	Names  []string `json:"names"`
	Method string   `json:"method"`
	Basis  string   `json:"basis"`
	CP     bool     `json:"cp"`
	Tags   []string `json:"tags"`
}

func (s *Server) handleGetMolecule(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.Molecule(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSymmetry(w http.ResponseWriter, r *http.Request) {
	shape := chi.URLParam(r, "shape")
	sym, err := s.store.Symmetry(r.Context(), shape)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shape": shape, "symmetry": sym})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.Models(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if models == nil {
		models = []store.Model{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	var body exportBody
	if !s.decodeBody(w, r, "export", &body) {
		return
	}
	req := store.TrainingSetRequest{
		Names: body.Names,
		Model: store.Model{Method: body.Method, Basis: body.Basis, CP: body.CP},
		Tags:  body.Tags,
	}
	ctx := r.Context()
	flushEvery := s.store.BatchSize()
	switch kind {
	case exportOneBody:
		streamNDJSON(w, s.store.OneBody(ctx, req), flushEvery)
	case exportTwoBody:
		streamNDJSON(w, s.store.TwoBody(ctx, req), flushEvery)
	case exportNBody:
		streamNDJSON(w, s.store.TrainingSet(ctx, req), flushEvery)
	case exportCalculations:
		streamNDJSON(w, s.store.ExportCalculations(ctx, req), flushEvery)
	case exportFailed:
		streamNDJSON(w, s.store.Failed(ctx, req), flushEvery)
	default:
		writeError(w, http.StatusNotFound, "unknown export kind "+kind, "NOT_FOUND")
	}
}

// streamNDJSON writes one JSON document per line. An error before the first
// item becomes a regular error response; after that, a final
// {"error":..., "code":...} line ends the stream.
func streamNDJSON[T any](w http.ResponseWriter, seq iter.Seq2[T, error], flushEvery int) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	n := 0
	for item, err := range seq {
		if err != nil {
			if !started {
				writeStoreError(w, err)
				return
			}
			_, code := storeStatus(err)
			slog.Warn("export stream aborted", "items", n, "code", code, "error", err)
			_ = enc.Encode(map[string]string{"error": err.Error(), "code": code})
			break
		}
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(item); err != nil {
			slog.Debug("export client gone", "items", n, "error", err)
			return
		}
		n++
		if flusher != nil && flushEvery > 0 && n%flushEvery == 0 {
			flusher.Flush()
		}
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
	if flusher != nil {
		flusher.Flush()
	}
}
