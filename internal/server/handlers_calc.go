package server

import (
	"math"
	"net/http"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/store"
)

type submitBody struct {
	Molecules []*molecule.Molecule `json:"molecules"`
	Method    string               `json:"method"`
	Basis     string               `json:"basis"`
	CP        bool                 `json:"cp"`
	Tags      []string             `json:"tags"`
	Optimized bool                 `json:"optimized"`
}

func (b submitBody) model() store.Model {
	return store.Model{Method: b.Method, Basis: b.Basis, CP: b.CP}
}

type importEntry struct {
	Molecule *molecule.Molecule `json:"molecule"`
	Energies []*float64         `json:"energies"`
}

type importBody struct {
	Entries   []importEntry `json:"entries"`
	Method    string        `json:"method"`
	Basis     string        `json:"basis"`
	CP        bool          `json:"cp"`
	Tags      []string      `json:"tags"`
	Optimized bool          `json:"optimized"`
}

type claimBody struct {
	store.ClaimRequest
	Strict bool `json:"strict"`
}

type reportBody struct {
	Results []store.Result `json:"results"`
}

type resetBody struct {
	Scope store.ResetScope `json:"scope"`
	Tags  []string         `json:"tags"`
}

type tagsBody struct {
	Hash  string      `json:"hash"`
	Model store.Model `json:"model"`
	Tags  []string    `json:"tags"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !s.decodeBody(w, r, "submit", &body) {
		return
	}
	req := store.SubmitRequest{Model: body.model(), Tags: body.Tags}
	for _, m := range body.Molecules {
		req.Calculations = append(req.Calculations, store.Calculation{Molecule: m, Optimized: body.Optimized})
	}
	if err := s.store.Submit(r.Context(), req); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"submitted": len(req.Calculations)})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var body importBody
	if !s.decodeBody(w, r, "import", &body) {
		return
	}
	req := store.ImportRequest{
		Model: store.Model{Method: body.Method, Basis: body.Basis, CP: body.CP},
		Tags:  body.Tags,
	}
	for _, e := range body.Entries {
		energies := make([]float64, len(e.Energies))
		for i, v := range e.Energies {
			if v == nil {
				energies[i] = math.NaN()
			} else {
				energies[i] = *v
			}
		}
		req.Calculations = append(req.Calculations, store.ImportedCalculation{
			Molecule:  e.Molecule,
			Energies:  energies,
			Optimized: body.Optimized,
		})
	}
	if err := s.store.ImportCalculations(r.Context(), req); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"imported": len(req.Calculations)})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if !s.decodeBody(w, r, "claim", &body) {
		return
	}
	if body.Client == "" {
		body.Client = principalFromContext(r.Context()).Subject
	}
	claim := s.store.Claim
	if body.Strict {
		claim = s.store.ClaimStrict
	}
	jobs, err := claim(r.Context(), body.ClaimRequest)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string][]store.Job{"jobs": jobs})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var body reportBody
	if !s.decodeBody(w, r, "report", &body) {
		return
	}
	applied, err := s.store.Report(r.Context(), body.Results)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": applied, "skipped": len(body.Results) - applied})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var body resetBody
	if !s.decodeBody(w, r, "reset", &body) {
		return
	}
	n, err := s.store.Reset(r.Context(), body.Scope, body.Tags)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

func (s *Server) handleAddTags(w http.ResponseWriter, r *http.Request) {
	var body tagsBody
	if !s.decodeBody(w, r, "tags", &body) {
		return
	}
	if err := s.store.AddTags(r.Context(), body.Hash, body.Model, body.Tags); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
