package store

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/corvohq/fitq/internal/molecule"
)

// Status is the lifecycle state of a sub-calculation.
type Status string

// Job states
const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{StatusPending, StatusDispatched, StatusComplete, StatusFailed}

// ResetScope selects which non-pending jobs a reset moves back to pending.
type ResetScope string

const (
	ResetAll        ResetScope = "all"
	ResetDispatched ResetScope = "dispatched"
	ResetFailed     ResetScope = "failed"
)

// Statuses returns the states the scope resets.
func (s ResetScope) Statuses() ([]Status, error) {
	switch s {
	case ResetAll:
		return []Status{StatusDispatched, StatusComplete, StatusFailed}, nil
	case ResetDispatched:
		return []Status{StatusDispatched}, nil
	case ResetFailed:
		return []Status{StatusFailed}, nil
	default:
		return nil, NewInvalidValueError("unknown reset scope %q", string(s))
	}
}

// Model is the level of theory a calculation runs at.
type Model struct {
	Method string `json:"method"`
	Basis  string `json:"basis"`
	CP     bool   `json:"cp"`
}

// String encodes the model as "method/basis/True" or "method/basis/False".
func (m Model) String() string {
	cp := "False"
	if m.CP {
		cp = "True"
	}
	return m.Method + "/" + m.Basis + "/" + cp
}

// Validate rejects empty fields and fields containing '/'.
func (m Model) Validate() error {
	if m.Method == "" || m.Basis == "" {
		return NewInvalidValueError("model needs both method and basis")
	}
	if strings.Contains(m.Method, "/") || strings.Contains(m.Basis, "/") {
		return NewInvalidValueError("model fields must not contain '/': %q %q", m.Method, m.Basis)
	}
	return nil
}

// ParseModel decodes a model string produced by Model.String.
func ParseModel(s string) (Model, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Model{}, NewInvalidValueError("model %q must have the form method/basis/cp", s)
	}
	var cp bool
	switch parts[2] {
	case "True":
		cp = true
	case "False":
	default:
		return Model{}, NewInvalidValueError("model %q has counterpoise flag %q, want True or False", s, parts[2])
	}
	m := Model{Method: parts[0], Basis: parts[1], CP: cp}
	if err := m.Validate(); err != nil {
		return Model{}, err
	}
	return m, nil
}

// JobKey identifies one sub-calculation.
type JobKey struct {
	Hash        string `json:"hash"`
	Model       string `json:"model"`
	FragIndices []int  `json:"frag_indices"`
	UseCP       bool   `json:"use_cp"`
}

// FragKey encodes fragment indices as "0,2".
func FragKey(indices []int) string {
	parts := make([]string, len(indices))
	for i, f := range indices {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}

// ParseFragKey decodes a FragKey string.
func ParseFragKey(s string) ([]int, error) {
	if s == "" {
		return nil, NewInvalidValueError("empty fragment index list")
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, NewInvalidValueError("bad fragment index list %q", s)
		}
		out[i] = v
	}
	return out, nil
}

// Calculation is a molecule to submit.
type Calculation struct {
	Molecule  *molecule.Molecule `json:"molecule"`
	Optimized bool               `json:"optimized,omitempty"`
}

// SubmitRequest queues every sub-calculation of each molecule at one model.
type SubmitRequest struct {
	Calculations []Calculation `json:"calculations"`
	Model        Model         `json:"model"`
	Tags         []string      `json:"tags"`
}

// ImportedCalculation is a molecule whose energies were computed elsewhere,
// given in the molecule's own fragment order.
type ImportedCalculation struct {
	Molecule  *molecule.Molecule `json:"molecule"`
	Energies  []float64          `json:"energies"`
	Optimized bool               `json:"optimized,omitempty"`
}

// ImportRequest stores completed calculations directly.
type ImportRequest struct {
	Calculations []ImportedCalculation `json:"calculations"`
	Model        Model                 `json:"model"`
	Tags         []string              `json:"tags"`
}

// ClaimRequest asks for up to Count pending jobs carrying any of Tags.
type ClaimRequest struct {
	Client string   `json:"client"`
	Tags   []string `json:"tags"`
	Count  int      `json:"count"`
}

// Job is a claimed sub-calculation, ready for a worker.
type Job struct {
	Key      JobKey             `json:"key"`
	Shape    string             `json:"shape"`
	Method   string             `json:"method"`
	Basis    string             `json:"basis"`
	CP       bool               `json:"cp"`
	Molecule *molecule.Molecule `json:"molecule"`
}

// Result is the outcome of one job. Key.Hash may be empty when Molecule is
// given; the hash is then derived from the canonical molecule.
type Result struct {
	Key      JobKey             `json:"key"`
	Molecule *molecule.Molecule `json:"molecule,omitempty"`
	Success  bool               `json:"success"`
	Energy   *float64           `json:"energy,omitempty"`
	Log      string             `json:"log,omitempty"`
}

// TrainingSetRequest selects completed calculations for extraction.
// Names is the fragment order the caller wants molecules and energies in.
type TrainingSetRequest struct {
	Names []string `json:"names"`
	Model Model    `json:"model"`
	Tags  []string `json:"tags"`
}

// Shape returns the shape name of the requested fragments.
func (r TrainingSetRequest) Shape() string {
	return molecule.ShapeName(r.Names)
}

// OneBodyItem is a monomer and its deformation energy.
type OneBodyItem struct {
	Molecule *molecule.Molecule `json:"molecule"`
	Energy   float64            `json:"energy"`
}

// TwoBodyItem is a dimer with its binding and interaction energies and the
// deformation energy of each monomer, in requested order.
type TwoBodyItem struct {
	Molecule    *molecule.Molecule `json:"molecule"`
	Binding     float64            `json:"binding"`
	Interaction float64            `json:"interaction"`
	Monomer1    float64            `json:"monomer1"`
	Monomer2    float64            `json:"monomer2"`
}

// NBodyItem is an N-fragment molecule with its binding energy, N-body
// interaction energy and per-fragment deformation energies.
type NBodyItem struct {
	Molecule     *molecule.Molecule `json:"molecule"`
	Binding      float64            `json:"binding"`
	Interaction  float64            `json:"interaction"`
	Deformations []float64          `json:"deformations"`
}

// ExportItem is a molecule with its full energy vector in requested order.
// Missing entries are NaN.
type ExportItem struct {
	Molecule *molecule.Molecule `json:"molecule"`
	Energies []float64          `json:"energies"`
}

// MarshalJSON writes missing (NaN) energies as null.
func (e ExportItem) MarshalJSON() ([]byte, error) {
	energies := make([]*float64, len(e.Energies))
	for i := range e.Energies {
		if !math.IsNaN(e.Energies[i]) {
			energies[i] = &e.Energies[i]
		}
	}
	return json.Marshal(struct {
		Molecule *molecule.Molecule `json:"molecule"`
		Energies []*float64         `json:"energies"`
	}{e.Molecule, energies})
}

// UnmarshalJSON reads null energies back as NaN.
func (e *ExportItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Molecule *molecule.Molecule `json:"molecule"`
		Energies []*float64         `json:"energies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Molecule = raw.Molecule
	e.Energies = make([]float64, len(raw.Energies))
	for i, v := range raw.Energies {
		if v == nil {
			e.Energies[i] = math.NaN()
		} else {
			e.Energies[i] = *v
		}
	}
	return nil
}

// FailedItem is a failed sub-calculation, with FragIndices in requested order.
type FailedItem struct {
	Molecule    *molecule.Molecule `json:"molecule"`
	FragIndices []int              `json:"frag_indices"`
	UseCP       bool               `json:"use_cp"`
	Log         string             `json:"log"`
}
