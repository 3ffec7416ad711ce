package store

import "context"

// FragmentRecord is the stored structure of one fragment type. Symbols,
// Symmetries and Counts run in parallel, one entry per symmetry group, in
// canonical atom order. Symmetries are relabeled A, B, C... per fragment.
type FragmentRecord struct {
	Name             string   `json:"name"`
	Charge           int      `json:"charge"`
	SpinMultiplicity int      `json:"spin_multiplicity"`
	SMILES           string   `json:"smiles,omitempty"`
	Symbols          []string `json:"symbols"`
	Symmetries       []string `json:"symmetries"`
	Counts           []int    `json:"counts"`
}

// ShapeRecord lists the distinct fragment types of a shape in canonical order
// and how many of each it has.
type ShapeRecord struct {
	Name      string           `json:"name"`
	Fragments []FragmentRecord `json:"fragments"`
	Counts    []int            `json:"counts"`
}

// Bodies returns the number of fragments in the shape.
func (s *ShapeRecord) Bodies() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// SubCalculation is one entry of a molecule's energy vector.
type SubCalculation struct {
	Position    int
	FragIndices []int
	UseCP       bool
	Status      Status
	Energy      float64
}

// CalculationRecord is everything written for one canonical molecule at one
// model.
type CalculationRecord struct {
	Hash        string
	Shape       *ShapeRecord
	Coordinates []float64
	Model       string
	Tags        []string
	Optimized   bool
	Jobs        []SubCalculation
}

// ClaimedRecord is a job a backend moved to dispatched.
type ClaimedRecord struct {
	Hash        string
	Shape       string
	Model       string
	Coordinates []float64
	FragIndices []int
	UseCP       bool
}

// ResultRecord is a validated job outcome.
type ResultRecord struct {
	Hash        string
	Model       string
	FragIndices []int
	UseCP       bool
	Success     bool
	Energy      float64
	Log         string
}

// Query selects molecules of one shape at one model carrying any of Tags.
// With Complete set, only molecules whose every sub-calculation is complete
// match; otherwise any molecule with at least one complete sub-calculation.
type Query struct {
	Shape    string
	Model    string
	Tags     []string
	Complete bool
}

// PositionEnergy is a stored energy at a layout position.
type PositionEnergy struct {
	Position int
	Energy   float64
}

// MoleculeRow is one page entry of a molecule query.
type MoleculeRow struct {
	Hash        string
	Coordinates []float64
	Energies    []PositionEnergy
}

// FailedRow is one page entry of a failed-job query.
type FailedRow struct {
	Hash        string
	Coordinates []float64
	FragIndices []int
	UseCP       bool
	Log         string
}

// StoredMolecule is a molecule as persisted.
type StoredMolecule struct {
	Hash        string
	Shape       string
	Coordinates []float64
}

// Backend is the persistence layer behind Store. Every write method applies
// its whole argument in one transaction. ClaimPending must select and mark
// jobs atomically so concurrent claimers never share a job.
type Backend interface {
	// PutCalculations writes construction records, merges tags and inserts
	// jobs. Existing jobs keep their state unless the new job is complete.
	PutCalculations(ctx context.Context, recs []CalculationRecord) error
	ClaimPending(ctx context.Context, client string, tags []string, limit int) ([]ClaimedRecord, error)
	// ReportResults applies results to dispatched jobs and returns how many
	// changed state.
	ReportResults(ctx context.Context, results []ResultRecord) (int, error)
	// Release moves dispatched jobs back to pending and returns how many
	// changed state.
	Release(ctx context.Context, recs []ClaimedRecord) (int, error)
	// Reset moves jobs in the given states back to pending. Empty tags
	// match every job.
	Reset(ctx context.Context, from []Status, tags []string) (int64, error)
	AddTags(ctx context.Context, hash, model string, tags []string) error

	Shape(ctx context.Context, name string) (*ShapeRecord, error)
	Molecule(ctx context.Context, hash string) (*StoredMolecule, error)
	Models(ctx context.Context) ([]string, error)
	StatusCounts(ctx context.Context) (map[Status]int, error)

	CountMolecules(ctx context.Context, q Query) (int, error)
	MoleculePage(ctx context.Context, q Query, offset, limit int) ([]MoleculeRow, error)
	CountFailed(ctx context.Context, q Query) (int, error)
	FailedPage(ctx context.Context, q Query, offset, limit int) ([]FailedRow, error)
	// ReferenceEnergy returns the lowest complete energy of an optimized
	// single-fragment molecule of the shape at the model.
	ReferenceEnergy(ctx context.Context, shape, model string) (float64, error)

	Close() error
}
