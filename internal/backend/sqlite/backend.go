package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/corvohq/fitq/internal/store"
)

const now = `strftime('%Y-%m-%dT%H:%M:%f', 'now')`

// Backend implements store.Backend on SQLite.
type Backend struct {
	db *DB
}

var _ store.Backend = (*Backend)(nil)

// New opens (or creates) the database in dataDir.
func New(dataDir string) (*Backend, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, mapError("open sqlite", err)
	}
	return &Backend{db: db}, nil
}

// NewFromDB wraps an open database.
func NewFromDB(db *DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func stringArgs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// tagMatch returns a clause matching rows of alias that carry any of n tags.
func tagMatch(alias string, n int) string {
	return fmt.Sprintf(`EXISTS (SELECT 1 FROM calculation_tags t
		WHERE t.hash = %[1]s.hash AND t.model = %[1]s.model AND t.tag IN (%[2]s))`, alias, placeholders(n))
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (b *Backend) PutCalculations(ctx context.Context, recs []store.CalculationRecord) error {
	err := b.db.executeTx(ctx, func(tx *sql.Tx) error {
		shapeStmt, err := tx.PrepareContext(ctx, `INSERT INTO shapes (name, record) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`)
		if err != nil {
			return err
		}
		defer shapeStmt.Close()
		molStmt, err := tx.PrepareContext(ctx, `INSERT INTO molecules (hash, shape, coordinates) VALUES (?, ?, ?) ON CONFLICT (hash) DO NOTHING`)
		if err != nil {
			return err
		}
		defer molStmt.Close()
		calcStmt, err := tx.PrepareContext(ctx, `INSERT INTO calculations (hash, model, optimized) VALUES (?, ?, ?)
			ON CONFLICT (hash, model) DO UPDATE SET optimized = MAX(optimized, excluded.optimized)`)
		if err != nil {
			return err
		}
		defer calcStmt.Close()
		tagStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO calculation_tags (hash, model, tag) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer tagStmt.Close()
		pendingStmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs (hash, model, frag_indices, use_cp, position, status)
			VALUES (?, ?, ?, ?, ?, 'pending')
			ON CONFLICT (hash, model, frag_indices, use_cp) DO NOTHING`)
		if err != nil {
			return err
		}
		defer pendingStmt.Close()
		completeStmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs (hash, model, frag_indices, use_cp, position, status, energy)
			VALUES (?, ?, ?, ?, ?, 'complete', ?)
			ON CONFLICT (hash, model, frag_indices, use_cp) DO UPDATE SET
				status = 'complete', energy = excluded.energy, log_text = NULL, updated_at = `+now)
		if err != nil {
			return err
		}
		defer completeStmt.Close()

		for _, r := range recs {
			shape, err := json.Marshal(r.Shape)
			if err != nil {
				return err
			}
			coords, err := json.Marshal(r.Coordinates)
			if err != nil {
				return err
			}
			if _, err := shapeStmt.ExecContext(ctx, r.Shape.Name, string(shape)); err != nil {
				return err
			}
			if _, err := molStmt.ExecContext(ctx, r.Hash, r.Shape.Name, string(coords)); err != nil {
				return err
			}
			if _, err := calcStmt.ExecContext(ctx, r.Hash, r.Model, boolInt(r.Optimized)); err != nil {
				return err
			}
			for _, tag := range r.Tags {
				if _, err := tagStmt.ExecContext(ctx, r.Hash, r.Model, tag); err != nil {
					return err
				}
			}
			for _, j := range r.Jobs {
				frags := store.FragKey(j.FragIndices)
				if j.Status == store.StatusComplete {
					_, err = completeStmt.ExecContext(ctx, r.Hash, r.Model, frags, boolInt(j.UseCP), j.Position, j.Energy)
				} else {
					_, err = pendingStmt.ExecContext(ctx, r.Hash, r.Model, frags, boolInt(j.UseCP), j.Position)
				}
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	return mapError("put calculations", err)
}

func (b *Backend) ClaimPending(ctx context.Context, client string, tags []string, limit int) ([]store.ClaimedRecord, error) {
	var out []store.ClaimedRecord
	err := b.db.executeTx(ctx, func(tx *sql.Tx) error {
		args := []any{client}
		args = append(args, stringArgs(tags)...)
		args = append(args, limit)
		rows, err := tx.QueryContext(ctx, `UPDATE jobs SET status = 'dispatched', client = ?, updated_at = `+now+`
			WHERE id IN (
				SELECT j.id FROM jobs j
				WHERE j.status = 'pending' AND `+tagMatch("j", len(tags))+`
				ORDER BY j.id LIMIT ?)
			RETURNING id, hash, model, frag_indices, use_cp`, args...)
		if err != nil {
			return err
		}
		type claimed struct {
			id  int64
			rec store.ClaimedRecord
		}
		var got []claimed
		for rows.Next() {
			var c claimed
			var frags string
			var useCP int
			if err := rows.Scan(&c.id, &c.rec.Hash, &c.rec.Model, &frags, &useCP); err != nil {
				rows.Close()
				return err
			}
			if c.rec.FragIndices, err = store.ParseFragKey(frags); err != nil {
				rows.Close()
				return err
			}
			c.rec.UseCP = useCP != 0
			got = append(got, c)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(got) == 0 {
			return nil
		}
		sort.Slice(got, func(i, j int) bool { return got[i].id < got[j].id })

		hashes := make([]string, 0, len(got))
		seen := make(map[string]bool)
		for _, c := range got {
			if !seen[c.rec.Hash] {
				seen[c.rec.Hash] = true
				hashes = append(hashes, c.rec.Hash)
			}
		}
		mols, err := loadMolecules(ctx, tx, hashes)
		if err != nil {
			return err
		}
		out = make([]store.ClaimedRecord, len(got))
		for i, c := range got {
			m, ok := mols[c.rec.Hash]
			if !ok {
				return store.NewNotFoundError("molecule %s", c.rec.Hash)
			}
			c.rec.Shape = m.Shape
			c.rec.Coordinates = m.Coordinates
			out[i] = c.rec
		}
		return nil
	})
	if err != nil {
		return nil, mapError("claim pending", err)
	}
	return out, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadMolecules(ctx context.Context, q queryer, hashes []string) (map[string]*store.StoredMolecule, error) {
	rows, err := q.QueryContext(ctx, `SELECT hash, shape, coordinates FROM molecules WHERE hash IN (`+placeholders(len(hashes))+`)`,
		stringArgs(hashes)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*store.StoredMolecule, len(hashes))
	for rows.Next() {
		var m store.StoredMolecule
		var coords string
		if err := rows.Scan(&m.Hash, &m.Shape, &coords); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(coords), &m.Coordinates); err != nil {
			return nil, fmt.Errorf("decode coordinates of %s: %w", m.Hash, err)
		}
		out[m.Hash] = &m
	}
	return out, rows.Err()
}

func (b *Backend) ReportResults(ctx context.Context, results []store.ResultRecord) (int, error) {
	applied := 0
	err := b.db.executeTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE jobs SET status = ?, energy = ?, log_text = ?, updated_at = `+now+`
			WHERE hash = ? AND model = ? AND frag_indices = ? AND use_cp = ? AND status = 'dispatched'`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range results {
			status := store.StatusFailed
			var energy any
			if r.Success {
				status = store.StatusComplete
				energy = r.Energy
			}
			res, err := stmt.ExecContext(ctx, string(status), energy, r.Log,
				r.Hash, r.Model, store.FragKey(r.FragIndices), boolInt(r.UseCP))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			applied += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, mapError("report results", err)
	}
	return applied, nil
}

func (b *Backend) Reset(ctx context.Context, from []store.Status, tags []string) (int64, error) {
	args := make([]any, 0, len(from)+len(tags))
	for _, s := range from {
		args = append(args, string(s))
	}
	query := `UPDATE jobs SET status = 'pending', energy = NULL, client = NULL, log_text = NULL, updated_at = ` + now + `
		WHERE status IN (` + placeholders(len(from)) + `)`
	if len(tags) > 0 {
		query += ` AND ` + tagMatch("jobs", len(tags))
		args = append(args, stringArgs(tags)...)
	}
	var n int64
	err := b.db.executeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, mapError("reset jobs", err)
	}
	return n, nil
}

func (b *Backend) Release(ctx context.Context, recs []store.ClaimedRecord) (int, error) {
	released := 0
	err := b.db.executeTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE jobs SET status = 'pending', client = NULL, updated_at = `+now+`
			WHERE hash = ? AND model = ? AND frag_indices = ? AND use_cp = ? AND status = 'dispatched'`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range recs {
			res, err := stmt.ExecContext(ctx, r.Hash, r.Model, store.FragKey(r.FragIndices), boolInt(r.UseCP))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			released += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, mapError("release jobs", err)
	}
	return released, nil
}

func (b *Backend) AddTags(ctx context.Context, hash, model string, tags []string) error {
	err := b.db.executeTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM calculations WHERE hash = ? AND model = ?`, hash, model).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NewNotFoundError("calculation %s at %s", hash, model)
		}
		if err != nil {
			return err
		}
		for _, tag := range tags {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO calculation_tags (hash, model, tag) VALUES (?, ?, ?)`,
				hash, model, tag); err != nil {
				return err
			}
		}
		return nil
	})
	return mapError("add tags", err)
}

func (b *Backend) Shape(ctx context.Context, name string) (*store.ShapeRecord, error) {
	var raw string
	err := b.db.Read.QueryRowContext(ctx, `SELECT record FROM shapes WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("shape %q", name)
	}
	if err != nil {
		return nil, mapError("get shape", err)
	}
	var rec store.ShapeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, store.NewOperationError("decode shape "+name, err)
	}
	return &rec, nil
}

func (b *Backend) Molecule(ctx context.Context, hash string) (*store.StoredMolecule, error) {
	mols, err := loadMolecules(ctx, b.db.Read, []string{hash})
	if err != nil {
		return nil, mapError("get molecule", err)
	}
	m, ok := mols[hash]
	if !ok {
		return nil, store.NewNotFoundError("molecule %s", hash)
	}
	return m, nil
}

func (b *Backend) Models(ctx context.Context) ([]string, error) {
	rows, err := b.db.Read.QueryContext(ctx, `SELECT DISTINCT model FROM calculations ORDER BY model`)
	if err != nil {
		return nil, mapError("list models", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, mapError("list models", err)
		}
		out = append(out, m)
	}
	return out, mapError("list models", rows.Err())
}

func (b *Backend) StatusCounts(ctx context.Context) (map[store.Status]int, error) {
	rows, err := b.db.Read.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, mapError("count statuses", err)
	}
	defer rows.Close()
	out := make(map[store.Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, mapError("count statuses", err)
		}
		out[store.Status(s)] = n
	}
	return out, mapError("count statuses", rows.Err())
}

// moleculeFilter returns the FROM/WHERE part of a molecule query and its
// arguments.
func moleculeFilter(q store.Query) (string, []any) {
	completeness := `EXISTS (SELECT 1 FROM jobs j WHERE j.hash = c.hash AND j.model = c.model AND j.status = 'complete')`
	if q.Complete {
		completeness = `NOT EXISTS (SELECT 1 FROM jobs j WHERE j.hash = c.hash AND j.model = c.model AND j.status <> 'complete')`
	}
	clause := `FROM calculations c JOIN molecules m ON m.hash = c.hash
		WHERE m.shape = ? AND c.model = ? AND ` + tagMatch("c", len(q.Tags)) + ` AND ` + completeness
	args := []any{q.Shape, q.Model}
	return clause, append(args, stringArgs(q.Tags)...)
}

func (b *Backend) CountMolecules(ctx context.Context, q store.Query) (int, error) {
	clause, args := moleculeFilter(q)
	var n int
	if err := b.db.Read.QueryRowContext(ctx, `SELECT COUNT(*) `+clause, args...).Scan(&n); err != nil {
		return 0, mapError("count molecules", err)
	}
	return n, nil
}

func (b *Backend) MoleculePage(ctx context.Context, q store.Query, offset, limit int) ([]store.MoleculeRow, error) {
	clause, args := moleculeFilter(q)
	rows, err := b.db.Read.QueryContext(ctx, `SELECT c.hash, m.coordinates `+clause+` ORDER BY c.hash LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, mapError("page molecules", err)
	}
	var out []store.MoleculeRow
	index := make(map[string]int)
	for rows.Next() {
		var r store.MoleculeRow
		var coords string
		if err := rows.Scan(&r.Hash, &coords); err != nil {
			rows.Close()
			return nil, mapError("page molecules", err)
		}
		if err := json.Unmarshal([]byte(coords), &r.Coordinates); err != nil {
			rows.Close()
			return nil, store.NewOperationError("decode coordinates of "+r.Hash, err)
		}
		index[r.Hash] = len(out)
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError("page molecules", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	hashes := make([]string, len(out))
	for i, r := range out {
		hashes[i] = r.Hash
	}
	erows, err := b.db.Read.QueryContext(ctx, `SELECT hash, position, energy FROM jobs
		WHERE model = ? AND status = 'complete' AND hash IN (`+placeholders(len(hashes))+`)
		ORDER BY hash, position`, append([]any{q.Model}, stringArgs(hashes)...)...)
	if err != nil {
		return nil, mapError("page energies", err)
	}
	defer erows.Close()
	for erows.Next() {
		var hash string
		var pe store.PositionEnergy
		if err := erows.Scan(&hash, &pe.Position, &pe.Energy); err != nil {
			return nil, mapError("page energies", err)
		}
		if i, ok := index[hash]; ok {
			out[i].Energies = append(out[i].Energies, pe)
		}
	}
	return out, mapError("page energies", erows.Err())
}

func failedFilter(q store.Query) (string, []any) {
	clause := `FROM jobs j JOIN molecules m ON m.hash = j.hash
		WHERE m.shape = ? AND j.model = ? AND j.status = 'failed' AND ` + tagMatch("j", len(q.Tags))
	return clause, append([]any{q.Shape, q.Model}, stringArgs(q.Tags)...)
}

func (b *Backend) CountFailed(ctx context.Context, q store.Query) (int, error) {
	clause, args := failedFilter(q)
	var n int
	if err := b.db.Read.QueryRowContext(ctx, `SELECT COUNT(*) `+clause, args...).Scan(&n); err != nil {
		return 0, mapError("count failed", err)
	}
	return n, nil
}

func (b *Backend) FailedPage(ctx context.Context, q store.Query, offset, limit int) ([]store.FailedRow, error) {
	clause, args := failedFilter(q)
	rows, err := b.db.Read.QueryContext(ctx,
		`SELECT j.hash, m.coordinates, j.frag_indices, j.use_cp, COALESCE(j.log_text, '') `+clause+
			` ORDER BY j.id LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, mapError("page failed", err)
	}
	defer rows.Close()
	var out []store.FailedRow
	for rows.Next() {
		var r store.FailedRow
		var coords, frags string
		var useCP int
		if err := rows.Scan(&r.Hash, &coords, &frags, &useCP, &r.Log); err != nil {
			return nil, mapError("page failed", err)
		}
		if err := json.Unmarshal([]byte(coords), &r.Coordinates); err != nil {
			return nil, store.NewOperationError("decode coordinates of "+r.Hash, err)
		}
		if r.FragIndices, err = store.ParseFragKey(frags); err != nil {
			return nil, err
		}
		r.UseCP = useCP != 0
		out = append(out, r)
	}
	return out, mapError("page failed", rows.Err())
}

func (b *Backend) ReferenceEnergy(ctx context.Context, shape, model string) (float64, error) {
	var e sql.NullFloat64
	err := b.db.Read.QueryRowContext(ctx, `SELECT MIN(j.energy) FROM jobs j
		JOIN calculations c ON c.hash = j.hash AND c.model = j.model
		JOIN molecules m ON m.hash = j.hash
		WHERE m.shape = ? AND j.model = ? AND c.optimized = 1
		  AND j.status = 'complete' AND j.frag_indices = '0' AND j.use_cp = 0`, shape, model).Scan(&e)
	if err != nil {
		return 0, mapError("reference energy", err)
	}
	if !e.Valid {
		return 0, store.NewNotFoundError("no optimized reference energy for %s at %s", shape, model)
	}
	return e.Float64, nil
}
