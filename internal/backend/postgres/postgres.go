// Package postgres is the calculation store backend on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so any number of store processes can share one
// database.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corvohq/fitq/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Backend implements store.Backend on a pgx connection pool.
type Backend struct {
	pool *pgxpool.Pool
}

var _ store.Backend = (*Backend)(nil)

// Open connects to dsn, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, store.NewInvalidValueError("parse postgres dsn: %v", err)
	}
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, mapError("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, mapError("ping postgres", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, mapError("migrate postgres", err)
	}
	slog.Info("connected to postgres", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &Backend{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		base := filepath.Base(name)
		version, err := strconv.Atoi(strings.SplitN(base, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("migration %s: bad version prefix", base)
		}
		if version <= current {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %03d: %w", version, err)
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %03d: %w", version, err)
		}
		slog.Info("applied migration", "version", version)
	}
	return nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func int32s(v []int) []int32 {
	out := make([]int32, len(v))
	for i, x := range v {
		out[i] = int32(x)
	}
	return out
}

func ints(v []int32) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// sendBatch runs every queued statement of batch in tx and returns the
// summed affected row counts.
func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) (int64, error) {
	results := tx.SendBatch(ctx, batch)
	var n int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("statement %d: %w", i, err)
		}
		n += tag.RowsAffected()
	}
	return n, results.Close()
}

const putShape = `INSERT INTO shapes (name, record) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`

const putMolecule = `INSERT INTO molecules (hash, shape, coordinates) VALUES ($1, $2, $3) ON CONFLICT (hash) DO NOTHING`

const putCalculation = `INSERT INTO calculations (hash, model, optimized, tags) VALUES ($1, $2, $3, $4)
	ON CONFLICT (hash, model) DO UPDATE SET
		optimized = calculations.optimized OR excluded.optimized,
		tags = ARRAY(SELECT DISTINCT t FROM unnest(calculations.tags || excluded.tags) AS t ORDER BY t)`

const putPending = `INSERT INTO jobs (hash, model, frag_indices, use_cp, position, status)
	VALUES ($1, $2, $3, $4, $5, 'pending')
	ON CONFLICT (hash, model, frag_indices, use_cp) DO NOTHING`

const putComplete = `INSERT INTO jobs (hash, model, frag_indices, use_cp, position, status, energy)
	VALUES ($1, $2, $3, $4, $5, 'complete', $6)
	ON CONFLICT (hash, model, frag_indices, use_cp) DO UPDATE SET
		status = 'complete', energy = excluded.energy, log_text = NULL, updated_at = now()`

func (b *Backend) PutCalculations(ctx context.Context, recs []store.CalculationRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		shape, err := json.Marshal(r.Shape)
		if err != nil {
			return store.NewOperationError("encode shape "+r.Shape.Name, err)
		}
		batch.Queue(putShape, r.Shape.Name, shape)
		batch.Queue(putMolecule, r.Hash, r.Shape.Name, r.Coordinates)
		batch.Queue(putCalculation, r.Hash, r.Model, r.Optimized, r.Tags)
		for _, j := range r.Jobs {
			if j.Status == store.StatusComplete {
				batch.Queue(putComplete, r.Hash, r.Model, int32s(j.FragIndices), j.UseCP, j.Position, j.Energy)
			} else {
				batch.Queue(putPending, r.Hash, r.Model, int32s(j.FragIndices), j.UseCP, j.Position)
			}
		}
	}
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		_, err := sendBatch(ctx, tx, batch)
		return err
	})
	return mapError("put calculations", err)
}

func (b *Backend) ClaimPending(ctx context.Context, client string, tags []string, limit int) ([]store.ClaimedRecord, error) {
	rows, err := b.pool.Query(ctx, `
		WITH claimable AS (
			SELECT j.id FROM jobs j
			JOIN calculations c ON c.hash = j.hash AND c.model = j.model
			WHERE j.status = 'pending' AND c.tags && $2
			ORDER BY j.id
			LIMIT $3
			FOR UPDATE OF j SKIP LOCKED
		)
		UPDATE jobs SET status = 'dispatched', client = $1, updated_at = now()
		FROM claimable, molecules m
		WHERE jobs.id = claimable.id AND m.hash = jobs.hash
		RETURNING jobs.id, jobs.hash, jobs.model, jobs.frag_indices, jobs.use_cp, m.shape, m.coordinates`,
		client, tags, limit)
	if err != nil {
		return nil, mapError("claim pending", err)
	}
	defer rows.Close()

	type claimed struct {
		id  int64
		rec store.ClaimedRecord
	}
	var got []claimed
	for rows.Next() {
		var c claimed
		var frags []int32
		if err := rows.Scan(&c.id, &c.rec.Hash, &c.rec.Model, &frags, &c.rec.UseCP, &c.rec.Shape, &c.rec.Coordinates); err != nil {
			return nil, mapError("claim pending", err)
		}
		c.rec.FragIndices = ints(frags)
		got = append(got, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("claim pending", err)
	}
	sort.Slice(got, func(i, j int) bool { return got[i].id < got[j].id })
	out := make([]store.ClaimedRecord, len(got))
	for i, c := range got {
		out[i] = c.rec
	}
	return out, nil
}

func (b *Backend) ReportResults(ctx context.Context, results []store.ResultRecord) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range results {
		status := store.StatusFailed
		var energy *float64
		if r.Success {
			status = store.StatusComplete
			e := r.Energy
			energy = &e
		}
		batch.Queue(`UPDATE jobs SET status = $1, energy = $2, log_text = $3, updated_at = now()
			WHERE hash = $4 AND model = $5 AND frag_indices = $6 AND use_cp = $7 AND status = 'dispatched'`,
			string(status), energy, r.Log, r.Hash, r.Model, int32s(r.FragIndices), r.UseCP)
	}
	var applied int64
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		var err error
		applied, err = sendBatch(ctx, tx, batch)
		return err
	})
	if err != nil {
		return 0, mapError("report results", err)
	}
	return int(applied), nil
}

func (b *Backend) Reset(ctx context.Context, from []store.Status, tags []string) (int64, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	query := `UPDATE jobs SET status = 'pending', energy = NULL, client = NULL, log_text = NULL, updated_at = now()
		WHERE status = ANY($1)`
	args := []any{statuses}
	if len(tags) > 0 {
		query += ` AND EXISTS (SELECT 1 FROM calculations c
			WHERE c.hash = jobs.hash AND c.model = jobs.model AND c.tags && $2)`
		args = append(args, tags)
	}
	tag, err := b.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapError("reset jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (b *Backend) Release(ctx context.Context, recs []store.ClaimedRecord) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`UPDATE jobs SET status = 'pending', client = NULL, updated_at = now()
			WHERE hash = $1 AND model = $2 AND frag_indices = $3 AND use_cp = $4 AND status = 'dispatched'`,
			r.Hash, r.Model, int32s(r.FragIndices), r.UseCP)
	}
	var released int64
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		var err error
		released, err = sendBatch(ctx, tx, batch)
		return err
	})
	if err != nil {
		return 0, mapError("release jobs", err)
	}
	return int(released), nil
}

func (b *Backend) AddTags(ctx context.Context, hash, model string, tags []string) error {
	tag, err := b.pool.Exec(ctx, `UPDATE calculations
		SET tags = ARRAY(SELECT DISTINCT t FROM unnest(tags || $3::text[]) AS t ORDER BY t)
		WHERE hash = $1 AND model = $2`, hash, model, tags)
	if err != nil {
		return mapError("add tags", err)
	}
	if tag.RowsAffected() == 0 {
		return store.NewNotFoundError("calculation %s at %s", hash, model)
	}
	return nil
}

func (b *Backend) Shape(ctx context.Context, name string) (*store.ShapeRecord, error) {
	var raw []byte
	err := b.pool.QueryRow(ctx, `SELECT record FROM shapes WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NewNotFoundError("shape %q", name)
	}
	if err != nil {
		return nil, mapError("get shape", err)
	}
	var rec store.ShapeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, store.NewOperationError("decode shape "+name, err)
	}
	return &rec, nil
}

func (b *Backend) Molecule(ctx context.Context, hash string) (*store.StoredMolecule, error) {
	m := store.StoredMolecule{Hash: hash}
	err := b.pool.QueryRow(ctx, `SELECT shape, coordinates FROM molecules WHERE hash = $1`, hash).
		Scan(&m.Shape, &m.Coordinates)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NewNotFoundError("molecule %s", hash)
	}
	if err != nil {
		return nil, mapError("get molecule", err)
	}
	return &m, nil
}

func (b *Backend) Models(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT DISTINCT model FROM calculations ORDER BY model`)
	if err != nil {
		return nil, mapError("list models", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError("list models", err)
	}
	return out, nil
}

func (b *Backend) StatusCounts(ctx context.Context) (map[store.Status]int, error) {
	rows, err := b.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, mapError("count statuses", err)
	}
	defer rows.Close()
	out := make(map[store.Status]int)
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, mapError("count statuses", err)
		}
		out[store.Status(s)] = int(n)
	}
	return out, mapError("count statuses", rows.Err())
}

func moleculeFilter(q store.Query) string {
	completeness := `EXISTS (SELECT 1 FROM jobs j WHERE j.hash = c.hash AND j.model = c.model AND j.status = 'complete')`
	if q.Complete {
		completeness = `NOT EXISTS (SELECT 1 FROM jobs j WHERE j.hash = c.hash AND j.model = c.model AND j.status <> 'complete')`
	}
	return `FROM calculations c JOIN molecules m ON m.hash = c.hash
		WHERE m.shape = $1 AND c.model = $2 AND c.tags && $3 AND ` + completeness
}

func (b *Backend) CountMolecules(ctx context.Context, q store.Query) (int, error) {
	var n int64
	err := b.pool.QueryRow(ctx, `SELECT COUNT(*) `+moleculeFilter(q), q.Shape, q.Model, q.Tags).Scan(&n)
	if err != nil {
		return 0, mapError("count molecules", err)
	}
	return int(n), nil
}

func (b *Backend) MoleculePage(ctx context.Context, q store.Query, offset, limit int) ([]store.MoleculeRow, error) {
	rows, err := b.pool.Query(ctx, `SELECT c.hash, m.coordinates `+moleculeFilter(q)+` ORDER BY c.hash LIMIT $4 OFFSET $5`,
		q.Shape, q.Model, q.Tags, limit, offset)
	if err != nil {
		return nil, mapError("page molecules", err)
	}
	var out []store.MoleculeRow
	index := make(map[string]int)
	for rows.Next() {
		var r store.MoleculeRow
		if err := rows.Scan(&r.Hash, &r.Coordinates); err != nil {
			rows.Close()
			return nil, mapError("page molecules", err)
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
	erows, err := b.pool.Query(ctx, `SELECT hash, position, energy FROM jobs
		WHERE model = $1 AND status = 'complete' AND hash = ANY($2)
		ORDER BY hash, position`, q.Model, hashes)
	if err != nil {
		return nil, mapError("page energies", err)
	}
	defer erows.Close()
	for erows.Next() {
		var hash string
		var pos int32
		var energy float64
		if err := erows.Scan(&hash, &pos, &energy); err != nil {
			return nil, mapError("page energies", err)
		}
		if i, ok := index[hash]; ok {
			out[i].Energies = append(out[i].Energies, store.PositionEnergy{Position: int(pos), Energy: energy})
		}
	}
	return out, mapError("page energies", erows.Err())
}

const failedFilter = `FROM jobs j
	JOIN molecules m ON m.hash = j.hash
	JOIN calculations c ON c.hash = j.hash AND c.model = j.model
	WHERE m.shape = $1 AND j.model = $2 AND j.status = 'failed' AND c.tags && $3`

func (b *Backend) CountFailed(ctx context.Context, q store.Query) (int, error) {
	var n int64
	if err := b.pool.QueryRow(ctx, `SELECT COUNT(*) `+failedFilter, q.Shape, q.Model, q.Tags).Scan(&n); err != nil {
		return 0, mapError("count failed", err)
	}
	return int(n), nil
}

func (b *Backend) FailedPage(ctx context.Context, q store.Query, offset, limit int) ([]store.FailedRow, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT j.hash, m.coordinates, j.frag_indices, j.use_cp, COALESCE(j.log_text, '') `+failedFilter+
			` ORDER BY j.id LIMIT $4 OFFSET $5`, q.Shape, q.Model, q.Tags, limit, offset)
	if err != nil {
		return nil, mapError("page failed", err)
	}
	defer rows.Close()
	var out []store.FailedRow
	for rows.Next() {
		var r store.FailedRow
		var frags []int32
		if err := rows.Scan(&r.Hash, &r.Coordinates, &frags, &r.UseCP, &r.Log); err != nil {
			return nil, mapError("page failed", err)
		}
		r.FragIndices = ints(frags)
		out = append(out, r)
	}
	return out, mapError("page failed", rows.Err())
}

func (b *Backend) ReferenceEnergy(ctx context.Context, shape, model string) (float64, error) {
	var e *float64
	err := b.pool.QueryRow(ctx, `SELECT MIN(j.energy) FROM jobs j
		JOIN calculations c ON c.hash = j.hash AND c.model = j.model
		JOIN molecules m ON m.hash = j.hash
		WHERE m.shape = $1 AND j.model = $2 AND c.optimized
		  AND j.status = 'complete' AND j.frag_indices = '{0}' AND NOT j.use_cp`, shape, model).Scan(&e)
	if err != nil {
		return 0, mapError("reference energy", err)
	}
	if e == nil {
		return 0, store.NewNotFoundError("no optimized reference energy for %s at %s", shape, model)
	}
	return *e, nil
}

// mapError translates pgx failures into the store error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if store.Code(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return store.NewConnectionError(op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return store.NewConnectionError(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 53: insufficient resources, 57P: operator intervention.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") || strings.HasPrefix(pgErr.Code, "57P") {
			return store.NewConnectionError(op, err)
		}
		return store.NewOperationError(op, err)
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return store.NewConnectionError(op, err)
	}
	return store.NewOperationError(op, err)
}

// Truncate removes every stored row. Tests only.
func (b *Backend) Truncate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `TRUNCATE jobs, calculations, molecules, shapes RESTART IDENTITY`)
	return mapError("truncate", err)
}
