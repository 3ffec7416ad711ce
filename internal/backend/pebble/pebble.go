// Package pebble is the calculation store backend on an embedded Pebble
// key-value store. Writes are serialized under one mutex and each call
// commits a single indexed batch.
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/corvohq/fitq/internal/kv"
	"github.com/corvohq/fitq/internal/store"
)

// calcDoc is the value stored under a calculation key.
type calcDoc struct {
	Optimized bool     `json:"optimized,omitempty"`
	Tags      []string `json:"tags"`
}

// jobDoc is the value stored under a job key. Seq is the pending-queue
// sequence while the job is pending.
type jobDoc struct {
	Position int          `json:"position"`
	Status   store.Status `json:"status"`
	Energy   *float64     `json:"energy,omitempty"`
	Log      string       `json:"log,omitempty"`
	Client   string       `json:"client,omitempty"`
	Seq      uint64       `json:"seq,omitempty"`
}

// Backend implements store.Backend on Pebble.
type Backend struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	mu        sync.Mutex
}

var _ store.Backend = (*Backend)(nil)

// Open creates or opens a Pebble database in dir.
func Open(dir string) (*Backend, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 8,
	})
	if err != nil {
		return nil, mapError("open pebble", err)
	}
	slog.Info("pebble opened", "path", dir)
	return &Backend{db: db, writeOpts: pebble.Sync}, nil
}

// SetNoSync disables fsync on commit. Tests only.
func (b *Backend) SetNoSync(noSync bool) {
	if noSync {
		b.writeOpts = pebble.NoSync
		return
	}
	b.writeOpts = pebble.Sync
}

func (b *Backend) Close() error {
	return mapError("close pebble", b.db.Close())
}

// reader is satisfied by both *pebble.DB and an indexed *pebble.Batch.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// getJSON decodes the value at key into v. found is false when the key is
// absent.
func getJSON(r reader, key []byte, v any) (found bool, err error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func setJSON(batch *pebble.Batch, key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Set(key, val, nil)
}

func getMolecule(r reader, hash string) (*store.StoredMolecule, error) {
	val, closer, err := r.Get(kv.MoleculeKey(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, store.NewNotFoundError("molecule %s", hash)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	shape, coords, err := kv.DecodeMoleculeValue(val)
	if err != nil {
		return nil, fmt.Errorf("decode molecule %s: %w", hash, err)
	}
	return &store.StoredMolecule{Hash: hash, Shape: shape, Coordinates: coords}, nil
}

// scan calls fn for every key under prefix until fn returns false.
func scan(r reader, prefix []byte, fn func(key, val []byte) (bool, error)) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: kv.PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

// nextSeq returns the next pending-queue sequence and stages it in batch.
func nextSeq(batch *pebble.Batch) (uint64, error) {
	var seq uint64
	val, closer, err := batch.Get(kv.SequenceKey())
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if len(val) != 8 {
			closer.Close()
			return 0, kv.ErrShortValue
		}
		seq = kv.GetUint64BE(val)
		closer.Close()
	}
	seq++
	return seq, batch.Set(kv.SequenceKey(), kv.PutUint64BE(nil, seq), nil)
}

func enqueue(batch *pebble.Batch, jobKey []byte, doc *jobDoc) error {
	seq, err := nextSeq(batch)
	if err != nil {
		return err
	}
	doc.Seq = seq
	return batch.Set(kv.PendingKey(seq), jobKey, nil)
}

func hasAnyTag(have, want []string) bool {
	for _, t := range want {
		if slices.Contains(have, t) {
			return true
		}
	}
	return false
}

func (b *Backend) commit(batch *pebble.Batch) error {
	return batch.Commit(b.writeOpts)
}

func (b *Backend) PutCalculations(ctx context.Context, recs []store.CalculationRecord) error {
	if err := ctx.Err(); err != nil {
		return mapError("put calculations", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewIndexedBatch()
	defer batch.Close()
	for _, r := range recs {
		if err := putCalculation(batch, r); err != nil {
			return mapError("put calculations", err)
		}
	}
	return mapError("put calculations", b.commit(batch))
}

func putCalculation(batch *pebble.Batch, r store.CalculationRecord) error {
	var shape store.ShapeRecord
	found, err := getJSON(batch, kv.ShapeKey(r.Shape.Name), &shape)
	if err != nil {
		return err
	}
	if !found {
		if err := setJSON(batch, kv.ShapeKey(r.Shape.Name), r.Shape); err != nil {
			return err
		}
	}

	molKey := kv.MoleculeKey(r.Hash)
	if _, closer, err := batch.Get(molKey); err == nil {
		closer.Close()
	} else if errors.Is(err, pebble.ErrNotFound) {
		if err := batch.Set(molKey, kv.EncodeMoleculeValue(r.Shape.Name, r.Coordinates), nil); err != nil {
			return err
		}
	} else {
		return err
	}

	var calc calcDoc
	calcKey := kv.CalculationKey(r.Hash, r.Model)
	if _, err := getJSON(batch, calcKey, &calc); err != nil {
		return err
	}
	calc.Optimized = calc.Optimized || r.Optimized
	for _, t := range r.Tags {
		if !slices.Contains(calc.Tags, t) {
			calc.Tags = append(calc.Tags, t)
		}
	}
	slices.Sort(calc.Tags)
	if err := setJSON(batch, calcKey, calc); err != nil {
		return err
	}

	for _, j := range r.Jobs {
		key := kv.JobKey(r.Hash, r.Model, store.FragKey(j.FragIndices), j.UseCP)
		var doc jobDoc
		found, err := getJSON(batch, key, &doc)
		if err != nil {
			return err
		}
		if j.Status != store.StatusComplete {
			if found {
				continue
			}
			doc = jobDoc{Position: j.Position, Status: store.StatusPending}
			if err := enqueue(batch, key, &doc); err != nil {
				return err
			}
		} else {
			if found && doc.Status == store.StatusPending && doc.Seq != 0 {
				if err := batch.Delete(kv.PendingKey(doc.Seq), nil); err != nil {
					return err
				}
			}
			energy := j.Energy
			doc = jobDoc{Position: j.Position, Status: store.StatusComplete, Energy: &energy}
		}
		if err := setJSON(batch, key, doc); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) ClaimPending(ctx context.Context, client string, tags []string, limit int) ([]store.ClaimedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("claim pending", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewIndexedBatch()
	defer batch.Close()

	tagCache := make(map[string]bool)
	var out []store.ClaimedRecord
	var pendingKeys [][]byte
	err := scan(b.db, kv.PendingPrefix(), func(pk, jobKey []byte) (bool, error) {
		hash, model, frags, useCP, ok := kv.SplitJobKey(jobKey)
		if !ok {
			return true, nil
		}
		calcKey := string(kv.CalculationKey(hash, model))
		match, seen := tagCache[calcKey]
		if !seen {
			var calc calcDoc
			if _, err := getJSON(b.db, []byte(calcKey), &calc); err != nil {
				return false, err
			}
			match = hasAnyTag(calc.Tags, tags)
			tagCache[calcKey] = match
		}
		if !match {
			return true, nil
		}
		var doc jobDoc
		found, err := getJSON(b.db, jobKey, &doc)
		if err != nil {
			return false, err
		}
		if !found || doc.Status != store.StatusPending {
			pendingKeys = append(pendingKeys, slices.Clone(pk))
			return true, nil
		}
		fragIndices, err := store.ParseFragKey(frags)
		if err != nil {
			return false, err
		}
		doc.Status = store.StatusDispatched
		doc.Client = client
		doc.Seq = 0
		if err := setJSON(batch, slices.Clone(jobKey), doc); err != nil {
			return false, err
		}
		pendingKeys = append(pendingKeys, slices.Clone(pk))
		out = append(out, store.ClaimedRecord{
			Hash:        hash,
			Model:       model,
			FragIndices: fragIndices,
			UseCP:       useCP,
		})
		return len(out) < limit, nil
	})
	if err != nil {
		return nil, mapError("claim pending", err)
	}
	for _, pk := range pendingKeys {
		if err := batch.Delete(pk, nil); err != nil {
			return nil, mapError("claim pending", err)
		}
	}
	for i := range out {
		m, err := getMolecule(b.db, out[i].Hash)
		if err != nil {
			return nil, mapError("claim pending", err)
		}
		out[i].Shape = m.Shape
		out[i].Coordinates = m.Coordinates
	}
	if err := b.commit(batch); err != nil {
		return nil, mapError("claim pending", err)
	}
	return out, nil
}

func (b *Backend) ReportResults(ctx context.Context, results []store.ResultRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapError("report results", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewIndexedBatch()
	defer batch.Close()
	applied := 0
	for _, r := range results {
		key := kv.JobKey(r.Hash, r.Model, store.FragKey(r.FragIndices), r.UseCP)
		var doc jobDoc
		found, err := getJSON(batch, key, &doc)
		if err != nil {
			return 0, mapError("report results", err)
		}
		if !found || doc.Status != store.StatusDispatched {
			continue
		}
		doc.Log = r.Log
		if r.Success {
			energy := r.Energy
			doc.Status = store.StatusComplete
			doc.Energy = &energy
		} else {
			doc.Status = store.StatusFailed
			doc.Energy = nil
		}
		if err := setJSON(batch, key, doc); err != nil {
			return 0, mapError("report results", err)
		}
		applied++
	}
	if err := b.commit(batch); err != nil {
		return 0, mapError("report results", err)
	}
	return applied, nil
}

func (b *Backend) Reset(ctx context.Context, from []store.Status, tags []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapError("reset jobs", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewIndexedBatch()
	defer batch.Close()
	tagCache := make(map[string]bool)
	var n int64
	err := scan(b.db, kv.AllJobsPrefix(), func(key, val []byte) (bool, error) {
		var doc jobDoc
		if err := json.Unmarshal(val, &doc); err != nil {
			return false, fmt.Errorf("decode %q: %w", key, err)
		}
		if !slices.Contains(from, doc.Status) {
			return true, nil
		}
		if len(tags) > 0 {
			hash, model, _, _, ok := kv.SplitJobKey(key)
			if !ok {
				return true, nil
			}
			calcKey := string(kv.CalculationKey(hash, model))
			match, seen := tagCache[calcKey]
			if !seen {
				var calc calcDoc
				if _, err := getJSON(b.db, []byte(calcKey), &calc); err != nil {
					return false, err
				}
				match = hasAnyTag(calc.Tags, tags)
				tagCache[calcKey] = match
			}
			if !match {
				return true, nil
			}
		}
		jobKey := slices.Clone(key)
		doc = jobDoc{Position: doc.Position, Status: store.StatusPending}
		if err := enqueue(batch, jobKey, &doc); err != nil {
			return false, err
		}
		if err := setJSON(batch, jobKey, doc); err != nil {
			return false, err
		}
		n++
		return true, nil
	})
	if err != nil {
		return 0, mapError("reset jobs", err)
	}
	if err := b.commit(batch); err != nil {
		return 0, mapError("reset jobs", err)
	}
	return n, nil
}

func (b *Backend) Release(ctx context.Context, recs []store.ClaimedRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapError("release jobs", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewIndexedBatch()
	defer batch.Close()
	released := 0
	for _, r := range recs {
		key := kv.JobKey(r.Hash, r.Model, store.FragKey(r.FragIndices), r.UseCP)
		var doc jobDoc
		found, err := getJSON(batch, key, &doc)
		if err != nil {
			return 0, mapError("release jobs", err)
		}
		if !found || doc.Status != store.StatusDispatched {
			continue
		}
		doc = jobDoc{Position: doc.Position, Status: store.StatusPending, Log: doc.Log}
		if err := enqueue(batch, key, &doc); err != nil {
			return 0, mapError("release jobs", err)
		}
		if err := setJSON(batch, key, doc); err != nil {
			return 0, mapError("release jobs", err)
		}
		released++
	}
	if err := b.commit(batch); err != nil {
		return 0, mapError("release jobs", err)
	}
	return released, nil
}

func (b *Backend) AddTags(ctx context.Context, hash, model string, tags []string) error {
	if err := ctx.Err(); err != nil {
		return mapError("add tags", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := kv.CalculationKey(hash, model)
	var calc calcDoc
	found, err := getJSON(b.db, key, &calc)
	if err != nil {
		return mapError("add tags", err)
	}
	if !found {
		return store.NewNotFoundError("calculation %s at %s", hash, model)
	}
	for _, t := range tags {
		if !slices.Contains(calc.Tags, t) {
			calc.Tags = append(calc.Tags, t)
		}
	}
	slices.Sort(calc.Tags)
	val, err := json.Marshal(calc)
	if err != nil {
		return mapError("add tags", err)
	}
	return mapError("add tags", b.db.Set(key, val, b.writeOpts))
}

func (b *Backend) Shape(ctx context.Context, name string) (*store.ShapeRecord, error) {
	var rec store.ShapeRecord
	found, err := getJSON(b.db, kv.ShapeKey(name), &rec)
	if err != nil {
		return nil, mapError("get shape", err)
	}
	if !found {
		return nil, store.NewNotFoundError("shape %q", name)
	}
	return &rec, nil
}

func (b *Backend) Molecule(ctx context.Context, hash string) (*store.StoredMolecule, error) {
	m, err := getMolecule(b.db, hash)
	if err != nil {
		return nil, mapError("get molecule", err)
	}
	return m, nil
}

func (b *Backend) Models(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	err := scan(b.db, kv.CalculationPrefix(), func(key, _ []byte) (bool, error) {
		if _, model, ok := kv.SplitCalculationKey(key); ok && !seen[model] {
			seen[model] = true
			out = append(out, model)
		}
		return true, nil
	})
	if err != nil {
		return nil, mapError("list models", err)
	}
	slices.Sort(out)
	return out, nil
}

func (b *Backend) StatusCounts(ctx context.Context) (map[store.Status]int, error) {
	out := make(map[store.Status]int)
	err := scan(b.db, kv.AllJobsPrefix(), func(key, val []byte) (bool, error) {
		var doc jobDoc
		if err := json.Unmarshal(val, &doc); err != nil {
			return false, fmt.Errorf("decode %q: %w", key, err)
		}
		out[doc.Status]++
		return true, nil
	})
	if err != nil {
		return nil, mapError("count statuses", err)
	}
	return out, nil
}

// calcJobs holds the jobs of one calculation in key order.
type calcJobs struct {
	hash   string
	docs   []jobDoc
	frags  []string
	useCPs []bool
}

func loadJobs(r reader, hash, model string) (*calcJobs, error) {
	cj := &calcJobs{hash: hash}
	err := scan(r, kv.JobPrefix(hash, model), func(key, val []byte) (bool, error) {
		_, _, frags, useCP, ok := kv.SplitJobKey(key)
		if !ok {
			return true, nil
		}
		var doc jobDoc
		if err := json.Unmarshal(val, &doc); err != nil {
			return false, fmt.Errorf("decode %q: %w", key, err)
		}
		cj.docs = append(cj.docs, doc)
		cj.frags = append(cj.frags, frags)
		cj.useCPs = append(cj.useCPs, useCP)
		return true, nil
	})
	return cj, err
}

// matching walks calculations in hash order and calls fn for each one whose
// molecule has the query's shape and whose tags intersect the query's.
func (b *Backend) matching(q store.Query, fn func(hash string, calc calcDoc, mol *store.StoredMolecule) (bool, error)) error {
	return scan(b.db, kv.CalculationPrefix(), func(key, val []byte) (bool, error) {
		hash, model, ok := kv.SplitCalculationKey(key)
		if !ok || model != q.Model {
			return true, nil
		}
		var calc calcDoc
		if err := json.Unmarshal(val, &calc); err != nil {
			return false, fmt.Errorf("decode %q: %w", key, err)
		}
		if q.Tags != nil && !hasAnyTag(calc.Tags, q.Tags) {
			return true, nil
		}
		mol, err := getMolecule(b.db, hash)
		if err != nil {
			return false, err
		}
		if mol.Shape != q.Shape {
			return true, nil
		}
		return fn(hash, calc, mol)
	})
}

func (cj *calcJobs) matches(complete bool) bool {
	some, all := false, len(cj.docs) > 0
	for _, d := range cj.docs {
		if d.Status == store.StatusComplete {
			some = true
		} else {
			all = false
		}
	}
	if complete {
		return all
	}
	return some
}

func (b *Backend) CountMolecules(ctx context.Context, q store.Query) (int, error) {
	n := 0
	err := b.matching(q, func(hash string, _ calcDoc, _ *store.StoredMolecule) (bool, error) {
		cj, err := loadJobs(b.db, hash, q.Model)
		if err != nil {
			return false, err
		}
		if cj.matches(q.Complete) {
			n++
		}
		return ctx.Err() == nil, nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return 0, mapError("count molecules", err)
	}
	return n, nil
}

func (b *Backend) MoleculePage(ctx context.Context, q store.Query, offset, limit int) ([]store.MoleculeRow, error) {
	var out []store.MoleculeRow
	skipped := 0
	err := b.matching(q, func(hash string, _ calcDoc, mol *store.StoredMolecule) (bool, error) {
		cj, err := loadJobs(b.db, hash, q.Model)
		if err != nil {
			return false, err
		}
		if !cj.matches(q.Complete) {
			return true, nil
		}
		if skipped < offset {
			skipped++
			return true, nil
		}
		row := store.MoleculeRow{Hash: hash, Coordinates: mol.Coordinates}
		for _, d := range cj.docs {
			if d.Status == store.StatusComplete && d.Energy != nil {
				row.Energies = append(row.Energies, store.PositionEnergy{Position: d.Position, Energy: *d.Energy})
			}
		}
		slices.SortFunc(row.Energies, func(a, b store.PositionEnergy) int { return a.Position - b.Position })
		out = append(out, row)
		return len(out) < limit && ctx.Err() == nil, nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, mapError("page molecules", err)
	}
	return out, nil
}

// failedJobs walks failed jobs of matching molecules in key order.
func (b *Backend) failedJobs(q store.Query, fn func(row store.FailedRow) bool) error {
	return b.matching(q, func(hash string, _ calcDoc, mol *store.StoredMolecule) (bool, error) {
		cj, err := loadJobs(b.db, hash, q.Model)
		if err != nil {
			return false, err
		}
		for i, d := range cj.docs {
			if d.Status != store.StatusFailed {
				continue
			}
			frags, err := store.ParseFragKey(cj.frags[i])
			if err != nil {
				return false, err
			}
			row := store.FailedRow{
				Hash:        hash,
				Coordinates: mol.Coordinates,
				FragIndices: frags,
				UseCP:       cj.useCPs[i],
				Log:         d.Log,
			}
			if !fn(row) {
				return false, nil
			}
		}
		return true, nil
	})
}

func (b *Backend) CountFailed(ctx context.Context, q store.Query) (int, error) {
	n := 0
	err := b.failedJobs(q, func(store.FailedRow) bool {
		n++
		return true
	})
	if err != nil {
		return 0, mapError("count failed", err)
	}
	return n, nil
}

func (b *Backend) FailedPage(ctx context.Context, q store.Query, offset, limit int) ([]store.FailedRow, error) {
	var out []store.FailedRow
	skipped := 0
	err := b.failedJobs(q, func(row store.FailedRow) bool {
		if skipped < offset {
			skipped++
			return true
		}
		out = append(out, row)
		return len(out) < limit
	})
	if err != nil {
		return nil, mapError("page failed", err)
	}
	return out, nil
}

func (b *Backend) ReferenceEnergy(ctx context.Context, shape, model string) (float64, error) {
	best := math.Inf(1)
	found := false
	q := store.Query{Shape: shape, Model: model}
	err := b.matching(q, func(hash string, calc calcDoc, _ *store.StoredMolecule) (bool, error) {
		if !calc.Optimized {
			return true, nil
		}
		var doc jobDoc
		ok, err := getJSON(b.db, kv.JobKey(hash, model, "0", false), &doc)
		if err != nil {
			return false, err
		}
		if ok && doc.Status == store.StatusComplete && doc.Energy != nil && *doc.Energy < best {
			best = *doc.Energy
			found = true
		}
		return true, nil
	})
	if err != nil {
		return 0, mapError("reference energy", err)
	}
	if !found {
		return 0, store.NewNotFoundError("no optimized reference energy for %s at %s", shape, model)
	}
	return best, nil
}

// mapError translates Pebble failures into the store error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if store.Code(err) != "" {
		return err
	}
	if errors.Is(err, pebble.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return store.NewConnectionError(op, err)
	}
	return store.NewOperationError(op, err)
}
