package store

import (
	"context"
	"math"
	"sort"
)

// Report applies job outcomes: success moves a dispatched job to complete
// with its energy, failure moves it to failed. Results for jobs that are not
// currently dispatched are skipped. It returns how many jobs changed state.
func (s *Store) Report(ctx context.Context, results []Result) (int, error) {
	recs := make([]ResultRecord, len(results))
	for i, r := range results {
		rec, err := s.resultRecord(r)
		if err != nil {
			return 0, err
		}
		recs[i] = rec
	}

	applied := 0
	for _, c := range chunks(len(recs), s.BatchSize()) {
		batch := recs[c[0]:c[1]]
		err := s.roundTrip(ctx, "report", len(batch), func(ctx context.Context) error {
			n, err := s.backend.ReportResults(ctx, batch)
			applied += n
			return err
		})
		if err != nil {
			return applied, err
		}
	}
	if skipped := len(recs) - applied; skipped > 0 {
		s.logger.Warn("results for jobs not dispatched were skipped", "skipped", skipped, "applied", applied)
	}
	return applied, nil
}

func (s *Store) resultRecord(r Result) (ResultRecord, error) {
	model, err := ParseModel(r.Key.Model)
	if err != nil {
		return ResultRecord{}, err
	}
	hash := r.Key.Hash
	if r.Molecule != nil {
		h, err := s.canonicalHash(r.Molecule)
		if err != nil {
			return ResultRecord{}, err
		}
		if hash != "" && hash != h {
			return ResultRecord{}, NewInvalidValueError("result hash %s does not match its molecule (%s)", hash, h)
		}
		hash = h
	}
	if hash == "" {
		return ResultRecord{}, NewInvalidValueError("result has neither hash nor molecule")
	}

	frags := append([]int(nil), r.Key.FragIndices...)
	sort.Ints(frags)
	if len(frags) == 0 {
		return ResultRecord{}, NewInvalidValueError("result for %s has no fragment indices", hash)
	}
	for i := 1; i < len(frags); i++ {
		if frags[i] == frags[i-1] {
			return ResultRecord{}, NewInvalidValueError("result for %s repeats fragment %d", hash, frags[i])
		}
	}
	if r.Key.UseCP && !model.CP {
		return ResultRecord{}, NewInvalidValueError("result for %s uses counterpoise under a non-counterpoise model", hash)
	}

	rec := ResultRecord{
		Hash:        hash,
		Model:       r.Key.Model,
		FragIndices: frags,
		UseCP:       r.Key.UseCP,
		Success:     r.Success,
		Log:         r.Log,
	}
	if r.Success {
		if r.Energy == nil || math.IsNaN(*r.Energy) || math.IsInf(*r.Energy, 0) {
			return ResultRecord{}, NewInvalidValueError("successful result for %s needs a finite energy", hash)
		}
		rec.Energy = *r.Energy
	}
	return rec, nil
}

// Reset moves jobs in the scope's states back to pending. Empty tags reset
// every matching job.
func (s *Store) Reset(ctx context.Context, scope ResetScope, tags []string) (int64, error) {
	from, err := scope.Statuses()
	if err != nil {
		return 0, err
	}
	tags, err = normalizeTags(tags, false)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.roundTrip(ctx, "reset", len(from), func(ctx context.Context) error {
		var err error
		n, err = s.backend.Reset(ctx, from, tags)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("jobs reset", "scope", string(scope), "tags", tags, "count", n)
	return n, nil
}
