package store

import (
	"context"
	"errors"
	"iter"

	"go.opentelemetry.io/otel/attribute"
)

// Claim atomically moves up to req.Count pending jobs carrying any of
// req.Tags to dispatched and returns them with their molecules rebuilt in
// canonical order. No pending work yields an empty slice, not an error.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) ([]Job, error) {
	if req.Count < 1 {
		return nil, NewInvalidValueError("claim count must be at least 1, got %d", req.Count)
	}
	tags, err := normalizeTags(req.Tags, true)
	if err != nil {
		return nil, err
	}

	var recs []ClaimedRecord
	err = s.roundTrip(ctx, "claim", req.Count, func(ctx context.Context) error {
		var err error
		recs, err = s.backend.ClaimPending(ctx, req.Client, tags, req.Count)
		return err
	}, attribute.String("fitq.client", req.Client))
	if err != nil {
		return nil, err
	}

	jobs, err := s.describeAll(ctx, recs)
	if err != nil {
		if rerr := s.release(context.WithoutCancel(ctx), recs); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, err
	}
	if len(jobs) > 0 {
		s.logger.Debug("jobs claimed", "client", req.Client, "count", len(jobs))
	}
	return jobs, nil
}

// describeAll rebuilds the molecules of claimed jobs. A shape that cannot be
// loaded fails the whole claim. Jobs whose model or coordinates cannot be
// rebuilt are marked failed and left out of the result.
func (s *Store) describeAll(ctx context.Context, recs []ClaimedRecord) ([]Job, error) {
	templates := make(map[string]*template)
	for _, r := range recs {
		if _, ok := templates[r.Shape]; ok {
			continue
		}
		t, err := s.template(ctx, r.Shape)
		if err != nil {
			return nil, err
		}
		templates[r.Shape] = t
	}

	jobs := make([]Job, 0, len(recs))
	var broken []ResultRecord
	for _, r := range recs {
		job, err := describe(r, templates[r.Shape])
		if err != nil {
			s.logger.Warn("claimed job cannot be rebuilt; marking failed", "hash", r.Hash, "model", r.Model, "error", err)
			broken = append(broken, ResultRecord{
				Hash:        r.Hash,
				Model:       r.Model,
				FragIndices: r.FragIndices,
				UseCP:       r.UseCP,
				Log:         err.Error(),
			})
			continue
		}
		jobs = append(jobs, job)
	}
	if len(broken) > 0 {
		err := s.roundTrip(ctx, "report", len(broken), func(ctx context.Context) error {
			_, err := s.backend.ReportResults(ctx, broken)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// release hands claimed jobs back to the pending queue.
func (s *Store) release(ctx context.Context, recs []ClaimedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.roundTrip(ctx, "release", len(recs), func(ctx context.Context) error {
		n, err := s.backend.Release(ctx, recs)
		if err == nil {
			s.logger.Warn("claimed jobs released after failed claim", "released", n)
		}
		return err
	})
}

// ClaimStrict is Claim that fails with a NO_PENDING_WORK error when nothing
// was pending.
func (s *Store) ClaimStrict(ctx context.Context, req ClaimRequest) ([]Job, error) {
	jobs, err := s.Claim(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, NewNoPendingWorkError(req.Count, 0)
	}
	return jobs, nil
}

// ClaimAll claims jobs in batches until no pending work remains or budget
// jobs have been claimed. A budget below 1 means no limit. Claiming stops
// when the caller stops iterating; jobs already claimed in the current batch
// stay dispatched.
func (s *Store) ClaimAll(ctx context.Context, client string, tags []string, budget int) iter.Seq2[Job, error] {
	return func(yield func(Job, error) bool) {
		claimed := 0
		for budget < 1 || claimed < budget {
			count := s.BatchSize()
			if budget > 0 && budget-claimed < count {
				count = budget - claimed
			}
			jobs, err := s.Claim(ctx, ClaimRequest{Client: client, Tags: tags, Count: count})
			if err != nil {
				yield(Job{}, err)
				return
			}
			if len(jobs) == 0 {
				return
			}
			for _, j := range jobs {
				if !yield(j, nil) {
					return
				}
			}
			claimed += len(jobs)
		}
	}
}

// describe rebuilds the canonical molecule of a claimed job from its shape
// template.
func describe(r ClaimedRecord, t *template) (Job, error) {
	model, err := ParseModel(r.Model)
	if err != nil {
		return Job{}, err
	}
	m, err := t.instantiate(r.Coordinates)
	if err != nil {
		return Job{}, domainError("rebuild molecule "+r.Hash, err)
	}
	return Job{
		Key: JobKey{
			Hash:        r.Hash,
			Model:       r.Model,
			FragIndices: r.FragIndices,
			UseCP:       r.UseCP,
		},
		Shape:    r.Shape,
		Method:   model.Method,
		Basis:    model.Basis,
		CP:       model.CP,
		Molecule: m,
	}, nil
}
