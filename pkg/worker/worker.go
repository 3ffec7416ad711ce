// Package worker runs the claim, compute and report loop against a fitq
// queue. Energies come from a caller-supplied Calculator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/corvohq/fitq/internal/store"
)

// Queue is the job source a worker drains. *workerclient.Client and
// *store.Store both satisfy it.
type Queue interface {
	Claim(ctx context.Context, req store.ClaimRequest) ([]store.Job, error)
	Report(ctx context.Context, results []store.Result) (int, error)
}

// Calculator computes the energy of one job. The returned log is stored with
// the result; a non-nil error marks the job failed.
type Calculator interface {
	Calculate(ctx context.Context, job store.Job) (energy float64, log string, err error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(ctx context.Context, job store.Job) (float64, string, error)

func (f CalculatorFunc) Calculate(ctx context.Context, job store.Job) (float64, string, error) {
	return f(ctx, job)
}

// Config controls a Worker.
type Config struct {
	// Client names this worker on dispatched jobs. Empty picks a random name.
	Client string
	Tags   []string
	// Batch is how many jobs are claimed per round trip.
	Batch int
	// Concurrency bounds parallel calculations within a batch.
	Concurrency int
	// PollInterval is how long to wait when no work is pending. Zero makes
	// Run return once the queue is drained.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Stats summarizes a Run.
type Stats struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Applied   int `json:"applied"`
}

// Worker drains a Queue through a Calculator.
type Worker struct {
	queue Queue
	calc  Calculator
	cfg   Config
	log   *slog.Logger
}

// New returns a worker with defaults filled in.
func New(queue Queue, calc Calculator, cfg Config) (*Worker, error) {
	if queue == nil || calc == nil {
		return nil, errors.New("worker: queue and calculator are required")
	}
	if len(cfg.Tags) == 0 {
		return nil, errors.New("worker: at least one tag is required")
	}
	if cfg.Client == "" {
		cfg.Client = "fitq-" + uuid.NewString()[:8]
	}
	if cfg.Batch < 1 {
		cfg.Batch = store.DefaultBatchSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue: queue,
		calc:  calc,
		cfg:   cfg,
		log:   log.With("client", cfg.Client),
	}, nil
}

// Client returns the name jobs are claimed under.
func (w *Worker) Client() string {
	return w.cfg.Client
}

// Run claims and computes batches until the queue is drained (PollInterval
// zero) or ctx is done. Results finished before cancellation are still
// reported; jobs left dispatched can be recovered with a dispatched reset.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		jobs, err := w.queue.Claim(ctx, store.ClaimRequest{Client: w.cfg.Client, Tags: w.cfg.Tags, Count: w.cfg.Batch})
		if err != nil {
			return stats, fmt.Errorf("claim: %w", err)
		}
		if len(jobs) == 0 {
			if w.cfg.PollInterval <= 0 {
				w.log.Info("queue drained", "claimed", stats.Claimed, "failed", stats.Failed)
				return stats, nil
			}
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		stats.Claimed += len(jobs)

		results, computeErr := w.compute(ctx, jobs)
		for _, r := range results {
			if r.Success {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
		}
		// Report on a fresh context so finished work survives cancellation.
		applied, err := w.queue.Report(context.WithoutCancel(ctx), results)
		stats.Applied += applied
		if err != nil {
			return stats, fmt.Errorf("report: %w", err)
		}
		w.log.Debug("batch reported", "jobs", len(jobs), "applied", applied)
		if computeErr != nil {
			return stats, computeErr
		}
	}
}

// compute runs the calculator over a batch with bounded concurrency. It
// returns the results of every job that finished.
func (w *Worker) compute(ctx context.Context, jobs []store.Job) ([]store.Result, error) {
	results := make([]store.Result, len(jobs))
	done := make([]bool, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			energy, log, err := w.calc.Calculate(gctx, job)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = resultFor(job, energy, log, err)
			done[i] = true
			if err != nil {
				w.log.Warn("calculation failed", "shape", job.Shape, "hash", job.Key.Hash, "frags", job.Key.FragIndices, "error", err)
			}
			return nil
		})
	}
	err := g.Wait()

	out := results[:0]
	for i := range results {
		if done[i] {
			out = append(out, results[i])
		}
	}
	return out, err
}

func resultFor(job store.Job, energy float64, log string, err error) store.Result {
	r := store.Result{Key: job.Key, Log: log}
	if err != nil {
		r.Log = strings.TrimSpace(strings.Join([]string{log, err.Error()}, "\n"))
		return r
	}
	r.Success = true
	r.Energy = &energy
	return r
}
