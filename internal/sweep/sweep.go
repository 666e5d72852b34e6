// Package sweep runs proofs over many (model, tricks) pairs in parallel.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/23skdu/longbow-assay/internal/config"
	"github.com/23skdu/longbow-assay/internal/instr"
	"github.com/23skdu/longbow-assay/internal/logger"
	"github.com/23skdu/longbow-assay/internal/memo"
	"github.com/23skdu/longbow-assay/internal/metrics"
	"github.com/23skdu/longbow-assay/internal/model"
	"github.com/23skdu/longbow-assay/internal/report"
	"github.com/23skdu/longbow-assay/internal/tricks"
	"github.com/23skdu/longbow-assay/internal/verify"
	"golang.org/x/sync/errgroup"
)

// Job is one proof to run.
type Job struct {
	Model  *model.Model
	Tricks tricks.Tricks
}

func (j Job) String() string {
	return fmt.Sprintf("%s/seed=%d/%s", j.Model.Name(), j.Model.Config.Seed, j.Tricks)
}

// JobError records a failed job. Failures never cancel sibling jobs.
type JobError struct {
	Job Job
	Err error
}

func (e *JobError) Error() string { return e.Job.String() + ": " + e.Err.Error() }
func (e *JobError) Unwrap() error { return e.Err }

// Observer is told about sweep progress, e.g. by a health monitor.
type Observer interface {
	SweepStarted(jobs int)
	JobFinished(job string, d time.Duration, cached bool, err error)
}

// Runner executes jobs on a bounded worker pool.
type Runner struct {
	cfg      config.SweepConfig
	cache    *memo.Cache
	observer Observer
	prove    proveFunc
}

type proveFunc func(context.Context, *model.Model, tricks.Tricks, verify.Options) (*verify.Result, error)

// NewRunner validates cfg. cache may be nil for an in-memory-only cache.
func NewRunner(cfg config.SweepConfig, cache *memo.Cache, observer Observer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		cache = memo.New()
	}
	return &Runner{cfg: cfg, cache: cache, observer: observer, prove: verify.Verify}, nil
}

// Outcome holds a row per successful job, in job order, and the failures.
type Outcome struct {
	Rows   []report.Row
	Errors []*JobError
	Cached int
}

// Err joins the job errors, nil when every job succeeded.
func (o *Outcome) Err() error {
	errs := make([]error, len(o.Errors))
	for i, e := range o.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Jobs pairs every model with every tricks configuration.
func Jobs(models []*model.Model, ts []tricks.Tricks) []Job {
	out := make([]Job, 0, len(models)*len(ts))
	for _, m := range models {
		for _, t := range ts {
			out = append(out, Job{Model: m, Tricks: t})
		}
	}
	return out
}

// Run executes jobs with at most cfg.Workers in flight. It returns an error
// only when ctx ends; individual job failures land in Outcome.Errors.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Outcome, error) {
	if r.observer != nil {
		r.observer.SweepStarted(len(jobs))
	}
	bf := r.bruteForce(ctx, jobs)

	rows := make([]*report.Row, len(jobs))
	errs := make([]*JobError, len(jobs))
	cached := make([]bool, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, job := range jobs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			start := time.Now()
			row, hit, err := r.runOne(gctx, job, bf)
			if r.observer != nil {
				r.observer.JobFinished(job.String(), time.Since(start), hit, err)
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				errs[i] = &JobError{Job: job, Err: err}
				return nil
			}
			rows[i], cached[i] = &row, hit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Outcome{}
	for i := range jobs {
		switch {
		case errs[i] != nil:
			out.Errors = append(out.Errors, errs[i])
		case rows[i] != nil:
			out.Rows = append(out.Rows, *rows[i])
			if cached[i] {
				out.Cached++
			}
		}
	}
	logger.Log.Info("sweep finished",
		"jobs", len(jobs),
		"succeeded", len(out.Rows),
		"failed", len(out.Errors),
		"cached", out.Cached)
	return out, nil
}

// runOne proves one job through the cache. Panics become errors.
func (r *Runner) runOne(ctx context.Context, job Job, bfs *bruteForceResults) (row report.Row, hit bool, err error) {
	log := logger.Log.With("model", job.Model.Name(), "seed", job.Model.Config.Seed, "tricks", job.Tricks.String())
	metrics.SweepInFlight.Inc()
	defer metrics.SweepInFlight.Dec()
	defer func() {
		if p := recover(); p != nil {
			metrics.RecordSweepFailure("panic")
			log.Error("proof panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if err := job.Model.Validate(); err != nil {
		metrics.RecordSweepFailure("proof")
		return report.Row{}, false, err
	}
	bf := bfs.get(job.Model)
	key := memo.Key(job.Model.ContentID(), job.Tricks.String(), fmt.Sprint(r.cfg.CountInstructions))
	row, hit, err = memo.Do(ctx, r.cache, key, report.RowCodec{}, func(ctx context.Context) (report.Row, error) {
		opts := verify.Options{Check: r.cfg.Check}
		if r.cfg.CountInstructions {
			opts.Counter = instr.New()
		}
		res, err := r.prove(ctx, job.Model, job.Tricks, opts)
		if err != nil {
			return report.Row{}, err
		}
		return report.FromResult(res, job.Model.Config, bf), nil
	})
	if err != nil {
		metrics.RecordSweepFailure("proof")
		log.Error("proof failed", "error", err)
		return report.Row{}, false, err
	}
	// the cached row may come from a run under another name or seed
	row.Model, row.Seed = job.Model.Name(), job.Model.Config.Seed
	if bf != nil {
		row.BruteForceAccuracy, row.BruteForceLoss = bf.Accuracy, bf.Loss
	}
	log.Debug("proof done", "bound", row.AccuracyBound, "cached", hit)
	return row, hit, nil
}

// bruteForceResults holds at most one reference run per distinct model.
type bruteForceResults struct {
	mu   sync.Mutex
	byID map[string]*verify.BruteForceResult
}

func (b *bruteForceResults) get(m *model.Model) *verify.BruteForceResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byID[m.ContentID()]
}

// bruteForce enumerates every distinct model small enough for the limit.
// Failures are logged and leave the brute-force columns empty.
func (r *Runner) bruteForce(ctx context.Context, jobs []Job) *bruteForceResults {
	out := &bruteForceResults{byID: make(map[string]*verify.BruteForceResult)}
	if r.cfg.BruteForceLimit == 0 {
		return out
	}
	seen := make(map[string]*model.Model)
	for _, j := range jobs {
		if j.Model.Validate() != nil {
			continue
		}
		total, err := verify.TotalSequences(j.Model.Config.VocabSize, j.Model.Config.NCtx)
		if err != nil || total > r.cfg.BruteForceLimit {
			continue
		}
		seen[j.Model.ContentID()] = j.Model
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for id, m := range seen {
		g.Go(func() error {
			res, err := verify.BruteForce(ctx, m, r.cfg.BruteForceLimit)
			if err != nil {
				metrics.RecordSweepFailure("brute_force")
				logger.Log.Warn("brute force failed", "model", m.Name(), "error", err)
				return nil
			}
			out.mu.Lock()
			out.byID[id] = res
			out.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
