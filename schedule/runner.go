package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one leased job. Its error is logged; the job is
// rescheduled either way.
type Handler func(ctx context.Context, job *Job) error

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// BatchSize caps how many due jobs one poll runs. Default: 20.
	BatchSize int
	// MaxConcurrency is how many leased jobs run at once. Default: 5.
	MaxConcurrency int
	// InterBatchDelay separates consecutive groups of MaxConcurrency jobs.
	// Default: 2s.
	InterBatchDelay time.Duration
	// PollInterval is the delay between lease attempts. Default: 5s.
	PollInterval time.Duration
	// Observer is told about every finished job.
	Observer func(job *Job, err error)
	// Logger overrides the queue logger.
	Logger *slog.Logger
}

func (o *RunnerOptions) defaults(q *Q) {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 5
	}
	if o.InterBatchDelay < 0 {
		o.InterBatchDelay = 0
	} else if o.InterBatchDelay == 0 {
		o.InterBatchDelay = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = q.opts.Logger
	}
}

// Runner drains due jobs through a handler.
type Runner struct {
	q       *Q
	handler Handler
	opts    RunnerOptions
}

// NewRunner creates a Runner. A negative InterBatchDelay disables the delay.
func NewRunner(q *Q, h Handler, opts RunnerOptions) *Runner {
	opts.defaults(q)
	return &Runner{q: q, handler: h, opts: opts}
}

// Run polls until ctx is cancelled. A failing or panicking job never stops
// the loop.
func (r *Runner) Run(ctx context.Context) {
	log := r.opts.Logger
	log.Info("schedule: runner started",
		"batch_size", r.opts.BatchSize,
		"max_concurrency", r.opts.MaxConcurrency,
		"inter_batch_delay", r.opts.InterBatchDelay,
		"poll", r.opts.PollInterval,
	)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("schedule: runner stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce drains up to BatchSize due jobs in groups of MaxConcurrency,
// waiting InterBatchDelay between groups. Each group is leased only when it
// starts, so every leased job is running and heartbeating. It returns how
// many jobs ran.
func (r *Runner) RunOnce(ctx context.Context) int {
	log := r.opts.Logger
	ran := 0
	for ran < r.opts.BatchSize {
		if ran > 0 && r.opts.InterBatchDelay > 0 {
			select {
			case <-time.After(r.opts.InterBatchDelay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return ran
		}

		want := min(r.opts.MaxConcurrency, r.opts.BatchSize-ran)
		jobs, err := r.q.DueJobs(ctx, want)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("schedule: lease failed", "error", err)
			}
			return ran
		}
		if len(jobs) == 0 {
			return ran
		}

		var wg sync.WaitGroup
		for _, j := range jobs {
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				r.execute(ctx, j)
			}(j)
		}
		wg.Wait()
		ran += len(jobs)
		if len(jobs) < want {
			return ran
		}
	}
	return ran
}

func (r *Runner) execute(ctx context.Context, j *Job) {
	log := r.opts.Logger.With("job_id", j.ID, "kind", j.Kind, "target_id", j.TargetID)

	stop := r.q.Hold(j.ID)
	err := r.call(ctx, j)
	stop()

	if err != nil {
		log.Warn("schedule: job failed", "error", err, "attempts", j.Attempts)
	}
	switch cerr := r.q.Complete(context.Background(), j.ID); {
	case cerr == nil:
	case errors.Is(cerr, ErrJobCancelled), errors.Is(cerr, ErrUnknownJob):
		log.Debug("schedule: job gone before completion", "reason", cerr)
	case errors.Is(cerr, ErrNotLeased):
		log.Warn("schedule: lease lost before completion", "reason", cerr)
	default:
		log.Error("schedule: complete failed", "error", cerr)
	}
	if r.opts.Observer != nil {
		r.opts.Observer(j, err)
	}
}

func (r *Runner) call(ctx context.Context, j *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("schedule: handler panic: %v", p)
		}
	}()
	return r.handler(ctx, j)
}
