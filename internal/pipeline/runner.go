package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

// FailureFunc is called after a job attempt failed and the queue recorded it.
type FailureFunc func(ctx context.Context, job *store.Job, stage queue.Stage, outcome queue.FailOutcome, cause error)

// ContinueFunc reports whether follow-up jobs may still be enqueued for a
// document.
type ContinueFunc func(ctx context.Context, documentID string) (bool, error)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Queue    *queue.Queue
	Registry *Registry
	// Workers is the number of claiming goroutines (default: 4).
	Workers int
	// PollInterval is how long an idle worker sleeps between claims when no
	// wake-up arrives (default: 500ms).
	PollInterval time.Duration
	// Continue gates follow-up jobs. Nil allows everything.
	Continue  ContinueFunc
	OnFailure FailureFunc
	Logger    *slog.Logger
}

// Runner drives the queue: each worker claims a job, runs its stage
// handler, then completes the job together with its follow-ups, or records
// the failure.
type Runner struct {
	queue        *queue.Queue
	registry     *Registry
	workers      int
	pollInterval time.Duration
	shouldGo     ContinueFunc
	onFailure    FailureFunc
	logger       *slog.Logger

	running   atomic.Bool
	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Queue == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("queue and registry are required")
	}
	if err := cfg.Registry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		queue:        cfg.Queue,
		registry:     cfg.Registry,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		shouldGo:     cfg.Continue,
		onFailure:    cfg.OnFailure,
		logger:       cfg.Logger.With("component", "runner"),
	}, nil
}

// RunnerStats is a snapshot of runner activity.
type RunnerStats struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Stats returns current counters.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Running:   r.running.Load(),
		Workers:   r.workers,
		Active:    int(r.active.Load()),
		Processed: r.processed.Load(),
		Failed:    r.failed.Load(),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has returned.
func (r *Runner) Run(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.logger.Info("runner started", "workers", r.workers, "poll_interval", r.pollInterval)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	r.logger.Info("runner stopped")
}

func (r *Runner) worker(ctx context.Context, id int) {
	log := r.logger.With("worker_id", id)
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := r.queue.ClaimNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("claim failed", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-r.queue.Wait():
			case <-time.After(r.pollInterval):
			}
			continue
		}
		r.active.Add(1)
		r.execute(ctx, job, log)
		r.active.Add(-1)
	}
}

// RunOnce claims and executes a single job. It reports whether a job was
// available.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.execute(ctx, job, r.logger)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, job *store.Job, log *slog.Logger) {
	log = log.With("job_id", job.ID, "document_id", job.DocumentID, "type", job.Type)

	stage, err := queue.ParseJobType(job.Type)
	if err != nil {
		r.fail(ctx, job, stage, queue.Permanent(err), log)
		return
	}
	handler, ok := r.registry.Get(stage)
	if !ok {
		r.fail(ctx, job, stage, queue.Permanent(fmt.Errorf("%w: %s", ErrStageNotFound, stage)), log)
		return
	}

	start := time.Now()
	res, err := r.invoke(ctx, handler, job)
	if err == nil && res != nil {
		err = checkTransition(stage, res.Next)
		if err != nil {
			err = queue.Permanent(err)
		}
	}
	if err != nil {
		r.fail(ctx, job, stage, err, log)
		return
	}
	if res == nil {
		res = &Result{}
	}

	// Bookkeeping must land even when shutdown cancelled ctx mid-job.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if len(res.Next) > 0 {
		proceed := true
		if r.shouldGo != nil {
			proceed, err = r.shouldGo(bctx, job.DocumentID)
			if err != nil {
				r.fail(ctx, job, stage, fmt.Errorf("failed to check document: %w", err), log)
				return
			}
		}
		if !proceed {
			log.Info("document no longer active, not enqueuing next stage", "next", len(res.Next))
			res.Next = nil
		}
	}
	for i := range res.Next {
		if res.Next[i].DocumentID == "" {
			res.Next[i].DocumentID = job.DocumentID
		}
	}

	// Follow-ups commit together with the completion.
	if err := r.queue.Complete(bctx, job.ID, res.Output, res.Next...); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("job was reset while running, dropping its result", "next", len(res.Next))
			return
		}
		r.fail(ctx, job, stage, fmt.Errorf("failed to complete job: %w", err), log)
		return
	}
	r.processed.Add(1)
	log.Info("job completed", "stage", stage, "next", len(res.Next), "duration", time.Since(start))
}

// invoke runs a handler, turning a panic into a permanent error.
func (r *Runner) invoke(ctx context.Context, h Handler, job *store.Job) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", "job_id", job.ID, "panic", p, "stack", string(debug.Stack()))
			err = queue.Permanent(fmt.Errorf("handler panic: %v", p))
		}
	}()
	return h(ctx, job)
}

func (r *Runner) fail(ctx context.Context, job *store.Job, stage queue.Stage, cause error, log *slog.Logger) {
	r.failed.Add(1)
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	outcome, err := r.queue.Fail(bctx, job.ID, cause)
	if err != nil {
		log.Error("failed to record job failure", "cause", cause, "error", err)
		return
	}
	level := slog.LevelWarn
	if outcome.Terminal {
		level = slog.LevelError
	}
	log.Log(bctx, level, "job failed",
		"stage", stage,
		"retry_count", outcome.RetryCount,
		"retrying", outcome.Retrying,
		"permanent", queue.IsPermanent(cause),
		"canceled", errors.Is(cause, context.Canceled),
		"error", cause)
	if r.onFailure != nil {
		r.onFailure(bctx, job, stage, outcome, cause)
	}
}
