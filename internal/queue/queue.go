// Package queue is the durable, priority-ordered job queue that drives the
// pipeline forward. Lower priority values are more urgent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/bindery/internal/store"
)

// Priority levels for pipeline jobs. Lower values are claimed first.
const (
	PriorityHigh    = 0
	PriorityNormal  = 10
	PriorityEnhance = 50
)

// DefaultMaxRetries is used when an enqueue request does not set one.
const DefaultMaxRetries = 3

// Backend is the persistence the queue needs.
type Backend interface {
	InsertJob(ctx context.Context, in store.NewJob) (*store.Job, error)
	RecordCompletedJob(ctx context.Context, in store.NewJob, output json.RawMessage) (*store.Job, error)
	ClaimJob(ctx context.Context, types ...store.JobType) (*store.Job, error)
	CompleteJob(ctx context.Context, id string, output json.RawMessage, next ...store.NewJob) error
	FailJob(ctx context.Context, id, errMsg string, permanent bool) (store.JobStatus, int, error)
	GetJob(ctx context.Context, id string) (*store.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error)
	JobCounts(ctx context.Context) (map[store.JobStatus]int, error)
	DeleteIdleJobs(ctx context.Context, documentID string) (int64, error)
	RequeueRunningJobs(ctx context.Context) (int64, error)
}

// Config configures a queue.
type Config struct {
	Backend    Backend
	MaxRetries int
	Logger     *slog.Logger
}

// Queue enqueues and claims jobs.
type Queue struct {
	backend    Backend
	maxRetries int
	logger     *slog.Logger

	// notify is signalled whenever a job becomes claimable.
	notify chan struct{}
}

// New creates a queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("queue backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Queue{
		backend:    cfg.Backend,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With("component", "queue"),
		notify:     make(chan struct{}, 1),
	}, nil
}

// EnqueueRequest describes a job to add.
type EnqueueRequest struct {
	DocumentID string
	Stage      Stage
	Payload    any
	Priority   int
	// DependsOn holds the job back until that job completes.
	DependsOn  string
	MaxRetries int
}

// Enqueue adds a pending job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	in, err := q.newJob(req)
	if err != nil {
		return "", err
	}
	job, err := q.backend.InsertJob(ctx, in)
	if err != nil {
		return "", err
	}

	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"document_id", req.DocumentID,
		"stage", req.Stage,
		"priority", req.Priority)
	q.signal()
	return job.ID, nil
}

func (q *Queue) newJob(req EnqueueRequest) (store.NewJob, error) {
	if req.DocumentID == "" {
		return store.NewJob{}, fmt.Errorf("document id is required")
	}
	if !req.Stage.valid() {
		return store.NewJob{}, fmt.Errorf("invalid stage: %d", int(req.Stage))
	}
	payload, err := encode(req.Payload)
	if err != nil {
		return store.NewJob{}, fmt.Errorf("failed to encode job payload: %w", err)
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = q.maxRetries
	}
	return store.NewJob{
		DocumentID: req.DocumentID,
		Type:       req.Stage.JobType(),
		Input:      payload,
		Priority:   req.Priority,
		DependsOn:  req.DependsOn,
		MaxRetries: req.MaxRetries,
	}, nil
}

// Record stores a job that is already completed with output. It is never
// claimed; it exists so status and history show the stage as done.
func (q *Queue) Record(ctx context.Context, req EnqueueRequest, output any) (string, error) {
	if !req.Stage.valid() {
		return "", fmt.Errorf("invalid stage: %d", int(req.Stage))
	}
	payload, err := encode(req.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}
	out, err := encode(output)
	if err != nil {
		return "", fmt.Errorf("failed to encode job output: %w", err)
	}
	job, err := q.backend.RecordCompletedJob(ctx, store.NewJob{
		DocumentID: req.DocumentID,
		Type:       req.Stage.JobType(),
		Input:      payload,
		Priority:   req.Priority,
		MaxRetries: q.maxRetries,
	}, out)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// ClaimNext atomically claims the most urgent claimable job, restricted to
// the given stages when any are passed. Returns nil, nil when the queue has
// nothing to hand out.
func (q *Queue) ClaimNext(ctx context.Context, stages ...Stage) (*store.Job, error) {
	types := make([]store.JobType, 0, len(stages))
	for _, s := range stages {
		types = append(types, s.JobType())
	}
	return q.backend.ClaimJob(ctx, types...)
}

// Wait returns a channel that receives when new work may be claimable.
// Notifications coalesce, so callers must still poll.
func (q *Queue) Wait() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Complete marks a claimed job completed with output and enqueues its
// follow-ups atomically: either the job completes and every follow-up
// exists, or nothing changes. Follow-ups always depend on jobID.
func (q *Queue) Complete(ctx context.Context, jobID string, output any, next ...EnqueueRequest) error {
	raw, err := encode(output)
	if err != nil {
		return fmt.Errorf("failed to encode job output: %w", err)
	}
	jobs := make([]store.NewJob, 0, len(next))
	for _, req := range next {
		req.DependsOn = jobID
		in, err := q.newJob(req)
		if err != nil {
			return fmt.Errorf("failed to build %s job: %w", req.Stage, err)
		}
		jobs = append(jobs, in)
	}
	if err := q.backend.CompleteJob(ctx, jobID, raw, jobs...); err != nil {
		return err
	}
	// Dependents may have become claimable.
	q.signal()
	return nil
}

// FailOutcome reports what happened to a failed job.
type FailOutcome struct {
	Status     store.JobStatus
	RetryCount int
	// Retrying is set when the job went back to the queue.
	Retrying bool
	// Terminal is set when the job will not run again.
	Terminal bool
}

// Fail records a failed attempt. Permanent errors skip the retry path.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) (FailOutcome, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	status, count, err := q.backend.FailJob(ctx, jobID, msg, IsPermanent(cause))
	if err != nil {
		return FailOutcome{}, err
	}
	out := FailOutcome{
		Status:     status,
		RetryCount: count,
		Retrying:   status == store.JobRetrying,
		Terminal:   status == store.JobFailed,
	}
	if out.Retrying {
		q.signal()
	}
	return out, nil
}

// CancelDocument deletes a document's jobs that are not running.
func (q *Queue) CancelDocument(ctx context.Context, documentID string) (int64, error) {
	return q.backend.DeleteIdleJobs(ctx, documentID)
}

// Recover returns jobs orphaned by a previous process to the queue.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.backend.RequeueRunningJobs(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("requeued orphaned jobs", "count", n)
		q.signal()
	}
	return n, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*store.Job, error) {
	return q.backend.GetJob(ctx, jobID)
}

// List returns jobs matching the filter.
func (q *Queue) List(ctx context.Context, f store.JobFilter) ([]*store.Job, error) {
	return q.backend.ListJobs(ctx, f)
}

// Counts returns job counts by status.
func (q *Queue) Counts(ctx context.Context) (map[store.JobStatus]int, error) {
	return q.backend.JobCounts(ctx)
}

// Elapsed returns how long a job ran, or zero if it has not finished.
func Elapsed(j *store.Job) time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
