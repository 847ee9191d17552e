package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, document_id, type, status, priority, input, output, error_message,
	retry_count, max_retries, depends_on, created_at, started_at, completed_at, updated_at`

// NewJob describes a job to enqueue.
type NewJob struct {
	DocumentID string
	Type       JobType
	Input      json.RawMessage
	Priority   int
	DependsOn  string
	MaxRetries int
}

// InsertJob stores a pending job. Ids are time-ordered (UUIDv7) so that
// jobs created within the same millisecond still claim in FIFO order.
func (s *Store) InsertJob(ctx context.Context, in NewJob) (*Job, error) {
	return s.insertJob(ctx, s.db, in)
}

func (s *Store) insertJob(ctx context.Context, q execer, in NewJob) (*Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}
	if len(in.Input) == 0 {
		in.Input = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	job := &Job{
		ID:         id.String(),
		DocumentID: in.DocumentID,
		Type:       in.Type,
		Status:     JobPending,
		Priority:   in.Priority,
		Input:      in.Input,
		MaxRetries: in.MaxRetries,
		DependsOn:  in.DependsOn,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = s.exec(ctx, q, `INSERT INTO jobs
		(id, document_id, type, status, priority, input, retry_count, max_retries, depends_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.DocumentID, string(job.Type), string(job.Status), job.Priority, string(job.Input),
		job.MaxRetries, nullString(job.DependsOn), toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

// RecordCompletedJob stores a job that is already finished, for work that
// was satisfied without running (a workflow cache hit).
func (s *Store) RecordCompletedJob(ctx context.Context, in NewJob, output json.RawMessage) (*Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}
	if len(in.Input) == 0 {
		in.Input = json.RawMessage(`{}`)
	}
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	job := &Job{
		ID:          id.String(),
		DocumentID:  in.DocumentID,
		Type:        in.Type,
		Status:      JobCompleted,
		Priority:    in.Priority,
		Input:       in.Input,
		Output:      output,
		MaxRetries:  in.MaxRetries,
		CreatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &now,
		UpdatedAt:   now,
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO jobs
		(id, document_id, type, status, priority, input, output, retry_count, max_retries,
		 created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		job.ID, job.DocumentID, string(job.Type), string(job.Status), job.Priority,
		string(job.Input), string(job.Output), job.MaxRetries,
		toMillis(now), toMillis(now), toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}
	return job, nil
}

// ClaimJob atomically moves the most urgent claimable job to running and
// returns it. A job is claimable when it is pending or retrying and its
// dependency, if any, has completed. Ordering is priority ascending, then
// creation time. Returns nil, nil when nothing is claimable.
//
// The selection and the status change are one statement, so two callers
// can never receive the same job.
func (s *Store) ClaimJob(ctx context.Context, types ...JobType) (*Job, error) {
	now := toMillis(time.Now())
	args := []any{string(JobRunning), now, now, string(JobPending), string(JobRetrying), string(JobCompleted)}

	typeFilter := ""
	if len(types) > 0 {
		typeFilter = ` AND j.type IN (` + placeholders(len(types)) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}

	lock := ""
	if s.dialect == DialectPostgres {
		lock = ` FOR UPDATE SKIP LOCKED`
	}

	args = append(args, string(JobPending), string(JobRetrying))

	query := `UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.status IN (?, ?)
			  AND (j.depends_on IS NULL OR EXISTS (
				SELECT 1 FROM jobs d WHERE d.id = j.depends_on AND d.status = ?))` + typeFilter + `
			ORDER BY j.priority, j.created_at, j.id
			LIMIT 1` + lock + `
		) AND status IN (?, ?)
		RETURNING ` + jobColumns

	job, err := scanJob(s.queryRow(ctx, s.db, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a running job completed with its output and inserts
// its follow-up jobs, all in one transaction. Follow-ups depend on the
// completed job. If the job is no longer running (it was reset or already
// finished) nothing is written and ErrNotFound is returned.
func (s *Store) CompleteJob(ctx context.Context, id string, output json.RawMessage, next ...NewJob) error {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	return s.RunTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(time.Now())
		res, err := s.exec(ctx, tx, `UPDATE jobs
			SET status = ?, output = ?, error_message = NULL, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(JobCompleted), string(output), now, now, id, string(JobRunning))
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("job %s is not running: %w", id, ErrNotFound)
		}
		for _, in := range next {
			in.DependsOn = id
			if _, err := s.insertJob(ctx, tx, in); err != nil {
				return err
			}
		}
		return nil
	})
}

// FailJob records a failed attempt. The retry count increments; the job
// returns to the queue as retrying while retries remain, otherwise (or
// when permanent is set) it becomes failed. The resulting status and retry
// count are returned.
func (s *Store) FailJob(ctx context.Context, id, errMsg string, permanent bool) (JobStatus, int, error) {
	now := toMillis(time.Now())
	row := s.queryRow(ctx, s.db, `UPDATE jobs
		SET retry_count = retry_count + 1,
			status = CASE WHEN CAST(? AS INTEGER) = 0 AND retry_count + 1 < max_retries THEN ? ELSE ? END,
			completed_at = CASE WHEN CAST(? AS INTEGER) = 0 AND retry_count + 1 < max_retries THEN NULL ELSE CAST(? AS BIGINT) END,
			error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING status, retry_count`,
		boolInt(permanent), string(JobRetrying), string(JobFailed),
		boolInt(permanent), now,
		errMsg, now, id, string(JobRunning))

	var (
		status string
		count  int
	)
	if err := row.Scan(&status, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, fmt.Errorf("job %s is not running: %w", id, ErrNotFound)
		}
		return "", 0, fmt.Errorf("failed to record job failure: %w", err)
	}
	return JobStatus(status), count, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.queryRow(ctx, s.db, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	DocumentID string
	Type       JobType
	Status     JobStatus
	Limit      int
}

// ListJobs returns jobs in creation order.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, f.DocumentID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = 200
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobCounts returns job counts keyed by status.
func (s *Store) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountCachedJobs counts a document's completed jobs whose output carries
// the cached marker.
func (s *Store) CountCachedJobs(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM jobs
		WHERE document_id = ? AND status = ? AND output LIKE ?`,
		documentID, string(JobCompleted), `%"cached":true%`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cached jobs: %w", err)
	}
	return n, nil
}

// DeleteIdleJobs removes a document's jobs that are not currently running.
func (s *Store) DeleteIdleJobs(ctx context.Context, documentID string) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM jobs WHERE document_id = ? AND status <> ?`,
		documentID, string(JobRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                         Job
		typ, status, input        string
		output, errMsg, dependsOn sql.NullString
		created, updated          int64
		started, completed        sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.DocumentID, &typ, &status, &j.Priority, &input, &output, &errMsg,
		&j.RetryCount, &j.MaxRetries, &dependsOn, &created, &started, &completed, &updated); err != nil {
		return nil, err
	}
	j.Type = JobType(typ)
	j.Status = JobStatus(status)
	j.Input = json.RawMessage(input)
	if output.Valid {
		j.Output = json.RawMessage(output.String)
	}
	j.ErrorMessage = errMsg.String
	j.DependsOn = dependsOn.String
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.StartedAt = fromNullMillis(started)
	j.CompletedAt = fromNullMillis(completed)
	return &j, nil
}

// RequeueRunningJobs returns jobs left running by a previous process to the
// queue as retrying. Call it before any worker starts.
func (s *Store) RequeueRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, s.db, `UPDATE jobs SET status = ?, started_at = NULL, updated_at = ? WHERE status = ?`,
		string(JobRetrying), toMillis(time.Now()), string(JobRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
