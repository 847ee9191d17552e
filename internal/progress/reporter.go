// Package progress records pipeline progress and answers status queries.
//
// Writes go through a Sink that batches records into the store and never
// blocks the pipeline. A Hub streams persisted records to websocket
// subscribers. The Reporter is read-only: it rebuilds a document's status
// from its row, its jobs, its progress history and its chapters.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

// Stage status values reported per pipeline stage.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageRetrying  = "retrying"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// ETA bounds.
const (
	MinEstimate = time.Minute
	MaxEstimate = 30 * time.Minute
)

// Reader is the persistence the reporter reads from.
type Reader interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	ListProgress(ctx context.Context, documentID string) ([]*store.ProgressRecord, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]*store.Job, error)
	SumChapters(ctx context.Context, documentID string) (store.ChapterTotals, error)
	CountCachedJobs(ctx context.Context, documentID string) (int, error)
}

// StageStatus summarizes one pipeline stage of a document.
type StageStatus struct {
	Stage    string                  `json:"stage"`
	Status   string                  `json:"status"`
	Progress int                     `json:"progress"`
	Jobs     map[store.JobStatus]int `json:"jobs"`
	Message  string                  `json:"message,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Metrics are a document's processing totals.
type Metrics struct {
	TotalChapters     int     `json:"total_chapters"`
	TotalWords        int     `json:"total_words"`
	ReadingMinutes    int     `json:"reading_minutes"`
	ProcessingSeconds float64 `json:"processing_seconds"`
	CacheHits         int     `json:"cache_hits"`
}

// ProcessingStatus is the full status of one document.
type ProcessingStatus struct {
	Document            *store.Document       `json:"document"`
	Latest              *store.ProgressRecord `json:"latest,omitempty"`
	OverallProgress     int                   `json:"overall_progress"`
	Stages              []StageStatus         `json:"stages"`
	Metrics             Metrics               `json:"metrics"`
	Cached              bool                  `json:"cached"`
	EstimatedCompletion *time.Time            `json:"estimated_completion,omitempty"`
}

// Reporter answers status queries.
type Reporter struct {
	reader Reader
	logger *slog.Logger
	now    func() time.Time
}

// NewReporter creates a reporter.
func NewReporter(reader Reader, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		reader: reader,
		logger: logger.With("component", "reporter"),
		now:    time.Now,
	}
}

// Status builds the status of one document.
func (r *Reporter) Status(ctx context.Context, documentID string) (*ProcessingStatus, error) {
	doc, err := r.reader.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	history, err := r.reader.ListProgress(ctx, documentID)
	if err != nil {
		return nil, err
	}
	jobs, err := r.reader.ListJobs(ctx, store.JobFilter{DocumentID: documentID, Limit: 1000})
	if err != nil {
		return nil, err
	}
	totals, err := r.reader.SumChapters(ctx, documentID)
	if err != nil {
		return nil, err
	}
	hits, err := r.reader.CountCachedJobs(ctx, documentID)
	if err != nil {
		return nil, err
	}

	st := &ProcessingStatus{
		Document: doc,
		Stages:   stageStatuses(doc, jobs, history),
		Metrics: Metrics{
			TotalChapters:  totals.Chapters,
			TotalWords:     totals.Words,
			ReadingMinutes: totals.ReadingMinutes,
			CacheHits:      hits,
		},
		Cached: hits > 0,
	}
	if n := len(history); n > 0 {
		st.Latest = history[n-1]
		st.OverallProgress = st.Latest.OverallProgress
	}
	if doc.Status == store.DocumentCompleted {
		st.OverallProgress = 100
	}

	now := r.now()
	if doc.StartedAt != nil {
		end := now
		if doc.CompletedAt != nil {
			end = *doc.CompletedAt
		}
		st.Metrics.ProcessingSeconds = end.Sub(*doc.StartedAt).Seconds()
	}
	if doc.Status == store.DocumentProcessing && doc.StartedAt != nil {
		eta := now.Add(EstimateRemaining(now.Sub(*doc.StartedAt), st.OverallProgress))
		st.EstimatedCompletion = &eta
	}
	return st, nil
}

// StatusMany builds statuses for several documents. Unknown ids are
// skipped.
func (r *Reporter) StatusMany(ctx context.Context, ids []string) ([]*ProcessingStatus, error) {
	out := make([]*ProcessingStatus, 0, len(ids))
	for _, id := range ids {
		st, err := r.Status(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("status requested for unknown document", "document_id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load status of %s: %w", id, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// EstimateRemaining extrapolates the time left from the time spent and the
// overall percentage, bounded to between one and thirty minutes.
func EstimateRemaining(elapsed time.Duration, overall int) time.Duration {
	if overall <= 0 || elapsed <= 0 {
		return MaxEstimate
	}
	if overall >= 100 {
		return MinEstimate
	}
	d := time.Duration(float64(elapsed) / float64(overall) * float64(100-overall))
	return max(MinEstimate, min(MaxEstimate, d))
}

func stageStatuses(doc *store.Document, jobs []*store.Job, history []*store.ProgressRecord) []StageStatus {
	stages := queue.Stages()
	out := make([]StageStatus, len(stages))
	for i, stage := range stages {
		ss := StageStatus{
			Stage: stage.Name(),
			Jobs:  make(map[store.JobStatus]int),
		}
		for _, j := range jobs {
			if j.Type != stage.JobType() {
				continue
			}
			ss.Jobs[j.Status]++
			if j.ErrorMessage != "" && j.Status != store.JobCompleted {
				ss.Error = j.ErrorMessage
			}
		}
		for _, rec := range history {
			if rec.Stage != stage.Name() {
				continue
			}
			ss.Progress = rec.StageProgress
			ss.Message = rec.Message
		}
		ss.Status = stageState(doc, stage, ss.Jobs)
		if ss.Status == StageCompleted {
			ss.Progress = 100
		}
		out[i] = ss
	}
	return out
}

func stageState(doc *store.Document, stage queue.Stage, counts map[store.JobStatus]int) string {
	total := 0
	for _, n := range counts {
		total += n
	}
	switch {
	case total == 0:
		if stage == queue.StageEnhance && doc.EnhancementStatus == store.EnhancementSkipped {
			return StageSkipped
		}
		if stage != queue.StageEnhance && doc.Status == store.DocumentCompleted {
			// Served from the workflow cache.
			return StageCompleted
		}
		return StagePending
	case counts[store.JobRunning] > 0:
		return StageRunning
	case counts[store.JobRetrying] > 0:
		return StageRetrying
	case counts[store.JobPending] > 0:
		return StagePending
	case counts[store.JobFailed] > 0:
		return StageFailed
	default:
		return StageCompleted
	}
}
