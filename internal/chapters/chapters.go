package chapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/bindery/internal/detect"
	"github.com/jackzampolin/bindery/internal/enhance"
	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

// ErrNoChapters is returned when detection produced nothing storable.
var ErrNoChapters = errors.New("no valid chapters")

// Store is the persistence chapter storage needs.
type Store interface {
	DeleteChapters(ctx context.Context, documentID string) (int64, error)
	InsertChapters(ctx context.Context, chapters []*store.Chapter) error
	InsertChapter(ctx context.Context, ch *store.Chapter) error
	RenumberChapters(ctx context.Context, documentID string, ids []string) error
	SetDocumentTotals(ctx context.Context, id string, totalWords, readingMinutes int) error
	SetEnhancementStatus(ctx context.Context, id string, status store.EnhancementStatus) error
}

// Config configures a Service.
type Config struct {
	Store Store
	// BatchSize is the number of rows per insert (default: 10).
	BatchSize int
	// EnhanceBatchSize is the number of chapters per enhancement job
	// (default: 5).
	EnhanceBatchSize int
	Logger           *slog.Logger
}

// Service stores chapters.
type Service struct {
	store            Store
	batchSize        int
	enhanceBatchSize int
	logger           *slog.Logger
}

// New creates a chapter service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.EnhanceBatchSize <= 0 {
		cfg.EnhanceBatchSize = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:            cfg.Store,
		batchSize:        cfg.BatchSize,
		enhanceBatchSize: cfg.EnhanceBatchSize,
		logger:           cfg.Logger.With("component", "chapters"),
	}, nil
}

// Result summarizes a store operation.
type Result struct {
	Chapters       []*store.Chapter `json:"-"`
	Stored         int              `json:"stored"`
	Rejected       []Rejection      `json:"rejected,omitempty"`
	FailedRows     int              `json:"failed_rows,omitempty"`
	TotalWords     int              `json:"total_words"`
	ReadingMinutes int              `json:"reading_minutes"`
}

// Store replaces a document's chapters with the detection result and
// writes the totals onto the document. Having nothing valid to store is a
// permanent failure.
func (s *Service) Store(ctx context.Context, documentID string, res *detect.Result) (*Result, error) {
	chapters, rejected := Prepare(documentID, res)
	for _, r := range rejected {
		s.logger.Warn("chapter rejected",
			"document_id", documentID,
			"index", r.Index,
			"title", r.Title,
			"reason", r.Reason)
	}
	if len(chapters) == 0 {
		return nil, queue.Permanent(fmt.Errorf("%w: %d candidates rejected", ErrNoChapters, len(rejected)))
	}
	return s.Replace(ctx, documentID, chapters, rejected)
}

// Replace deletes existing chapters and inserts the given ones in batches.
// A failed batch is retried row by row so one bad row cannot block its
// siblings. When rows are lost that way the survivors are renumbered so
// chapter numbers stay contiguous from 1.
func (s *Service) Replace(ctx context.Context, documentID string, chapters []*store.Chapter, rejected []Rejection) (*Result, error) {
	if _, err := s.store.DeleteChapters(ctx, documentID); err != nil {
		return nil, err
	}

	out := &Result{Rejected: rejected}
	for start := 0; start < len(chapters); start += s.batchSize {
		batch := chapters[start:min(start+s.batchSize, len(chapters))]
		err := s.store.InsertChapters(ctx, batch)
		if err == nil {
			out.Chapters = append(out.Chapters, batch...)
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("chapter batch insert failed, inserting rows individually",
			"document_id", documentID,
			"first_chapter", batch[0].ChapterNumber,
			"error", err)
		for _, ch := range batch {
			if err := s.store.InsertChapter(ctx, ch); err != nil {
				s.logger.Error("chapter insert failed",
					"document_id", documentID,
					"chapter", ch.ChapterNumber,
					"error", err)
				out.FailedRows++
				continue
			}
			out.Chapters = append(out.Chapters, ch)
		}
	}
	if len(out.Chapters) == 0 {
		return nil, fmt.Errorf("failed to insert any of %d chapters", len(chapters))
	}
	if out.FailedRows > 0 {
		if err := s.renumber(ctx, documentID, out.Chapters); err != nil {
			return nil, err
		}
	}

	for _, ch := range out.Chapters {
		out.TotalWords += ch.WordCount
		out.ReadingMinutes += ch.ReadingMinutes
	}
	out.Stored = len(out.Chapters)
	if err := s.store.SetDocumentTotals(ctx, documentID, out.TotalWords, out.ReadingMinutes); err != nil {
		return nil, err
	}

	s.logger.Info("chapters stored",
		"document_id", documentID,
		"chapters", out.Stored,
		"rejected", len(rejected),
		"failed_rows", out.FailedRows,
		"words", out.TotalWords)
	return out, nil
}

func (s *Service) renumber(ctx context.Context, documentID string, chapters []*store.Chapter) error {
	ids := make([]string, len(chapters))
	for i, ch := range chapters {
		ids[i] = ch.ID
	}
	if err := s.store.RenumberChapters(ctx, documentID, ids); err != nil {
		return err
	}
	for i, ch := range chapters {
		ch.ChapterNumber = i + 1
	}
	return nil
}

// ScheduleEnhancement plans one enhancement job per batch of chapters,
// later batches less urgent. When enhancement is disabled the document is
// marked skipped and no jobs are planned.
func (s *Service) ScheduleEnhancement(ctx context.Context, documentID string, chapters []*store.Chapter, enabled bool) ([]queue.EnqueueRequest, error) {
	if !enabled || len(chapters) == 0 {
		if err := s.store.SetEnhancementStatus(ctx, documentID, store.EnhancementSkipped); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := s.store.SetEnhancementStatus(ctx, documentID, store.EnhancementPending); err != nil {
		return nil, err
	}
	return EnhancementJobs(documentID, chapters, s.enhanceBatchSize), nil
}

// EnhancementJobs groups chapters into batches of size and returns one
// enqueue request per batch.
func EnhancementJobs(documentID string, chapters []*store.Chapter, size int) []queue.EnqueueRequest {
	if size <= 0 {
		size = 5
	}
	batches := (len(chapters) + size - 1) / size
	reqs := make([]queue.EnqueueRequest, 0, batches)
	for b := 0; b < batches; b++ {
		group := chapters[b*size : min((b+1)*size, len(chapters))]
		numbers := make([]int, len(group))
		for i, ch := range group {
			numbers[i] = ch.ChapterNumber
		}
		reqs = append(reqs, queue.EnqueueRequest{
			DocumentID: documentID,
			Stage:      queue.StageEnhance,
			Priority:   queue.PriorityEnhance + b,
			Payload: enhance.BatchInput{
				DocumentID:     documentID,
				ChapterNumbers: numbers,
				Batch:          b,
				Batches:        batches,
			},
		})
	}
	return reqs
}
