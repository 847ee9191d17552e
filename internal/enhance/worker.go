package enhance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

// Store is the persistence the worker needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	ChaptersByNumber(ctx context.Context, documentID string, numbers []int) ([]*store.Chapter, error)
	SetChapterSummary(ctx context.Context, id, summary string, status store.EnhancementStatus) error
	SetChapterEnhancementStatus(ctx context.Context, id string, status store.EnhancementStatus) error
	EnhancementCounts(ctx context.Context, documentID string) (map[store.EnhancementStatus]int, error)
	SetEnhancementStatus(ctx context.Context, id string, status store.EnhancementStatus) error
}

// Config configures a Worker.
type Config struct {
	Store      Store
	Summarizer Summarizer
	// Budget gates every call. A default budget is created when nil.
	Budget *Budget

	// PromptChars bounds how much chapter text goes into a prompt
	// (default: 4000).
	PromptChars int
	// MinWords and MaxWords are the requested summary length
	// (defaults: 100 and 300).
	MinWords int
	MaxWords int
	// MaxAttempts bounds calls per chapter (default: 5).
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt
	// (default: 2s).
	BackoffBase time.Duration
	// MaxBackoff caps a single delay, including Retry-After (default: 60s).
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// Worker summarizes batches of chapters.
type Worker struct {
	store       Store
	summarizer  Summarizer
	budget      *Budget
	promptChars int
	minWords    int
	maxWords    int
	maxAttempts int
	backoffBase time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

// NewWorker creates a worker.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Summarizer == nil {
		return nil, fmt.Errorf("summarizer is required")
	}
	if cfg.Budget == nil {
		cfg.Budget = NewBudget(BudgetConfig{})
	}
	if cfg.PromptChars <= 0 {
		cfg.PromptChars = 4000
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = 100
	}
	if cfg.MaxWords <= cfg.MinWords {
		cfg.MaxWords = max(300, cfg.MinWords*2)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		store:       cfg.Store,
		summarizer:  cfg.Summarizer,
		budget:      cfg.Budget,
		promptChars: cfg.PromptChars,
		minWords:    cfg.MinWords,
		maxWords:    cfg.MaxWords,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		maxBackoff:  cfg.MaxBackoff,
		logger:      cfg.Logger.With("component", "enhance"),
	}, nil
}

// Budget returns the worker's budget.
func (w *Worker) Budget() *Budget {
	return w.budget
}

// BatchInput is the payload of an enhancement job.
type BatchInput struct {
	DocumentID     string `json:"document_id"`
	ChapterNumbers []int  `json:"chapter_numbers"`
	Batch          int    `json:"batch"`
	Batches        int    `json:"batches"`
}

// BatchResult counts what happened to a batch's chapters.
type BatchResult struct {
	Completed int `json:"completed"`
	Fallback  int `json:"fallback"`
	Failed    int `json:"failed"`
	// Skipped counts chapters that already had a summary.
	Skipped        int                     `json:"skipped"`
	DocumentStatus store.EnhancementStatus `json:"document_status"`
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFallback
	outcomeFailed
	outcomeInterrupted
)

// RunBatch summarizes the batch's chapters that still lack a summary. Each
// chapter succeeds or fails on its own; only cancellation fails the batch.
func (w *Worker) RunBatch(ctx context.Context, in BatchInput) (*BatchResult, error) {
	doc, err := w.store.GetDocument(ctx, in.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if doc.EnhancementStatus == store.EnhancementSkipped {
		return &BatchResult{DocumentStatus: store.EnhancementSkipped}, nil
	}
	if doc.EnhancementStatus == store.EnhancementPending {
		if err := w.store.SetEnhancementStatus(ctx, doc.ID, store.EnhancementProcessing); err != nil {
			return nil, err
		}
	}

	chapters, err := w.store.ChaptersByNumber(ctx, in.DocumentID, in.ChapterNumbers)
	if err != nil {
		return nil, fmt.Errorf("failed to load chapters: %w", err)
	}

	res := &BatchResult{}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, ch := range chapters {
		if ch.Summary != nil {
			res.Skipped++
			continue
		}
		g.Go(func() error {
			o := w.enhanceChapter(ctx, doc, ch)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeCompleted:
				res.Completed++
			case outcomeFallback:
				res.Fallback++
			case outcomeFailed:
				res.Failed++
			case outcomeInterrupted:
				return fmt.Errorf("chapter %d interrupted: %w", ch.ChapterNumber, context.Cause(ctx))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status, err := w.RefreshStatus(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	res.DocumentStatus = status

	w.logger.Info("enhancement batch finished",
		"document_id", in.DocumentID,
		"batch", in.Batch+1,
		"batches", in.Batches,
		"completed", res.Completed,
		"fallback", res.Fallback,
		"failed", res.Failed,
		"document_status", status)
	return res, nil
}

func (w *Worker) enhanceChapter(ctx context.Context, doc *store.Document, ch *store.Chapter) outcome {
	log := w.logger.With("document_id", doc.ID, "chapter", ch.ChapterNumber)
	if err := w.store.SetChapterEnhancementStatus(ctx, ch.ID, store.EnhancementProcessing); err != nil {
		log.Warn("failed to mark chapter processing", "error", err)
	}

	req := SummaryRequest{
		DocumentTitle: doc.Title,
		ChapterNumber: ch.ChapterNumber,
		ChapterTitle:  ch.Title,
		Content:       truncateRunes(ch.Content, w.promptChars),
		MinWords:      w.minWords,
		MaxWords:      w.maxWords,
	}

	var (
		summary string
		result  = outcomeCompleted
	)
	res, err := w.summarize(ctx, req, log)
	switch {
	case err == nil:
		summary = res.Text()
	case errors.Is(err, ErrInvalidOutput):
		log.Warn("unusable summary output, using fallback", "error", err)
		summary = FallbackSummary(ch.ChapterNumber, ch.Title, ch.Content, ch.WordCount, ch.ReadingMinutes)
		result = outcomeFallback
	case ctx.Err() != nil:
		// Left unsummarized; the job's retry picks it up.
		return outcomeInterrupted
	default:
		log.Error("chapter enhancement failed", "error", err)
		if err := w.store.SetChapterEnhancementStatus(ctx, ch.ID, store.EnhancementFailed); err != nil {
			log.Warn("failed to mark chapter failed", "error", err)
		}
		return outcomeFailed
	}

	if err := w.store.SetChapterSummary(ctx, ch.ID, summary, store.EnhancementCompleted); err != nil {
		log.Error("failed to save summary", "error", err)
		return outcomeFailed
	}
	return result
}

// summarize calls the summarizer through the budget, retrying transient
// errors with exponential backoff. Output errors are not retried.
func (w *Worker) summarize(ctx context.Context, req SummaryRequest, log *slog.Logger) (*SummaryResult, error) {
	var res *SummaryResult
	err := retry.Do(
		func() error {
			release, err := w.budget.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()

			r, err := w.summarizer.Summarize(ctx, req)
			if err != nil {
				return err
			}
			res = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(w.maxAttempts)),
		retry.Delay(w.backoffBase),
		retry.MaxDelay(w.maxBackoff),
		retry.DelayType(w.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrInvalidOutput) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug("retrying summary", "attempt", n+1, "rate_limited", errors.Is(err, ErrRateLimited), "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// retryDelay is base·2^n with up to 25% jitter, or the provider's
// Retry-After when it sent one.
func (w *Worker) retryDelay(n uint, err error, _ *retry.Config) time.Duration {
	if rle, ok := IsRateLimitError(err); ok && rle.RetryAfter > 0 {
		return min(rle.RetryAfter, w.maxBackoff)
	}
	d := w.backoffBase << min(n, 16)
	if d <= 0 || d > w.maxBackoff {
		d = w.maxBackoff
	}
	if j := int64(d) / 4; j > 0 {
		d += time.Duration(rand.Int64N(j))
	}
	return min(d, w.maxBackoff)
}

// AbandonBatch marks the batch's unsummarized chapters failed once the job
// will not run again, so the document status can still settle.
func (w *Worker) AbandonBatch(ctx context.Context, in BatchInput) (store.EnhancementStatus, error) {
	chapters, err := w.store.ChaptersByNumber(ctx, in.DocumentID, in.ChapterNumbers)
	if err != nil {
		return "", fmt.Errorf("failed to load chapters: %w", err)
	}
	for _, ch := range chapters {
		if ch.Summary != nil || ch.EnhancementStatus.Terminal() {
			continue
		}
		if err := w.store.SetChapterEnhancementStatus(ctx, ch.ID, store.EnhancementFailed); err != nil {
			return "", err
		}
	}
	return w.RefreshStatus(ctx, in.DocumentID)
}

// RefreshStatus recomputes and stores a document's aggregate enhancement
// status from its chapters.
func (w *Worker) RefreshStatus(ctx context.Context, documentID string) (store.EnhancementStatus, error) {
	counts, err := w.store.EnhancementCounts(ctx, documentID)
	if err != nil {
		return "", err
	}
	status := Aggregate(counts)
	if err := w.store.SetEnhancementStatus(ctx, documentID, status); err != nil {
		return "", err
	}
	return status, nil
}

// Aggregate derives a document's enhancement status from per-chapter
// counts: completed when every chapter completed, failed when every chapter
// is terminal and failures outnumber successes, processing otherwise.
func Aggregate(counts map[store.EnhancementStatus]int) store.EnhancementStatus {
	total := 0
	for _, n := range counts {
		total += n
	}
	completed := counts[store.EnhancementCompleted]
	failed := counts[store.EnhancementFailed]
	switch {
	case completed == total:
		return store.EnhancementCompleted
	case completed+failed == total && failed > completed:
		return store.EnhancementFailed
	default:
		return store.EnhancementProcessing
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n]))
}
