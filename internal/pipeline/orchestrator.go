// Package pipeline turns uploaded PDFs into stored books. The Orchestrator
// accepts documents and owns the stage handlers; the Runner claims queued
// jobs and dispatches them. Each stage caches its output, reports progress
// and enqueues the next stage only after that output is durable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/bindery/internal/blob"
	"github.com/jackzampolin/bindery/internal/cache"
	"github.com/jackzampolin/bindery/internal/chapters"
	"github.com/jackzampolin/bindery/internal/detect"
	"github.com/jackzampolin/bindery/internal/enhance"
	"github.com/jackzampolin/bindery/internal/extract"
	"github.com/jackzampolin/bindery/internal/progress"
	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

// Upload errors.
var (
	ErrInvalidUpload = errors.New("invalid upload")
	ErrNotPDF        = errors.New("file is not a readable PDF")
)

// Config configures an Orchestrator.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Cache    *cache.Cache
	Blobs    blob.Store
	Progress *progress.Sink
	// Extractor defaults to the PDF extractor.
	Extractor extract.Extractor
	// Validate checks uploads before they are stored (default:
	// extract.Validate).
	Validate func(data []byte) error
	// Enhancer is optional; without it enhancement is skipped.
	Enhancer *enhance.Worker

	Detection          detect.Options
	EnhancementEnabled bool
	ChapterBatchSize   int
	EnhanceBatchSize   int

	Workers      int
	PollInterval time.Duration
	// WorkflowTimeout fails documents still processing after this long
	// (default: 15m).
	WorkflowTimeout time.Duration
	// WatchdogInterval is how often timeouts are checked (default: 30s).
	WatchdogInterval time.Duration

	Logger *slog.Logger
}

// Orchestrator submits documents and executes pipeline stages.
type Orchestrator struct {
	store    *store.Store
	queue    *queue.Queue
	cache    *cache.Cache
	blobs    blob.Store
	sink     *progress.Sink
	extract  *extract.Stage
	chapters *chapters.Service
	enhancer *enhance.Worker
	runner   *Runner
	validate func([]byte) error
	logger   *slog.Logger

	detector         atomic.Pointer[detect.Detector]
	enhanceOn        atomic.Bool
	timeout          atomic.Int64
	watchdogInterval time.Duration
}

// New creates an orchestrator and its runner.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Cache == nil || cfg.Blobs == nil || cfg.Progress == nil {
		return nil, fmt.Errorf("store, queue, cache, blobs and progress are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 30 * time.Second
	}
	if cfg.Validate == nil {
		cfg.Validate = extract.Validate
	}

	ext, err := extract.NewStage(extract.Config{
		Blobs:     cfg.Blobs,
		Cache:     cfg.Cache,
		Extractor: cfg.Extractor,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	chs, err := chapters.New(chapters.Config{
		Store:            cfg.Store,
		BatchSize:        cfg.ChapterBatchSize,
		EnhanceBatchSize: cfg.EnhanceBatchSize,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:            cfg.Store,
		queue:            cfg.Queue,
		cache:            cfg.Cache,
		blobs:            cfg.Blobs,
		sink:             cfg.Progress,
		extract:          ext,
		chapters:         chs,
		enhancer:         cfg.Enhancer,
		validate:         cfg.Validate,
		logger:           cfg.Logger.With("component", "orchestrator"),
		watchdogInterval: cfg.WatchdogInterval,
	}
	o.SetDetection(cfg.Detection)
	o.SetEnhancementEnabled(cfg.EnhancementEnabled)
	o.SetWorkflowTimeout(cfg.WorkflowTimeout)

	reg := NewRegistry()
	for stage, h := range map[queue.Stage]Handler{
		queue.StageExtract: o.handleExtract,
		queue.StageDetect:  o.handleDetect,
		queue.StageStore:   o.handleStore,
		queue.StageEnhance: o.handleEnhance,
	} {
		if err := reg.Register(stage, h); err != nil {
			return nil, err
		}
	}
	o.runner, err = NewRunner(RunnerConfig{
		Queue:        cfg.Queue,
		Registry:     reg,
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		Continue:     o.documentActive,
		OnFailure:    o.jobFailed,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Runner returns the job runner.
func (o *Orchestrator) Runner() *Runner {
	return o.runner
}

// Detector returns the current boundary detector.
func (o *Orchestrator) Detector() *detect.Detector {
	return o.detector.Load()
}

// SetDetection swaps the detector options. Documents already past
// detection are unaffected.
func (o *Orchestrator) SetDetection(opts detect.Options) {
	d := detect.New(opts)
	o.detector.Store(d)
	o.logger.Debug("detector configured", "fingerprint", d.Fingerprint())
}

// SetEnhancementEnabled toggles enhancement for documents stored from now on.
func (o *Orchestrator) SetEnhancementEnabled(on bool) {
	o.enhanceOn.Store(on)
}

// EnhancementEnabled reports whether stored documents get summaries.
func (o *Orchestrator) EnhancementEnabled() bool {
	return o.enhancer != nil && o.enhanceOn.Load()
}

// SetWorkflowTimeout changes the whole-workflow deadline.
func (o *Orchestrator) SetWorkflowTimeout(d time.Duration) {
	if d <= 0 {
		d = 15 * time.Minute
	}
	o.timeout.Store(int64(d))
}

// WorkflowTimeout returns the whole-workflow deadline.
func (o *Orchestrator) WorkflowTimeout() time.Duration {
	return time.Duration(o.timeout.Load())
}

// Run recovers orphaned jobs, then runs the watchdog and the runner until
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.queue.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.watchdog(ctx)
	}()
	o.runner.Run(ctx)
	<-done
	return nil
}

// Submission is the immediate answer to a submit.
type Submission struct {
	DocumentID          string               `json:"document_id"`
	JobID               string               `json:"job_id"`
	Status              store.DocumentStatus `json:"status"`
	Cached              bool                 `json:"cached"`
	Existing            bool                 `json:"existing,omitempty"`
	EstimatedCompletion time.Time            `json:"estimated_completion"`
}

// UploadRequest is a new source file.
type UploadRequest struct {
	OwnerID  string
	FileName string
	Title    string
	Author   string
	Genre    string
	Data     []byte
}

// Upload validates and stores a PDF, creates its document and submits it.
// When the same owner's file with the same size is already processing,
// that run is returned instead of starting a second one.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (*Submission, error) {
	if req.OwnerID == "" || req.FileName == "" {
		return nil, fmt.Errorf("%w: owner and file name are required", ErrInvalidUpload)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}
	if err := o.validate(req.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	size := int64(len(req.Data))

	prev, err := o.store.FindDocument(ctx, req.OwnerID, req.FileName, size)
	switch {
	case err == nil && (prev.Status == store.DocumentProcessing || prev.Status == store.DocumentPending):
		o.logger.Info("upload matches a document in flight", "document_id", prev.ID, "file", req.FileName)
		sub := &Submission{DocumentID: prev.ID, Status: prev.Status, Existing: true}
		sub.EstimatedCompletion = o.estimate(prev)
		return sub, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if err := o.blobs.Put(ctx, req.OwnerID, req.FileName, req.Data); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	doc, err := o.store.CreateDocument(ctx, store.NewDocument{
		OwnerID:  req.OwnerID,
		Title:    req.Title,
		Author:   req.Author,
		Genre:    req.Genre,
		FileName: req.FileName,
		FileSize: size,
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("document uploaded", "document_id", doc.ID, "file", req.FileName, "bytes", size)
	return o.Submit(ctx, doc.ID)
}

// Submit starts processing a document. A completed run of the same file
// and title is served from the workflow cache: chapters are restored and
// the document completes immediately.
func (o *Orchestrator) Submit(ctx context.Context, documentID string) (*Submission, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := o.store.StartDocument(ctx, doc.ID); err != nil {
		return nil, err
	}
	now := time.Now()
	doc.Status = store.DocumentProcessing
	doc.StartedAt = &now

	var res detect.Result
	err = o.cache.GetJSON(ctx, cache.TypeWorkflow, o.workflowKey(doc), &res)
	switch {
	case err == nil:
		sub, rerr := o.replay(ctx, doc, &res)
		if rerr == nil {
			return sub, nil
		}
		o.logger.Warn("workflow cache replay failed, processing normally", "document_id", doc.ID, "error", rerr)
	case !errors.Is(err, cache.ErrMiss):
		o.logger.Warn("workflow cache read failed", "document_id", doc.ID, "error", err)
	}

	jobID, err := o.queue.Enqueue(ctx, queue.EnqueueRequest{
		DocumentID: doc.ID,
		Stage:      queue.StageExtract,
		Priority:   queue.PriorityNormal,
		Payload:    ExtractPayload{DocumentID: doc.ID},
	})
	if err != nil {
		return nil, err
	}
	o.report(doc.ID, queue.StageExtract, 0, "queued for processing")
	o.logger.Info("document submitted", "document_id", doc.ID, "job_id", jobID)

	return &Submission{
		DocumentID:          doc.ID,
		JobID:               jobID,
		Status:              store.DocumentProcessing,
		EstimatedCompletion: now.Add(EstimateForSize(doc.FileSize)),
	}, nil
}

// replay restores a cached chapter set onto doc and completes it.
func (o *Orchestrator) replay(ctx context.Context, doc *store.Document, res *detect.Result) (*Submission, error) {
	stored, err := o.chapters.Store(ctx, doc.ID, res)
	if err != nil {
		return nil, err
	}
	if err := o.store.CompleteDocument(ctx, doc.ID, stored.TotalWords, stored.ReadingMinutes); err != nil {
		return nil, err
	}
	next, err := o.chapters.ScheduleEnhancement(ctx, doc.ID, stored.Chapters, o.EnhancementEnabled())
	if err != nil {
		return nil, err
	}
	jobID, err := o.queue.Record(ctx, queue.EnqueueRequest{
		DocumentID: doc.ID,
		Stage:      queue.StageStore,
		Priority:   queue.PriorityNormal,
	}, StoreOutput{
		Cached:             true,
		Chapters:           stored.Stored,
		TotalWords:         stored.TotalWords,
		ReadingMinutes:     stored.ReadingMinutes,
		EnhancementBatches: len(next),
	})
	if err != nil {
		return nil, err
	}
	for _, req := range next {
		if _, err := o.queue.Enqueue(ctx, req); err != nil {
			return nil, err
		}
	}

	if err := o.sink.SendSync(ctx, &store.ProgressRecord{
		DocumentID:      doc.ID,
		Stage:           queue.StageStore.Name(),
		StageProgress:   100,
		OverallProgress: 100,
		Message:         fmt.Sprintf("loaded %d chapters from cache", stored.Stored),
	}); err != nil {
		o.logger.Warn("failed to record cached progress", "document_id", doc.ID, "error", err)
	}

	o.logger.Info("document served from workflow cache",
		"document_id", doc.ID,
		"chapters", stored.Stored,
		"words", stored.TotalWords)
	return &Submission{
		DocumentID:          doc.ID,
		JobID:               jobID,
		Status:              store.DocumentCompleted,
		Cached:              true,
		EstimatedCompletion: time.Now(),
	}, nil
}

// Resubmit discards a document's chapters and jobs and processes it again
// from extraction. Stage caches still apply. A document with a job still
// running is refused with store.ErrDocumentBusy.
func (o *Orchestrator) Resubmit(ctx context.Context, documentID string) (*Submission, error) {
	if err := o.store.ResetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	o.logger.Info("document reset for resubmission", "document_id", documentID)
	return o.Submit(ctx, documentID)
}

// estimate projects completion for a document in flight.
func (o *Orchestrator) estimate(doc *store.Document) time.Time {
	now := time.Now()
	if doc.StartedAt == nil {
		return now.Add(EstimateForSize(doc.FileSize))
	}
	overall := 0
	if rec, err := o.store.LatestProgress(context.Background(), doc.ID); err == nil {
		overall = rec.OverallProgress
	}
	return now.Add(progress.EstimateRemaining(now.Sub(*doc.StartedAt), overall))
}

// EstimateForSize is the up-front guess for a new document: a minute plus
// thirty seconds per megabyte, within the reporter's bounds.
func EstimateForSize(size int64) time.Duration {
	d := time.Minute + time.Duration(size>>20)*30*time.Second
	return max(progress.MinEstimate, min(progress.MaxEstimate, d))
}

// documentActive gates follow-up jobs on the document not having failed.
func (o *Orchestrator) documentActive(ctx context.Context, documentID string) (bool, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.Status != store.DocumentFailed, nil
}

// jobFailed records the failure on the progress log and, once a required
// stage gives up, on the document.
func (o *Orchestrator) jobFailed(ctx context.Context, job *store.Job, stage queue.Stage, outcome queue.FailOutcome, cause error) {
	msg := fmt.Sprintf("%s failed: %v", stage, cause)
	if outcome.Retrying {
		msg = fmt.Sprintf("%s failed (attempt %d), retrying: %v", stage, outcome.RetryCount, cause)
	}
	o.reportError(job.DocumentID, stage, msg)

	if !outcome.Terminal {
		return
	}
	if stage == queue.StageEnhance {
		// Enhancement is best effort and never fails the document.
		if o.enhancer == nil {
			return
		}
		var in enhance.BatchInput
		if err := decodePayload(job, &in); err != nil {
			o.logger.Error("failed to decode abandoned batch", "job_id", job.ID, "error", err)
			return
		}
		if _, err := o.enhancer.AbandonBatch(ctx, in); err != nil {
			o.logger.Error("failed to abandon enhancement batch", "job_id", job.ID, "error", err)
		}
		return
	}

	changed, err := o.store.FailDocument(ctx, job.DocumentID, userMessage(stage, cause))
	if err != nil {
		o.logger.Error("failed to mark document failed", "document_id", job.DocumentID, "error", err)
		return
	}
	if changed {
		o.logger.Warn("document failed", "document_id", job.DocumentID, "stage", stage, "error", cause)
	}
}

// userMessage turns a stage error into text fit for the document row.
func userMessage(stage queue.Stage, err error) string {
	switch {
	case errors.Is(err, extract.ErrNoText):
		return "The PDF has no extractable text. Scanned documents are not supported."
	case errors.Is(err, extract.ErrInvalidPDF):
		return "The file could not be read as a PDF."
	case errors.Is(err, chapters.ErrNoChapters):
		return "No chapters could be identified in the document."
	case errors.Is(err, errHandoffMissing):
		return "Intermediate results expired. Resubmit the document."
	case errors.Is(err, store.ErrNotFound):
		return "The document no longer exists."
	default:
		return fmt.Sprintf("Processing failed during %s: %v", stage, err)
	}
}

// CheckTimeouts fails every document that has been processing longer than
// the workflow timeout. In-flight jobs finish but enqueue nothing further.
func (o *Orchestrator) CheckTimeouts(ctx context.Context) (int, error) {
	timeout := o.WorkflowTimeout()
	stale, err := o.store.ListStaleDocuments(ctx, time.Now().Add(-timeout))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range stale {
		changed, err := o.store.FailDocument(ctx, doc.ID,
			fmt.Sprintf("Processing did not finish within %s.", timeout))
		if err != nil {
			return n, err
		}
		if !changed {
			continue
		}
		n++
		if _, err := o.queue.CancelDocument(ctx, doc.ID); err != nil {
			o.logger.Warn("failed to cancel queued jobs", "document_id", doc.ID, "error", err)
		}
		o.reportError(doc.ID, queue.StageExtract, fmt.Sprintf("workflow timed out after %s", timeout))
		o.logger.Warn("document timed out", "document_id", doc.ID, "started_at", doc.StartedAt)
	}
	return n, nil
}

func (o *Orchestrator) watchdog(ctx context.Context) {
	ticker := time.NewTicker(o.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.CheckTimeouts(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("timeout check failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) report(documentID string, stage queue.Stage, stageProgress int, msg string) {
	o.sink.Send(&store.ProgressRecord{
		DocumentID:      documentID,
		Stage:           stage.Name(),
		StageProgress:   stageProgress,
		OverallProgress: stage.Overall(stageProgress),
		Message:         msg,
	})
}

func (o *Orchestrator) reportError(documentID string, stage queue.Stage, msg string) {
	o.sink.Send(&store.ProgressRecord{
		DocumentID:      documentID,
		Stage:           stage.Name(),
		OverallProgress: stage.Overall(0),
		Message:         msg,
		IsError:         true,
	})
}
