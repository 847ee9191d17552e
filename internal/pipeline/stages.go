package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackzampolin/bindery/internal/cache"
	"github.com/jackzampolin/bindery/internal/chapters"
	"github.com/jackzampolin/bindery/internal/detect"
	"github.com/jackzampolin/bindery/internal/enhance"
	"github.com/jackzampolin/bindery/internal/extract"
	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

// ExtractPayload is the input of an extraction job.
type ExtractPayload struct {
	DocumentID string `json:"document_id"`
}

// DetectPayload is the input of a detection job.
type DetectPayload struct {
	DocumentID string `json:"document_id"`
	TextKey    string `json:"text_key"`
}

// StorePayload is the input of a chapter storage job.
type StorePayload struct {
	DocumentID   string `json:"document_id"`
	DetectionKey string `json:"detection_key"`
}

// DetectOutput is the output of a detection job.
type DetectOutput struct {
	Cached       bool          `json:"cached"`
	CacheKey     string        `json:"cache_key"`
	Method       detect.Method `json:"method"`
	Confidence   float64       `json:"confidence"`
	Chapters     int           `json:"chapters"`
	Words        int           `json:"words"`
	DurationSecs float64       `json:"duration_secs"`
}

// StoreOutput is the output of a chapter storage job.
type StoreOutput struct {
	Cached             bool                 `json:"cached"`
	Chapters           int                  `json:"chapters"`
	Rejected           []chapters.Rejection `json:"rejected,omitempty"`
	FailedRows         int                  `json:"failed_rows,omitempty"`
	TotalWords         int                  `json:"total_words"`
	ReadingMinutes     int                  `json:"reading_minutes"`
	EnhancementBatches int                  `json:"enhancement_batches"`
}

// errHandoffMissing marks a stage input that vanished from the cache. The
// stage cannot recover it, so the document has to be resubmitted.
var errHandoffMissing = errors.New("stage input missing from cache")

func decodePayload(job *store.Job, v any) error {
	if err := json.Unmarshal(job.Input, v); err != nil {
		return queue.Permanent(fmt.Errorf("failed to decode %s payload: %w", job.Type, err))
	}
	return nil
}

// loadDocument fetches the job's document. A missing document is permanent.
func (o *Orchestrator) loadDocument(ctx context.Context, id string) (*store.Document, error) {
	doc, err := o.store.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, queue.Permanent(fmt.Errorf("document %s: %w", id, err))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return doc, nil
}

func (o *Orchestrator) handleExtract(ctx context.Context, job *store.Job) (*Result, error) {
	var in ExtractPayload
	if err := decodePayload(job, &in); err != nil {
		return nil, err
	}
	doc, err := o.loadDocument(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	o.report(doc.ID, queue.StageExtract, 10, "extracting text")

	out, err := o.extract.Run(ctx, extract.Input{
		OwnerID:  doc.OwnerID,
		FileName: doc.FileName,
		FileSize: doc.FileSize,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.MarkDocumentMilestone(ctx, doc.ID, store.MilestoneExtracted); err != nil {
		return nil, err
	}
	o.report(doc.ID, queue.StageExtract, 100,
		fmt.Sprintf("extracted %d words from %d pages", out.WordCount, out.PageCount))

	return &Result{
		Output: out,
		Next: []queue.EnqueueRequest{{
			Stage:    queue.StageDetect,
			Priority: job.Priority,
			Payload:  DetectPayload{DocumentID: doc.ID, TextKey: out.CacheKey},
		}},
	}, nil
}

func (o *Orchestrator) handleDetect(ctx context.Context, job *store.Job) (*Result, error) {
	var in DetectPayload
	if err := decodePayload(job, &in); err != nil {
		return nil, err
	}
	doc, err := o.loadDocument(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	o.report(doc.ID, queue.StageDetect, 0, "detecting chapter boundaries")

	var text extract.Result
	if err := o.cache.PeekJSON(ctx, cache.TypeExtraction, in.TextKey, &text); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, queue.Permanent(fmt.Errorf("extracted text: %w", errHandoffMissing))
		}
		return nil, err
	}

	detector := o.Detector()
	key := cache.DetectionKey(text.Text, doc.Title, detector.Fingerprint())
	start := time.Now()

	var (
		res    detect.Result
		cached bool
	)
	err = o.cache.GetJSON(ctx, cache.TypeDetection, key, &res)
	switch {
	case err == nil:
		cached = true
		o.logger.Info("detection cache hit", "document_id", doc.ID, "method", res.Method)
	case errors.Is(err, cache.ErrMiss):
		res = *detector.Detect(text.Text, doc.Title)
		if err := o.cache.Put(ctx, cache.Entry{
			Type:      cache.TypeDetection,
			Key:       key,
			InputHash: text.ContentHash,
			Payload:   &res,
			InputSize: int64(len(text.Text)),
			Duration:  time.Since(start),
		}); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := o.store.MarkDocumentMilestone(ctx, doc.ID, store.MilestoneDetected); err != nil {
		return nil, err
	}
	o.report(doc.ID, queue.StageDetect, 100,
		fmt.Sprintf("found %d chapters (%s, confidence %.2f)", len(res.Chapters), res.Method, res.Confidence))

	return &Result{
		Output: DetectOutput{
			Cached:       cached,
			CacheKey:     key,
			Method:       res.Method,
			Confidence:   res.Confidence,
			Chapters:     len(res.Chapters),
			Words:        res.TotalWords(),
			DurationSecs: time.Since(start).Seconds(),
		},
		Next: []queue.EnqueueRequest{{
			Stage:    queue.StageStore,
			Priority: job.Priority,
			Payload:  StorePayload{DocumentID: doc.ID, DetectionKey: key},
		}},
	}, nil
}

func (o *Orchestrator) handleStore(ctx context.Context, job *store.Job) (*Result, error) {
	var in StorePayload
	if err := decodePayload(job, &in); err != nil {
		return nil, err
	}
	doc, err := o.loadDocument(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	o.report(doc.ID, queue.StageStore, 0, "storing chapters")

	var res detect.Result
	if err := o.cache.PeekJSON(ctx, cache.TypeDetection, in.DetectionKey, &res); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, queue.Permanent(fmt.Errorf("detected chapters: %w", errHandoffMissing))
		}
		return nil, err
	}

	stored, err := o.chapters.Store(ctx, doc.ID, &res)
	if err != nil {
		return nil, err
	}
	// A document the watchdog failed meanwhile stays failed; the runner
	// then drops the enhancement jobs.
	if err := o.store.CompleteDocument(ctx, doc.ID, stored.TotalWords, stored.ReadingMinutes); err != nil {
		return nil, err
	}

	if err := o.cache.Put(ctx, cache.Entry{
		Type:      cache.TypeWorkflow,
		Key:       o.workflowKey(doc),
		InputHash: in.DetectionKey,
		Payload:   &res,
		InputSize: doc.FileSize,
		Duration:  workflowDuration(doc),
	}); err != nil {
		o.logger.Warn("failed to write workflow cache", "document_id", doc.ID, "error", err)
	}

	next, err := o.chapters.ScheduleEnhancement(ctx, doc.ID, stored.Chapters, o.EnhancementEnabled())
	if err != nil {
		return nil, err
	}
	o.report(doc.ID, queue.StageStore, 100,
		fmt.Sprintf("stored %d chapters, %d words", stored.Stored, stored.TotalWords))

	return &Result{
		Output: StoreOutput{
			Chapters:           stored.Stored,
			Rejected:           stored.Rejected,
			FailedRows:         stored.FailedRows,
			TotalWords:         stored.TotalWords,
			ReadingMinutes:     stored.ReadingMinutes,
			EnhancementBatches: len(next),
		},
		Next: next,
	}, nil
}

func (o *Orchestrator) handleEnhance(ctx context.Context, job *store.Job) (*Result, error) {
	var in enhance.BatchInput
	if err := decodePayload(job, &in); err != nil {
		return nil, err
	}
	if o.enhancer == nil {
		if err := o.store.SetEnhancementStatus(ctx, in.DocumentID, store.EnhancementSkipped); err != nil {
			return nil, err
		}
		return &Result{Output: map[string]bool{"skipped": true}}, nil
	}

	res, err := o.enhancer.RunBatch(ctx, in)
	if err != nil {
		return nil, err
	}
	o.report(in.DocumentID, queue.StageEnhance, 100*(in.Batch+1)/max(in.Batches, 1),
		fmt.Sprintf("summarized batch %d of %d: %d completed, %d fallback, %d failed",
			in.Batch+1, in.Batches, res.Completed, res.Fallback, res.Failed))
	return &Result{Output: res}, nil
}

func (o *Orchestrator) workflowKey(doc *store.Document) string {
	return cache.WorkflowKey(doc.OwnerID, doc.FileName, doc.FileSize, doc.Title, o.Detector().Fingerprint())
}

func workflowDuration(doc *store.Document) time.Duration {
	if doc.StartedAt == nil {
		return 0
	}
	return time.Since(*doc.StartedAt)
}
