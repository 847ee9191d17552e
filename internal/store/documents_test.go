package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDocumentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	if doc.Title != "book.pdf" {
		t.Errorf("expected title to default to file name, got %q", doc.Title)
	}
	if err := s.StartDocument(ctx, doc.ID); err != nil {
		t.Fatalf("StartDocument failed: %v", err)
	}
	if err := s.MarkDocumentMilestone(ctx, doc.ID, MilestoneExtracted); err != nil {
		t.Fatalf("MarkDocumentMilestone failed: %v", err)
	}
	if err := s.MarkDocumentMilestone(ctx, doc.ID, DocumentMilestone("bogus")); err == nil {
		t.Error("expected error for unknown milestone")
	}
	if err := s.CompleteDocument(ctx, doc.ID, 5000, 25); err != nil {
		t.Fatalf("CompleteDocument failed: %v", err)
	}

	got, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Status != DocumentCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.TotalWords != 5000 || got.ReadingMinutes != 25 {
		t.Errorf("totals not written: %+v", got)
	}
	if got.StartedAt == nil || got.ExtractedAt == nil || got.CompletedAt == nil {
		t.Errorf("timestamps missing: %+v", got)
	}
	if got.DetectedAt != nil {
		t.Errorf("detected_at unexpectedly set")
	}

	changed, err := s.FailDocument(ctx, doc.ID, "late failure")
	if err != nil {
		t.Fatalf("FailDocument failed: %v", err)
	}
	if changed {
		t.Error("completed document should not be failed")
	}
}

func TestCompleteDocument_DoesNotOverrideFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	if _, err := s.FailDocument(ctx, doc.ID, "timed out"); err != nil {
		t.Fatalf("FailDocument failed: %v", err)
	}
	if err := s.CompleteDocument(ctx, doc.ID, 10, 1); err != nil {
		t.Fatalf("CompleteDocument failed: %v", err)
	}
	got, _ := s.GetDocument(ctx, doc.ID)
	if got.Status != DocumentFailed {
		t.Errorf("expected failed to stick, got %s", got.Status)
	}
	if got.ErrorMessage != "timed out" {
		t.Errorf("expected error message, got %q", got.ErrorMessage)
	}
}

func TestUpdateDocument_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.StartDocument(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetDocument(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResetDocument_ClearsDerivedState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	s.StartDocument(ctx, doc.ID)
	s.InsertChapters(ctx, testChapters(doc.ID, 2))
	s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})
	s.FailDocument(ctx, doc.ID, "boom")

	if err := s.ResetDocument(ctx, doc.ID); err != nil {
		t.Fatalf("ResetDocument failed: %v", err)
	}

	got, _ := s.GetDocument(ctx, doc.ID)
	if got.Status != DocumentPending || got.ErrorMessage != "" || got.StartedAt != nil {
		t.Errorf("document not reset: %+v", got)
	}
	chs, _ := s.ListChapters(ctx, doc.ID)
	jobs, _ := s.ListJobs(ctx, JobFilter{DocumentID: doc.ID})
	if len(chs) != 0 || len(jobs) != 0 {
		t.Errorf("expected chapters and jobs cleared, got %d/%d", len(chs), len(jobs))
	}

	if err := s.ResetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResetDocument_RefusedWhileRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	s.StartDocument(ctx, doc.ID)
	s.InsertChapters(ctx, testChapters(doc.ID, 2))
	s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})
	job, err := s.ClaimJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimJob = %v, %v", job, err)
	}
	s.FailDocument(ctx, doc.ID, "timed out")

	if err := s.ResetDocument(ctx, doc.ID); !errors.Is(err, ErrDocumentBusy) {
		t.Fatalf("expected ErrDocumentBusy, got %v", err)
	}
	got, _ := s.GetDocument(ctx, doc.ID)
	chs, _ := s.ListChapters(ctx, doc.ID)
	if got.Status != DocumentFailed || len(chs) != 2 {
		t.Errorf("refused reset changed state: %s, %d chapters", got.Status, len(chs))
	}

	if err := s.CompleteJob(ctx, job.ID, nil); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if err := s.ResetDocument(ctx, doc.ID); err != nil {
		t.Errorf("ResetDocument after the job finished: %v", err)
	}
}

func TestListDocuments_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateDocument(t, s, "u1", "a.pdf")
	mustCreateDocument(t, s, "u1", "b.pdf")
	other := mustCreateDocument(t, s, "u2", "c.pdf")
	s.StartDocument(ctx, other.ID)

	docs, err := s.ListDocuments(ctx, DocumentFilter{OwnerID: "u1"})
	if err != nil {
		t.Fatalf("ListDocuments failed: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("expected 2 documents for u1, got %d", len(docs))
	}

	docs, _ = s.ListDocuments(ctx, DocumentFilter{Status: DocumentProcessing})
	if len(docs) != 1 || docs[0].ID != other.ID {
		t.Errorf("status filter returned %d documents", len(docs))
	}

	found, err := s.FindDocument(ctx, "u1", "a.pdf", 1024)
	if err != nil {
		t.Fatalf("FindDocument failed: %v", err)
	}
	if found.FileName != "a.pdf" {
		t.Errorf("unexpected document %+v", found)
	}
}

func TestListStaleDocuments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "a.pdf")
	s.StartDocument(ctx, doc.ID)

	stale, err := s.ListStaleDocuments(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStaleDocuments failed: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("expected 1 stale document, got %d", len(stale))
	}

	stale, _ = s.ListStaleDocuments(ctx, time.Now().Add(-time.Minute))
	if len(stale) != 0 {
		t.Errorf("expected none stale, got %d", len(stale))
	}
}

func TestProgressRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "a.pdf")

	recs := []*ProgressRecord{
		{DocumentID: doc.ID, Stage: "extract", StageProgress: 100, OverallProgress: 25, Message: "extracted"},
		{DocumentID: doc.ID, Stage: "detect", StageProgress: 50, OverallProgress: 40, Message: "detecting", IsError: true},
	}
	if err := s.AppendProgress(ctx, recs); err != nil {
		t.Fatalf("AppendProgress failed: %v", err)
	}
	if recs[0].ID == 0 || recs[1].ID <= recs[0].ID {
		t.Errorf("ids not assigned in order: %d, %d", recs[0].ID, recs[1].ID)
	}

	latest, err := s.LatestProgress(ctx, doc.ID)
	if err != nil {
		t.Fatalf("LatestProgress failed: %v", err)
	}
	if latest.Stage != "detect" || !latest.IsError {
		t.Errorf("unexpected latest record: %+v", latest)
	}

	after, err := s.ListProgressAfter(ctx, recs[0].ID, 10)
	if err != nil {
		t.Fatalf("ListProgressAfter failed: %v", err)
	}
	if len(after) != 1 || after[0].ID != recs[1].ID {
		t.Errorf("unexpected records after %d: %d", recs[0].ID, len(after))
	}

	if _, err := s.LatestProgress(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCacheEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := &CacheEntry{Type: "extraction", Key: "k1", InputHash: "h1", Output: json.RawMessage(`{"text":"x"}`), InputSize: 10}
	if err := s.UpsertCacheEntry(ctx, entry); err != nil {
		t.Fatalf("UpsertCacheEntry failed: %v", err)
	}

	for i := 1; i <= 2; i++ {
		got, err := s.TouchCacheEntry(ctx, "extraction", "k1")
		if err != nil {
			t.Fatalf("TouchCacheEntry failed: %v", err)
		}
		if got.HitCount != i {
			t.Errorf("expected hit count %d, got %d", i, got.HitCount)
		}
		if string(got.Output) != `{"text":"x"}` {
			t.Errorf("unexpected output %s", got.Output)
		}
	}

	if _, err := s.TouchCacheEntry(ctx, "detection", "k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected miss for other cache type, got %v", err)
	}

	peek, err := s.PeekCacheEntry(ctx, "extraction", "k1")
	if err != nil {
		t.Fatalf("PeekCacheEntry failed: %v", err)
	}
	if peek.HitCount != 2 {
		t.Errorf("peek changed hit count: %d", peek.HitCount)
	}
}

func TestCacheEviction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	put := func(key, hash string, created time.Time, hits int) {
		t.Helper()
		if err := s.UpsertCacheEntry(ctx, &CacheEntry{Type: "extraction", Key: key, InputHash: hash, Output: json.RawMessage(`{}`), CreatedAt: created}); err != nil {
			t.Fatalf("UpsertCacheEntry failed: %v", err)
		}
		for i := 0; i < hits; i++ {
			s.TouchCacheEntry(ctx, "extraction", key)
		}
	}

	put("old-cold", "a", old, 0)
	put("old-hot", "b", old, 3)
	put("new-cold", "c", time.Now(), 0)

	n, err := s.DeleteStaleCacheEntries(ctx, time.Now().Add(-24*time.Hour), 2)
	if err != nil {
		t.Fatalf("DeleteStaleCacheEntries failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale entry deleted, got %d", n)
	}
	if _, err := s.PeekCacheEntry(ctx, "extraction", "old-cold"); !errors.Is(err, ErrNotFound) {
		t.Error("old cold entry survived eviction")
	}

	put("dup-1", "shared", time.Now(), 1)
	put("dup-2", "shared", time.Now(), 4)
	put("dup-3", "shared", time.Now(), 2)

	n, err = s.DeleteDuplicateCacheEntries(ctx)
	if err != nil {
		t.Fatalf("DeleteDuplicateCacheEntries failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 duplicates removed, got %d", n)
	}
	if _, err := s.PeekCacheEntry(ctx, "extraction", "dup-2"); err != nil {
		t.Errorf("highest-hit duplicate was removed: %v", err)
	}

	stats, err := s.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats failed: %v", err)
	}
	if len(stats) != 1 || stats[0].Entries != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCacheEviction_KeepsInFlightHandoffs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")
	old := time.Now().Add(-48 * time.Hour)

	for _, key := range []string{"handoff-alice", "handoff-bob"} {
		if err := s.UpsertCacheEntry(ctx, &CacheEntry{Type: "extraction", Key: key, InputHash: "same-bytes", Output: json.RawMessage(`{}`), CreatedAt: old}); err != nil {
			t.Fatalf("UpsertCacheEntry failed: %v", err)
		}
	}
	s.TouchCacheEntry(ctx, "extraction", "handoff-bob")

	job, err := s.InsertJob(ctx, NewJob{
		DocumentID: doc.ID,
		Type:       JobDetectChapters,
		Input:      json.RawMessage(`{"document_id":"d","text_key":"handoff-alice"}`),
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	if n, err := s.DeleteDuplicateCacheEntries(ctx); err != nil || n != 0 {
		t.Errorf("DeleteDuplicateCacheEntries = %d, %v; want 0", n, err)
	}
	if n, err := s.DeleteStaleCacheEntries(ctx, time.Now().Add(-24*time.Hour), 5); err != nil || n != 1 {
		t.Errorf("DeleteStaleCacheEntries = %d, %v; want only the unreferenced entry", n, err)
	}
	if _, err := s.PeekCacheEntry(ctx, "extraction", "handoff-alice"); err != nil {
		t.Fatalf("entry of a pending job was evicted: %v", err)
	}

	// Once the job is done the entry is ordinary again.
	claimed, _ := s.ClaimJob(ctx)
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim %s, got %+v", job.ID, claimed)
	}
	s.CompleteJob(ctx, job.ID, nil)
	if n, _ := s.DeleteStaleCacheEntries(ctx, time.Now().Add(-24*time.Hour), 5); n != 1 {
		t.Errorf("expected the finished handoff to be evictable, deleted %d", n)
	}
}
