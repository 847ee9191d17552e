package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestClaimJob_PriorityThenFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	var ids []string
	for _, p := range []int{5, 1, 5, 1} {
		job, err := s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, Priority: p, MaxRetries: 3})
		if err != nil {
			t.Fatalf("InsertJob failed: %v", err)
		}
		ids = append(ids, job.ID)
	}

	want := []string{ids[1], ids[3], ids[0], ids[2]}
	for i, w := range want {
		job, err := s.ClaimJob(ctx)
		if err != nil {
			t.Fatalf("ClaimJob failed: %v", err)
		}
		if job == nil {
			t.Fatalf("claim %d: expected job, got none", i)
		}
		if job.ID != w {
			t.Errorf("claim %d: expected %s, got %s", i, w, job.ID)
		}
		if job.Status != JobRunning {
			t.Errorf("claim %d: expected running, got %s", i, job.Status)
		}
		if job.StartedAt == nil {
			t.Errorf("claim %d: started_at not set", i)
		}
	}

	job, err := s.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job != nil {
		t.Errorf("expected empty queue, claimed %s", job.ID)
	}
}

func TestClaimJob_RespectsDependency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	parent, _ := s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, Priority: 10, MaxRetries: 3})
	child, _ := s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobDetectChapters, Priority: 0, DependsOn: parent.ID, MaxRetries: 3})

	got, err := s.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if got == nil || got.ID != parent.ID {
		t.Fatalf("expected parent to be claimed first, got %+v", got)
	}

	if next, _ := s.ClaimJob(ctx); next != nil {
		t.Fatalf("child claimed before parent completed: %s", next.ID)
	}

	if err := s.CompleteJob(ctx, parent.ID, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	next, err := s.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if next == nil || next.ID != child.ID {
		t.Fatalf("expected child after parent completed, got %+v", next)
	}
}

func TestClaimJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})
	enh, _ := s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobEnhanceChapters, Priority: 9, MaxRetries: 3})

	got, err := s.ClaimJob(ctx, JobEnhanceChapters)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if got == nil || got.ID != enh.ID {
		t.Fatalf("expected enhance job, got %+v", got)
	}
}

func TestClaimJob_ConcurrentClaimersNeverShare(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	const jobs = 40
	for i := 0; i < jobs; i++ {
		if _, err := s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3}); err != nil {
			t.Fatalf("InsertJob failed: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimJob(ctx)
				if err != nil {
					t.Errorf("ClaimJob failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("expected %d distinct claims, got %d", jobs, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestFailJob_RetriesThenFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")
	job, _ := s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})

	wantStatus := []JobStatus{JobRetrying, JobRetrying, JobFailed}
	for i, want := range wantStatus {
		claimed, err := s.ClaimJob(ctx)
		if err != nil || claimed == nil {
			t.Fatalf("attempt %d: claim failed: %v", i+1, err)
		}
		status, count, err := s.FailJob(ctx, claimed.ID, "boom", false)
		if err != nil {
			t.Fatalf("attempt %d: FailJob failed: %v", i+1, err)
		}
		if status != want {
			t.Errorf("attempt %d: expected %s, got %s", i+1, want, status)
		}
		if count != i+1 {
			t.Errorf("attempt %d: expected retry count %d, got %d", i+1, i+1, count)
		}
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at on failed job")
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("expected error message recorded, got %q", got.ErrorMessage)
	}
	if next, _ := s.ClaimJob(ctx); next != nil {
		t.Errorf("failed job was claimable again")
	}
}

func TestFailJob_PermanentSkipsRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")
	s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})

	claimed, _ := s.ClaimJob(ctx)
	status, _, err := s.FailJob(ctx, claimed.ID, "no text", true)
	if err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	if status != JobFailed {
		t.Errorf("expected failed, got %s", status)
	}
}

func TestCompleteJob_RequiresRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")
	job, _ := s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})

	err := s.CompleteJob(ctx, job.ID, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for pending job, got %v", err)
	}
}

func TestCountCachedJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	for _, out := range []string{`{"cached":true}`, `{"cached":false}`, `{"cached":true,"chapters":3}`} {
		s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})
		job, _ := s.ClaimJob(ctx)
		if err := s.CompleteJob(ctx, job.ID, json.RawMessage(out)); err != nil {
			t.Fatalf("CompleteJob failed: %v", err)
		}
	}

	n, err := s.CountCachedJobs(ctx, doc.ID)
	if err != nil {
		t.Fatalf("CountCachedJobs failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cached jobs, got %d", n)
	}
}

func TestRecordCompletedJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	job, err := s.RecordCompletedJob(ctx, NewJob{DocumentID: doc.ID, Type: JobStoreChapters, MaxRetries: 3},
		json.RawMessage(`{"cached":true}`))
	if err != nil {
		t.Fatalf("RecordCompletedJob failed: %v", err)
	}

	claimed, err := s.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("recorded job should not be claimable, got %s", claimed.ID)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != JobCompleted || got.CompletedAt == nil {
		t.Errorf("expected completed job with completion time, got %+v", got)
	}
	if n, _ := s.CountCachedJobs(ctx, doc.ID); n != 1 {
		t.Errorf("expected 1 cached job, got %d", n)
	}
}

func TestRequeueRunningJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")

	if _, err := s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3}); err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	claimed, err := s.ClaimJob(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	n, err := s.RequeueRunningJobs(ctx)
	if err != nil {
		t.Fatalf("RequeueRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued job, got %d", n)
	}
	again, err := s.ClaimJob(ctx)
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if again == nil || again.ID != claimed.ID {
		t.Errorf("expected the requeued job to be claimable again")
	}
}

func TestCompleteJob_InsertsFollowUps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")
	s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})

	parent, err := s.ClaimJob(ctx)
	if err != nil || parent == nil {
		t.Fatalf("ClaimJob = %v, %v", parent, err)
	}
	next := []NewJob{
		{DocumentID: doc.ID, Type: JobDetectChapters, MaxRetries: 3},
		{DocumentID: doc.ID, Type: JobDetectChapters, MaxRetries: 3},
	}
	if err := s.CompleteJob(ctx, parent.ID, nil, next...); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	jobs, err := s.ListJobs(ctx, JobFilter{DocumentID: doc.ID, Type: JobDetectChapters})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 follow-ups, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.DependsOn != parent.ID || j.Status != JobPending {
			t.Errorf("follow-up %s: depends on %q, status %s", j.ID, j.DependsOn, j.Status)
		}
	}
}

func TestCompleteJob_NotRunningWritesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")
	s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})

	job, err := s.ClaimJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimJob = %v, %v", job, err)
	}
	// The job is taken away from this worker before it finishes.
	if _, err := s.RequeueRunningJobs(ctx); err != nil {
		t.Fatalf("RequeueRunningJobs failed: %v", err)
	}

	err = s.CompleteJob(ctx, job.ID, nil, NewJob{DocumentID: doc.ID, Type: JobDetectChapters, MaxRetries: 3})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	jobs, _ := s.ListJobs(ctx, JobFilter{DocumentID: doc.ID})
	if len(jobs) != 1 {
		t.Errorf("expected no follow-ups from a job that is not running, got %d jobs", len(jobs))
	}
}

func TestCompleteJob_FollowUpFailureRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	doc := mustCreateDocument(t, s, "u1", "book.pdf")
	s.InsertJob(ctx, NewJob{DocumentID: doc.ID, Type: JobExtractText, MaxRetries: 3})

	job, err := s.ClaimJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimJob = %v, %v", job, err)
	}
	err = s.CompleteJob(ctx, job.ID, nil,
		NewJob{DocumentID: doc.ID, Type: JobDetectChapters, MaxRetries: 3},
		NewJob{DocumentID: "no-such-document", Type: JobDetectChapters, MaxRetries: 3})
	if err == nil {
		t.Fatal("expected the foreign key violation to fail completion")
	}

	jobs, _ := s.ListJobs(ctx, JobFilter{DocumentID: doc.ID})
	if len(jobs) != 1 {
		t.Fatalf("expected no follow-ups after rollback, got %d jobs", len(jobs))
	}
	if jobs[0].Status != JobRunning {
		t.Errorf("expected the job still running, got %s", jobs[0].Status)
	}
}
