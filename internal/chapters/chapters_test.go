package chapters

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackzampolin/bindery/internal/detect"
	"github.com/jackzampolin/bindery/internal/enhance"
	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "word"
	}
	return strings.Join(parts, " ") + "."
}

func detected(chs ...detect.Chapter) *detect.Result {
	return &detect.Result{Method: detect.MethodPattern, Confidence: 0.95, Chapters: chs}
}

func TestPrepare_Validation(t *testing.T) {
	long := strings.Repeat("x", 250)
	res := detected(
		detect.Chapter{Title: "One", Content: words(120)},
		detect.Chapter{Title: "   ", Content: words(120)},
		detect.Chapter{Title: "Short", Content: "Too short."},
		detect.Chapter{Title: "Few words", Content: strings.Repeat("abcdefghij ", 20)[:200]},
		detect.Chapter{Title: long, Content: words(80)},
	)

	chs, rejected := Prepare("doc-1", res)
	if len(chs) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(chs))
	}
	if len(rejected) != 3 {
		t.Fatalf("expected 3 rejections, got %d: %+v", len(rejected), rejected)
	}
	wantReasons := []string{"empty title", "body too short", "too few words"}
	for i, r := range rejected {
		if r.Reason != wantReasons[i] {
			t.Errorf("rejection %d reason = %q, want %q", i, r.Reason, wantReasons[i])
		}
	}

	for i, ch := range chs {
		if ch.ChapterNumber != i+1 {
			t.Errorf("chapter %d numbered %d", i, ch.ChapterNumber)
		}
		if ch.DocumentID != "doc-1" || ch.PartNumber != 1 {
			t.Errorf("chapter %d has document %q part %d", i, ch.DocumentID, ch.PartNumber)
		}
		if ch.Metadata.Method != string(detect.MethodPattern) {
			t.Errorf("chapter %d method = %q", i, ch.Metadata.Method)
		}
	}

	title := chs[1].Title
	if n := len([]rune(title)); n != maxTitleRunes {
		t.Errorf("truncated title has %d runes, want %d", n, maxTitleRunes)
	}
	if !strings.HasSuffix(title, "...") {
		t.Errorf("truncated title should end with ellipsis: %q", title[len(title)-10:])
	}
	if chs[0].WordCount != 120 || chs[0].ReadingMinutes != 1 {
		t.Errorf("first chapter words=%d minutes=%d", chs[0].WordCount, chs[0].ReadingMinutes)
	}
}

func TestPrepare_ClampsConfidence(t *testing.T) {
	res := &detect.Result{Method: detect.MethodSemantic, Confidence: 1.4, Chapters: []detect.Chapter{
		{Title: "A", Content: words(60), StartOffset: -5, EndOffset: -10},
	}}
	chs, _ := Prepare("doc", res)
	if len(chs) != 1 {
		t.Fatalf("expected 1 chapter, got %d", len(chs))
	}
	m := chs[0].Metadata
	if m.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", m.Confidence)
	}
	if m.StartOffset != 0 || m.EndOffset != 0 {
		t.Errorf("offsets = %d..%d, want 0..0", m.StartOffset, m.EndOffset)
	}
}

func TestReadingMinutes(t *testing.T) {
	tests := []struct {
		words int
		want  int
	}{
		{0, 0},
		{1, 1},
		{200, 1},
		{201, 2},
		{4500, 23},
	}
	for _, tt := range tests {
		if got := ReadingMinutes(tt.words); got != tt.want {
			t.Errorf("ReadingMinutes(%d) = %d, want %d", tt.words, got, tt.want)
		}
	}
}

func TestHighlights(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "quotes first",
			content: `He said "the river remembers everything it carries" and left. In summary, nothing changed.`,
			want:    []string{"the river remembers everything it carries", "In summary, nothing changed."},
		},
		{
			name:    "curly quotes",
			content: "She wrote “every harbor has a second name” in the margin.",
			want:    []string{"every harbor has a second name"},
		},
		{
			name:    "short quotes ignored",
			content: `He said "no" and "maybe later" then walked away.`,
			want:    []string{},
		},
		{
			name:    "deduplicated",
			content: `"a phrase repeated twice over" and again "a phrase repeated twice over".`,
			want:    []string{"a phrase repeated twice over"},
		},
		{
			name:    "marker phrases",
			content: "The storm passed. Remember that the tide turns at dusk! The key is patience.",
			want:    []string{"Remember that the tide turns at dusk!", "The key is patience."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Highlights(tt.content)
			if len(got) != len(tt.want) {
				t.Fatalf("Highlights = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("highlight %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestHighlights_Limit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "They said \"this is memorable quote number %d\". ", i)
	}
	if got := Highlights(b.String()); len(got) != maxHighlights {
		t.Errorf("expected %d highlights, got %d", maxHighlights, len(got))
	}
}

// flakyStore fails every multi-row insert that contains a poisoned chapter
// number, and the single-row insert of that chapter.
type flakyStore struct {
	poison  int
	rows    []*store.Chapter
	batches int
	totals  [2]int
	status  store.EnhancementStatus
}

func (f *flakyStore) DeleteChapters(ctx context.Context, documentID string) (int64, error) {
	n := int64(len(f.rows))
	f.rows = nil
	return n, nil
}

func (f *flakyStore) InsertChapters(ctx context.Context, chs []*store.Chapter) error {
	f.batches++
	for _, ch := range chs {
		if ch.ChapterNumber == f.poison {
			return errors.New("constraint violation")
		}
	}
	for _, ch := range chs {
		f.assignID(ch)
	}
	f.rows = append(f.rows, chs...)
	return nil
}

func (f *flakyStore) assignID(ch *store.Chapter) {
	if ch.ID == "" {
		ch.ID = fmt.Sprintf("ch-%d", ch.ChapterNumber)
	}
}

func (f *flakyStore) InsertChapter(ctx context.Context, ch *store.Chapter) error {
	if ch.ChapterNumber == f.poison {
		return errors.New("constraint violation")
	}
	f.assignID(ch)
	f.rows = append(f.rows, ch)
	return nil
}

func (f *flakyStore) RenumberChapters(ctx context.Context, documentID string, ids []string) error {
	byID := make(map[string]*store.Chapter, len(f.rows))
	for _, ch := range f.rows {
		byID[ch.ID] = ch
	}
	for i, id := range ids {
		ch, ok := byID[id]
		if !ok {
			return store.ErrNotFound
		}
		ch.ChapterNumber = i + 1
	}
	return nil
}

func (f *flakyStore) SetDocumentTotals(ctx context.Context, id string, totalWords, readingMinutes int) error {
	f.totals = [2]int{totalWords, readingMinutes}
	return nil
}

func (f *flakyStore) SetEnhancementStatus(ctx context.Context, id string, status store.EnhancementStatus) error {
	f.status = status
	return nil
}

func manyChapters(n int) *detect.Result {
	chs := make([]detect.Chapter, n)
	for i := range chs {
		chs[i] = detect.Chapter{Title: fmt.Sprintf("Chapter %d", i+1), Content: words(100)}
	}
	return detected(chs...)
}

func TestStore_BatchFallback(t *testing.T) {
	fs := &flakyStore{poison: 14}
	svc, err := New(Config{Store: fs})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := svc.Store(context.Background(), "doc", manyChapters(25))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if fs.batches != 3 {
		t.Errorf("expected 3 batch inserts, got %d", fs.batches)
	}
	if out.Stored != 24 || out.FailedRows != 1 {
		t.Errorf("stored=%d failed=%d, want 24 and 1", out.Stored, out.FailedRows)
	}
	if len(fs.rows) != 24 {
		t.Errorf("store holds %d rows, want 24", len(fs.rows))
	}
	if fs.totals != [2]int{24 * 100, 24} {
		t.Errorf("totals = %v", fs.totals)
	}
	for i, ch := range out.Chapters {
		if ch.ChapterNumber != i+1 {
			t.Errorf("chapter %d numbered %d after a lost row", i+1, ch.ChapterNumber)
		}
	}
}

func TestStore_NothingValidIsPermanent(t *testing.T) {
	svc, err := New(Config{Store: &flakyStore{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = svc.Store(context.Background(), "doc", detected(detect.Chapter{Title: "x", Content: "tiny"}))
	if !errors.Is(err, ErrNoChapters) {
		t.Fatalf("expected ErrNoChapters, got %v", err)
	}
	if !queue.IsPermanent(err) {
		t.Error("expected a permanent error")
	}
}

func TestStore_ReplacesExisting(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "bindery.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	doc, err := st.CreateDocument(ctx, store.NewDocument{OwnerID: "u", FileName: "book.pdf", FileSize: 10})
	if err != nil {
		t.Fatalf("CreateDocument failed: %v", err)
	}
	svc, err := New(Config{Store: st})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, n := range []int{12, 4} {
		if _, err := svc.Store(ctx, doc.ID, manyChapters(n)); err != nil {
			t.Fatalf("Store(%d) failed: %v", n, err)
		}
	}
	chs, err := st.ListChapters(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ListChapters failed: %v", err)
	}
	if len(chs) != 4 {
		t.Fatalf("expected 4 chapters after replace, got %d", len(chs))
	}
	got, err := st.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.TotalWords != 400 || got.ReadingMinutes != 4 {
		t.Errorf("document totals = %d words, %d min", got.TotalWords, got.ReadingMinutes)
	}
}

func TestScheduleEnhancement(t *testing.T) {
	fs := &flakyStore{}
	svc, err := New(Config{Store: fs})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	chs, _ := Prepare("doc", manyChapters(12))

	t.Run("enabled", func(t *testing.T) {
		reqs, err := svc.ScheduleEnhancement(ctx, "doc", chs, true)
		if err != nil {
			t.Fatalf("ScheduleEnhancement failed: %v", err)
		}
		if fs.status != store.EnhancementPending {
			t.Errorf("status = %s, want pending", fs.status)
		}
		if len(reqs) != 3 {
			t.Fatalf("expected 3 jobs, got %d", len(reqs))
		}
		for i, r := range reqs {
			if r.Stage != queue.StageEnhance {
				t.Errorf("job %d stage = %s", i, r.Stage)
			}
			if r.Priority != queue.PriorityEnhance+i {
				t.Errorf("job %d priority = %d", i, r.Priority)
			}
			in := r.Payload.(enhance.BatchInput)
			if in.Batch != i || in.Batches != 3 {
				t.Errorf("job %d batch %d/%d", i, in.Batch, in.Batches)
			}
		}
		last := reqs[2].Payload.(enhance.BatchInput).ChapterNumbers
		if len(last) != 2 || last[0] != 11 || last[1] != 12 {
			t.Errorf("last batch chapters = %v", last)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		reqs, err := svc.ScheduleEnhancement(ctx, "doc", chs, false)
		if err != nil {
			t.Fatalf("ScheduleEnhancement failed: %v", err)
		}
		if len(reqs) != 0 {
			t.Errorf("expected no jobs, got %d", len(reqs))
		}
		if fs.status != store.EnhancementSkipped {
			t.Errorf("status = %s, want skipped", fs.status)
		}
	})
}
