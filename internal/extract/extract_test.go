package extract

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackzampolin/bindery/internal/cache"
	"github.com/jackzampolin/bindery/internal/queue"
	"github.com/jackzampolin/bindery/internal/store"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "page number lines removed",
			in:   "First line.\n12\nSecond line.\n- 13 -\nThird.",
			want: "First line.\nSecond line.\nThird.",
		},
		{
			name: "page x of y removed",
			in:   "Intro text Page 3 of 120\nMore text.",
			want: "Intro text\nMore text.",
		},
		{
			name: "form feed becomes paragraph break",
			in:   "end of page.\fStart of next.",
			want: "end of page.\n\nStart of next.",
		},
		{
			name: "blank line runs collapse to two",
			in:   "a\n\n\n\n\n\nb",
			want: "a\n\n\nb",
		},
		{
			name: "horizontal whitespace collapses",
			in:   "many \t  spaces here",
			want: "many spaces here",
		},
		{
			name: "line-end hyphens kept",
			in:   "a well-\nknown place",
			want: "a well-\nknown place",
		},
		{
			name: "numbered headings survive",
			in:   "1. Introduction\nText.",
			want: "1. Introduction\nText.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	text := strings.Repeat("word ", 600)
	res := Analyze(strings.TrimSpace(text), 0)
	if res.WordCount != 600 {
		t.Errorf("expected 600 words, got %d", res.WordCount)
	}
	if res.PageCount != 3 {
		t.Errorf("expected estimated 3 pages, got %d", res.PageCount)
	}
	if res.ContentHash != cache.HashText(res.Text) {
		t.Error("content hash mismatch")
	}

	res = Analyze("a b c", 7)
	if res.PageCount != 7 {
		t.Errorf("reported page count ignored: %d", res.PageCount)
	}
}

type fakeBlobs struct {
	data  []byte
	err   error
	calls atomic.Int32
}

func (f *fakeBlobs) Get(ctx context.Context, ownerID, name string) ([]byte, error) {
	f.calls.Add(1)
	return f.data, f.err
}

type fakeExtractor struct {
	text  string
	pages int
	err   error
	calls atomic.Int32
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte) (string, int, error) {
	f.calls.Add(1)
	return f.text, f.pages, f.err
}

func newTestStage(t *testing.T, blobs BlobGetter, ex Extractor) *Stage {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{DSN: filepath.Join(t.TempDir(), "extract.db")})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	c, _ := cache.New(cache.Config{Backend: s})

	stage, err := NewStage(Config{Blobs: blobs, Cache: c, Extractor: ex})
	if err != nil {
		t.Fatalf("NewStage failed: %v", err)
	}
	return stage
}

func TestStage_RunCachesResult(t *testing.T) {
	blobs := &fakeBlobs{data: []byte("%PDF-fake")}
	ex := &fakeExtractor{text: "Chapter 1\n\n\n\n\nSome words here.\f3\nMore words.", pages: 2}
	stage := newTestStage(t, blobs, ex)
	ctx := context.Background()
	in := Input{OwnerID: "u1", FileName: "book.pdf", FileSize: 9}

	first, err := stage.Run(ctx, in)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if first.Cached {
		t.Error("first run should not be cached")
	}
	if first.PageCount != 2 || first.WordCount != 7 {
		t.Errorf("unexpected output: %+v", first)
	}

	second, err := stage.Run(ctx, in)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !second.Cached {
		t.Error("second run should be a cache hit")
	}
	if second.ContentHash != first.ContentHash || second.CacheKey != first.CacheKey {
		t.Errorf("cache hit differs from original: %+v vs %+v", second, first)
	}
	if ex.calls.Load() != 1 || blobs.calls.Load() != 1 {
		t.Errorf("expected one download and extraction, got %d/%d", blobs.calls.Load(), ex.calls.Load())
	}

	other, err := stage.Run(ctx, Input{OwnerID: "u1", FileName: "book.pdf", FileSize: 10})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if other.Cached {
		t.Error("different size must not hit the cache")
	}
}

func TestStage_NoTextIsPermanent(t *testing.T) {
	stage := newTestStage(t, &fakeBlobs{data: []byte("x")}, &fakeExtractor{text: "  \n 12 \n\f"})

	_, err := stage.Run(context.Background(), Input{OwnerID: "u1", FileName: "scan.pdf", FileSize: 1})
	if !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
	if !queue.IsPermanent(err) {
		t.Error("no-text failure should be permanent")
	}
}

func TestStage_InvalidPDFIsPermanent(t *testing.T) {
	stage := newTestStage(t, &fakeBlobs{data: []byte("x")}, &fakeExtractor{err: ErrInvalidPDF})

	_, err := stage.Run(context.Background(), Input{OwnerID: "u1", FileName: "bad.pdf", FileSize: 1})
	if !queue.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestStage_DownloadErrorIsTransient(t *testing.T) {
	stage := newTestStage(t, &fakeBlobs{err: errors.New("connection reset")}, &fakeExtractor{})

	_, err := stage.Run(context.Background(), Input{OwnerID: "u1", FileName: "a.pdf", FileSize: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	if queue.IsPermanent(err) {
		t.Error("download failure should be retried")
	}
}

func TestPDFExtractor_RejectsGarbage(t *testing.T) {
	_, _, err := NewPDFExtractor(nil).Extract(context.Background(), []byte("not a pdf"))
	if !errors.Is(err, ErrInvalidPDF) {
		t.Errorf("expected ErrInvalidPDF, got %v", err)
	}
	if err := Validate(nil); !errors.Is(err, ErrInvalidPDF) {
		t.Errorf("expected ErrInvalidPDF for empty input, got %v", err)
	}
}
