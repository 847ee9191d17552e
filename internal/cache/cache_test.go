package cache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackzampolin/bindery/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{DSN: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	c, err := New(Config{Backend: s})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

type extraction struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
}

func TestCache_GetPut(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := ExtractionKey("u1", "book.pdf", 2048)

	var out extraction
	if err := c.GetJSON(ctx, TypeExtraction, key, &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	want := extraction{Text: "hello", PageCount: 3}
	if err := c.Put(ctx, Entry{Type: TypeExtraction, Key: key, Payload: want, InputSize: 2048}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := c.GetJSON(ctx, TypeExtraction, key, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out != want {
		t.Errorf("got %+v, want %+v", out, want)
	}

	// Same key under another type is a different entry.
	if _, err := c.Get(ctx, TypeDetection, key); !errors.Is(err, ErrMiss) {
		t.Errorf("expected miss across types, got %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 2 || stats.Writes != 1 {
		t.Errorf("unexpected session counters: %+v", stats)
	}
	if len(stats.Types) != 1 || stats.Types[0].Hits != 1 {
		t.Errorf("unexpected persisted stats: %+v", stats.Types)
	}
}

func TestCache_PutSupersedes(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key(TypeWorkflow, "x")

	c.Put(ctx, Entry{Type: TypeWorkflow, Key: key, Payload: "first"})
	c.Put(ctx, Entry{Type: TypeWorkflow, Key: key, Payload: "second"})

	var got string
	if err := c.GetJSON(ctx, TypeWorkflow, key, &got); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if got != "second" {
		t.Errorf("expected overwrite, got %q", got)
	}
}

func TestCache_Contains(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := Key(TypeDetection, "a")

	ok, err := c.Contains(ctx, TypeDetection, key)
	if err != nil || ok {
		t.Fatalf("expected absent, got %v, %v", ok, err)
	}
	c.Put(ctx, Entry{Type: TypeDetection, Key: key, Payload: 1})
	ok, _ = c.Contains(ctx, TypeDetection, key)
	if !ok {
		t.Error("expected present")
	}
}

func TestKey_Deterministic(t *testing.T) {
	a := ExtractionKey("u1", "book.pdf", 100)
	b := ExtractionKey("u1", "book.pdf", 100)
	if a != b {
		t.Errorf("same inputs produced different keys")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
}

func TestKey_EveryFieldMatters(t *testing.T) {
	base := ExtractionKey("u1", "book.pdf", 100)
	variants := map[string]string{
		"owner": ExtractionKey("u2", "book.pdf", 100),
		"name":  ExtractionKey("u1", "book2.pdf", 100),
		"size":  ExtractionKey("u1", "book.pdf", 101),
	}
	for name, k := range variants {
		if k == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}

	d := DetectionKey("some text", "Title", "v1")
	detVariants := map[string]string{
		"text":      DetectionKey("some text!", "Title", "v1"),
		"title":     DetectionKey("some text", "Other", "v1"),
		"algorithm": DetectionKey("some text", "Title", "v2"),
	}
	for name, k := range detVariants {
		if k == d {
			t.Errorf("changing %s did not change the detection key", name)
		}
	}
}

func TestDetectionKey_Prefix(t *testing.T) {
	head := strings.Repeat("é", DetectionPrefixRunes)
	base := DetectionKey(head+"tail one", "Title", "v1")

	if got := DetectionKey(head+"tail two", "Title", "v1"); got != base {
		t.Error("text past the prefix with the same length changed the key")
	}
	if got := DetectionKey(head+"tail one!", "Title", "v1"); got == base {
		t.Error("a different total length did not change the key")
	}
	if got := DetectionKey("x"+head[2:]+"tail one", "Title", "v1"); got == base {
		t.Error("a change inside the prefix did not change the key")
	}
}

func TestTextPrefix(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 2, "he"},
		{"héllo", 2, "hé"},
		{"abc", 0, ""},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := textPrefix(tt.in, tt.n); got != tt.want {
			t.Errorf("textPrefix(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestKey_FieldBoundaries(t *testing.T) {
	if Key(TypeWorkflow, "ab", "c") == Key(TypeWorkflow, "a", "bc") {
		t.Error("field boundaries are not part of the key")
	}
	if Key(TypeWorkflow, "a") == Key(TypeDetection, "a") {
		t.Error("type is not part of the key")
	}
}

func TestCache_SetPolicyDefaults(t *testing.T) {
	c := newTestCache(t)
	c.SetPolicy(0, 0)
	if got := c.minHits.Load(); got != 2 {
		t.Errorf("expected default min hits 2, got %d", got)
	}
	if got := c.maxAge.Load(); got <= 0 {
		t.Errorf("expected positive default max age, got %d", got)
	}
}
