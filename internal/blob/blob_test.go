package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/api/googleapi"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"book.pdf", "book.pdf"},
		{"My Book (2nd ed).pdf", "My_Book__2nd_ed_.pdf"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"über-notes.pdf", "_ber-notes.pdf"},
		{"..", "_"},
		{"", "_"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeName(tt.in); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLocal_PutGet(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocal(root, nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "user 1", "My Book.pdf", []byte("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "user_1", "My_Book.pdf")); err != nil {
		t.Errorf("expected sanitized path on disk: %v", err)
	}

	if err := s.Put(ctx, "user 1", "My Book.pdf", []byte("second")); err != nil {
		t.Fatalf("Put (replace) failed: %v", err)
	}
	got, err := s.Get(ctx, "user 1", "My Book.pdf")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Get = %q, want %q", got, "second")
	}

	entries, _ := os.ReadDir(filepath.Join(root, "user_1"))
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, found %d entries", len(entries))
	}
}

func TestLocal_OwnersAreIsolated(t *testing.T) {
	s, err := NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "alice", "book.pdf", []byte("a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Get(ctx, "bob", "book.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another owner, got %v", err)
	}
}

func TestLocal_RequiresOwner(t *testing.T) {
	s, err := NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	if err := s.Put(context.Background(), "", "book.pdf", []byte("x")); err == nil {
		t.Error("expected error for empty owner")
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "s3"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestIsPreconditionFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"412", &googleapi.Error{Code: http.StatusPreconditionFailed}, true},
		{"wrapped 412", fmt.Errorf("write: %w", &googleapi.Error{Code: http.StatusPreconditionFailed}), true},
		{"404", &googleapi.Error{Code: http.StatusNotFound}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPreconditionFailed(tt.err); got != tt.want {
				t.Errorf("isPreconditionFailed = %v, want %v", got, tt.want)
			}
		})
	}
}
