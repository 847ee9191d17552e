package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Local stores blobs as files under a root directory, one subdirectory per
// owner.
type Local struct {
	root   string
	logger *slog.Logger
}

// NewLocal creates a filesystem store rooted at root.
func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Local{root: root, logger: logger.With("component", "blob", "backend", "local")}, nil
}

// Root returns the store's root directory.
func (l *Local) Root() string {
	return l.root
}

// Put writes data through a temp file and rename, so readers never see a
// partial blob.
func (l *Local) Put(ctx context.Context, ownerID, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := objectPath(ownerID, name)
	if err != nil {
		return err
	}
	path := filepath.Join(l.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create owner directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}

	l.logger.Debug("blob stored", "path", rel, "bytes", len(data))
	return nil
}

// Get reads a blob.
func (l *Local) Get(ctx context.Context, ownerID, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := objectPath(ownerID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}
