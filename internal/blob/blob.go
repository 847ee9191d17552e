// Package blob stores uploaded source files by owner and name.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNotFound is returned when no blob exists under the owner and name.
var ErrNotFound = errors.New("blob not found")

// Store stores and retrieves blobs. Put replaces any existing blob with the
// same owner and name.
type Store interface {
	Put(ctx context.Context, ownerID, name string, data []byte) error
	Get(ctx context.Context, ownerID, name string) ([]byte, error)
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "local" (default) or "gcs".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Root is the local directory.
	Root string `mapstructure:"root" yaml:"root"`
	// Bucket and Prefix locate objects in Cloud Storage.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// CredentialsFile is an optional service account key; application
	// default credentials are used when empty.
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`

	Logger *slog.Logger `mapstructure:"-" yaml:"-"`
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.Root, cfg.Logger)
	case "gcs":
		return NewGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob backend: %q", cfg.Backend)
	}
}

// SanitizeName replaces every character other than ASCII letters, digits,
// '.' and '-' with '_'. Names that would resolve to a directory reference
// become "_".
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}

// objectPath is the owner-scoped path of a blob.
func objectPath(ownerID, name string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("owner id is required")
	}
	if name == "" {
		return "", fmt.Errorf("blob name is required")
	}
	return SanitizeName(ownerID) + "/" + SanitizeName(name), nil
}
