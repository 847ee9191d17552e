package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCS stores blobs as Cloud Storage objects named prefix/owner/name.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	logger *slog.Logger
}

// NewGCS connects to Cloud Storage.
func NewGCS(ctx context.Context, cfg Config) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: cfg.Prefix,
		logger: logger.With("component", "blob", "backend", "gcs", "bucket", cfg.Bucket),
	}, nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) object(ownerID, name string) (string, error) {
	rel, err := objectPath(ownerID, name)
	if err != nil {
		return "", err
	}
	if g.prefix == "" {
		return rel, nil
	}
	return path.Join(g.prefix, rel), nil
}

// Put writes the object only if it does not exist yet. When it does and
// the stored size matches, the upload is a repeat and nothing is written;
// otherwise the object is replaced.
func (g *GCS) Put(ctx context.Context, ownerID, name string, data []byte) error {
	obj, err := g.object(ownerID, name)
	if err != nil {
		return err
	}
	handle := g.bucket.Object(obj)

	err = write(ctx, handle.If(storage.Conditions{DoesNotExist: true}), data)
	if err == nil {
		g.logger.Debug("object created", "object", obj, "bytes", len(data))
		return nil
	}
	if !isPreconditionFailed(err) {
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	attrs, err := handle.Attrs(ctx)
	if err != nil {
		return fmt.Errorf("failed to read object attributes: %w", err)
	}
	if attrs.Size == int64(len(data)) {
		g.logger.Debug("object already exists, skipping", "object", obj)
		return nil
	}
	if err := write(ctx, handle.If(storage.Conditions{GenerationMatch: attrs.Generation}), data); err != nil {
		return fmt.Errorf("failed to replace GCS object: %w", err)
	}
	g.logger.Debug("object replaced", "object", obj, "bytes", len(data))
	return nil
}

// Get downloads an object.
func (g *GCS) Get(ctx context.Context, ownerID, name string) ([]byte, error) {
	obj, err := g.object(ownerID, name)
	if err != nil {
		return nil, err
	}
	r, err := g.bucket.Object(obj).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", obj, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	return data, nil
}

func write(ctx context.Context, handle *storage.ObjectHandle, data []byte) error {
	w := handle.NewWriter(ctx)
	w.ContentType = "application/pdf"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
