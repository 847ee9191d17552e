// Package cache is the content-addressable stage cache. Entries map a
// deterministic digest of a stage's inputs to that stage's output.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/bindery/internal/store"
)

// ErrMiss is returned by Get when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

// Backend is the persistence the cache needs.
type Backend interface {
	TouchCacheEntry(ctx context.Context, cacheType, key string) (*store.CacheEntry, error)
	PeekCacheEntry(ctx context.Context, cacheType, key string) (*store.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, e *store.CacheEntry) error
	DeleteStaleCacheEntries(ctx context.Context, cutoff time.Time, minHits int) (int64, error)
	DeleteDuplicateCacheEntries(ctx context.Context) (int64, error)
	CacheStats(ctx context.Context) ([]store.CacheTypeStats, error)
}

// Config configures the cache.
type Config struct {
	Backend Backend
	// MaxAge is how old an entry must be before it is eligible for eviction
	// (default: 30 days).
	MaxAge time.Duration
	// MinHits protects entries hit at least this many times (default: 2).
	MinHits int
	Logger  *slog.Logger
}

// Cache reads and writes stage outputs.
type Cache struct {
	backend Backend
	maxAge  atomic.Int64
	minHits atomic.Int64
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// New creates a cache over the given backend.
func New(cfg Config) (*Cache, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("cache backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Cache{
		backend: cfg.Backend,
		logger:  cfg.Logger.With("component", "cache"),
	}
	c.SetPolicy(cfg.MaxAge, cfg.MinHits)
	return c, nil
}

// SetPolicy updates the eviction policy. Zero values select the defaults.
func (c *Cache) SetPolicy(maxAge time.Duration, minHits int) {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	if minHits <= 0 {
		minHits = 2
	}
	c.maxAge.Store(int64(maxAge))
	c.minHits.Store(int64(minHits))
}

// Get returns the stored payload for key and counts the hit in the same
// statement. Returns ErrMiss when absent.
func (c *Cache) Get(ctx context.Context, t Type, key string) (json.RawMessage, error) {
	entry, err := c.backend.TouchCacheEntry(ctx, string(t), key)
	if errors.Is(err, store.ErrNotFound) {
		c.misses.Add(1)
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s cache: %w", t, err)
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "type", t, "key", short(key), "hits", entry.HitCount)
	return entry.Output, nil
}

// GetJSON decodes a hit into v.
func (c *Cache) GetJSON(ctx context.Context, t Type, key string, v any) error {
	raw, err := c.Get(ctx, t, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s cache entry: %w", t, err)
	}
	return nil
}

// Entry is a write request.
type Entry struct {
	Type      Type
	Key       string
	InputHash string
	Payload   any
	InputSize int64
	Duration  time.Duration
}

// Put stores a payload under its key, superseding any previous entry. An
// empty InputHash falls back to the key itself.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s cache entry: %w", e.Type, err)
	}
	if e.InputHash == "" {
		e.InputHash = e.Key
	}
	err = c.backend.UpsertCacheEntry(ctx, &store.CacheEntry{
		Type:      string(e.Type),
		Key:       e.Key,
		InputHash: e.InputHash,
		Output:    raw,
		InputSize: e.InputSize,
		Duration:  e.Duration,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s cache: %w", e.Type, err)
	}
	c.writes.Add(1)
	c.logger.Debug("cache write", "type", e.Type, "key", short(e.Key), "bytes", len(raw))
	return nil
}

// Peek returns the stored payload without counting a hit. Stages use it to
// hand outputs to the next stage.
func (c *Cache) Peek(ctx context.Context, t Type, key string) (json.RawMessage, error) {
	entry, err := c.backend.PeekCacheEntry(ctx, string(t), key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s cache: %w", t, err)
	}
	return entry.Output, nil
}

// PeekJSON decodes a Peek result into v.
func (c *Cache) PeekJSON(ctx context.Context, t Type, key string, v any) error {
	raw, err := c.Peek(ctx, t, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s cache entry: %w", t, err)
	}
	return nil
}

// Contains reports whether key is present without counting a hit.
func (c *Cache) Contains(ctx context.Context, t Type, key string) (bool, error) {
	_, err := c.Peek(ctx, t, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EvictResult reports what an eviction pass removed.
type EvictResult struct {
	Stale      int64 `json:"stale"`
	Duplicates int64 `json:"duplicates"`
}

// Evict deletes entries older than the max age that have fewer than the
// minimum hits, then collapses entries sharing an input hash down to the
// most-hit one. Entries still named by an unfinished job survive both.
func (c *Cache) Evict(ctx context.Context) (EvictResult, error) {
	var res EvictResult
	cutoff := time.Now().Add(-time.Duration(c.maxAge.Load()))

	stale, err := c.backend.DeleteStaleCacheEntries(ctx, cutoff, int(c.minHits.Load()))
	if err != nil {
		return res, err
	}
	res.Stale = stale

	dups, err := c.backend.DeleteDuplicateCacheEntries(ctx)
	if err != nil {
		return res, err
	}
	res.Duplicates = dups

	if stale > 0 || dups > 0 {
		c.logger.Info("cache eviction", "stale", stale, "duplicates", dups)
	}
	return res, nil
}

// Stats combines persisted per-type totals with this process's counters.
type Stats struct {
	Types  []store.CacheTypeStats `json:"types"`
	Hits   int64                  `json:"session_hits"`
	Misses int64                  `json:"session_misses"`
	Writes int64                  `json:"session_writes"`
}

// Stats returns cache statistics.
func (c *Cache) Stats(ctx context.Context) (*Stats, error) {
	types, err := c.backend.CacheStats(ctx)
	if err != nil {
		return nil, err
	}
	if types == nil {
		types = []store.CacheTypeStats{}
	}
	return &Stats{
		Types:  types,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Writes: c.writes.Load(),
	}, nil
}

// RunJanitor evicts on every interval tick until ctx is cancelled.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Evict(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("cache eviction failed", "error", err)
			}
		}
	}
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
