package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const cacheColumns = `cache_type, cache_key, input_hash, output, input_size, duration_ms,
	hit_count, created_at, last_accessed_at`

// notInFlight keeps entries whose key appears in the input of a job that
// has not finished. Stages hand their outputs forward by cache key, so
// those entries are still needed.
const notInFlight = ` AND NOT EXISTS (
		SELECT 1 FROM jobs j
		WHERE j.status IN ('pending', 'retrying', 'running')
		  AND j.input LIKE '%' || cache_entries.cache_key || '%')`

// TouchCacheEntry returns an entry and, in the same statement, increments
// its hit count and stamps last access. Returns ErrNotFound on a miss.
func (s *Store) TouchCacheEntry(ctx context.Context, cacheType, key string) (*CacheEntry, error) {
	row := s.queryRow(ctx, s.db, `UPDATE cache_entries
		SET hit_count = hit_count + 1, last_accessed_at = ?
		WHERE cache_type = ? AND cache_key = ?
		RETURNING `+cacheColumns,
		toMillis(time.Now()), cacheType, key)
	entry, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return entry, nil
}

// PeekCacheEntry reads an entry without counting a hit.
func (s *Store) PeekCacheEntry(ctx context.Context, cacheType, key string) (*CacheEntry, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+cacheColumns+` FROM cache_entries
		WHERE cache_type = ? AND cache_key = ?`, cacheType, key)
	entry, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return entry, nil
}

// UpsertCacheEntry writes an entry, replacing any entry with the same key.
// A replaced entry starts over with zero hits.
func (s *Store) UpsertCacheEntry(ctx context.Context, e *CacheEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.LastAccessedAt = e.CreatedAt
	_, err := s.exec(ctx, s.db, `INSERT INTO cache_entries (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (cache_type, cache_key) DO UPDATE SET
			input_hash = excluded.input_hash,
			output = excluded.output,
			input_size = excluded.input_size,
			duration_ms = excluded.duration_ms,
			hit_count = 0,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at`,
		e.Type, e.Key, e.InputHash, string(e.Output), e.InputSize, e.Duration.Milliseconds(),
		toMillis(e.CreatedAt), toMillis(e.LastAccessedAt))
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// DeleteStaleCacheEntries removes entries created before cutoff that were
// hit fewer than minHits times. Entries an unfinished job refers to are
// kept.
func (s *Store) DeleteStaleCacheEntries(ctx context.Context, cutoff time.Time, minHits int) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM cache_entries WHERE created_at < ? AND hit_count < ?`+notInFlight,
		toMillis(cutoff), minHits)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteDuplicateCacheEntries collapses entries of the same type that share
// an input hash, keeping the one with the most hits (newest, then highest
// key, on ties). Entries an unfinished job refers to are kept.
func (s *Store) DeleteDuplicateCacheEntries(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM cache_entries WHERE EXISTS (
		SELECT 1 FROM cache_entries o
		WHERE o.cache_type = cache_entries.cache_type
		  AND o.input_hash = cache_entries.input_hash
		  AND o.cache_key <> cache_entries.cache_key
		  AND (o.hit_count > cache_entries.hit_count
			OR (o.hit_count = cache_entries.hit_count AND o.created_at > cache_entries.created_at)
			OR (o.hit_count = cache_entries.hit_count AND o.created_at = cache_entries.created_at
				AND o.cache_key > cache_entries.cache_key)))`+notInFlight)
	if err != nil {
		return 0, fmt.Errorf("failed to delete duplicate cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CacheTypeStats summarizes one cache type.
type CacheTypeStats struct {
	Type      string `json:"cache_type"`
	Entries   int    `json:"entries"`
	Hits      int    `json:"hits"`
	InputSize int64  `json:"input_size"`
}

// CacheStats returns per-type entry and hit counts.
func (s *Store) CacheStats(ctx context.Context) ([]CacheTypeStats, error) {
	rows, err := s.query(ctx, s.db, `SELECT cache_type, COUNT(*), COALESCE(SUM(hit_count), 0), COALESCE(SUM(input_size), 0)
		FROM cache_entries GROUP BY cache_type ORDER BY cache_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}
	defer rows.Close()

	var out []CacheTypeStats
	for rows.Next() {
		var st CacheTypeStats
		if err := rows.Scan(&st.Type, &st.Entries, &st.Hits, &st.InputSize); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanCacheEntry(row rowScanner) (*CacheEntry, error) {
	var (
		e                 CacheEntry
		output            string
		durationMs        int64
		created, accessed int64
	)
	if err := row.Scan(&e.Type, &e.Key, &e.InputHash, &output, &e.InputSize, &durationMs,
		&e.HitCount, &created, &accessed); err != nil {
		return nil, err
	}
	e.Output = json.RawMessage(output)
	e.Duration = time.Duration(durationMs) * time.Millisecond
	e.CreatedAt = fromMillis(created)
	e.LastAccessedAt = fromMillis(accessed)
	return &e, nil
}
