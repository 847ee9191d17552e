package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const progressColumns = `id, document_id, stage, stage_progress, overall_progress, message, is_error, created_at`

// AppendProgress writes progress records in one transaction and fills in
// their ids.
func (s *Store) AppendProgress(ctx context.Context, records []*ProgressRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.RunTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			if r.CreatedAt.IsZero() {
				r.CreatedAt = time.Now().UTC()
			}
			err := s.queryRow(ctx, tx, `INSERT INTO progress_records
				(document_id, stage, stage_progress, overall_progress, message, is_error, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				RETURNING id`,
				r.DocumentID, r.Stage, r.StageProgress, r.OverallProgress, r.Message,
				boolInt(r.IsError), toMillis(r.CreatedAt)).Scan(&r.ID)
			if err != nil {
				return fmt.Errorf("failed to insert progress record: %w", err)
			}
		}
		return nil
	})
}

// LatestProgress returns the newest progress record of a document.
func (s *Store) LatestProgress(ctx context.Context, documentID string) (*ProgressRecord, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+progressColumns+` FROM progress_records
		WHERE document_id = ? ORDER BY id DESC LIMIT 1`, documentID)
	rec, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	return rec, nil
}

// ListProgress returns a document's progress history, oldest first.
func (s *Store) ListProgress(ctx context.Context, documentID string) ([]*ProgressRecord, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+progressColumns+` FROM progress_records
		WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	return collectProgress(rows)
}

// ListProgressAfter returns records with an id greater than afterID across
// all documents, oldest first.
func (s *Store) ListProgressAfter(ctx context.Context, afterID int64, limit int) ([]*ProgressRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.query(ctx, s.db, `SELECT `+progressColumns+` FROM progress_records
		WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	return collectProgress(rows)
}

func collectProgress(rows *sql.Rows) ([]*ProgressRecord, error) {
	defer rows.Close()
	var out []*ProgressRecord
	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanProgress(row rowScanner) (*ProgressRecord, error) {
	var (
		r       ProgressRecord
		isError int
		created int64
	)
	if err := row.Scan(&r.ID, &r.DocumentID, &r.Stage, &r.StageProgress, &r.OverallProgress,
		&r.Message, &isError, &created); err != nil {
		return nil, err
	}
	r.IsError = isError != 0
	r.CreatedAt = fromMillis(created)
	return &r, nil
}
