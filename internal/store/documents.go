package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const documentColumns = `id, owner_id, title, author, genre, file_name, file_size, status,
	total_words, reading_minutes, enhancement_status, error_message,
	created_at, updated_at, started_at, extracted_at, detected_at, completed_at`

// NewDocument describes a document to create.
type NewDocument struct {
	OwnerID  string
	Title    string
	Author   string
	Genre    string
	FileName string
	FileSize int64
}

// CreateDocument inserts a pending document and returns it.
func (s *Store) CreateDocument(ctx context.Context, in NewDocument) (*Document, error) {
	if in.OwnerID == "" || in.FileName == "" {
		return nil, fmt.Errorf("owner and file name are required")
	}
	now := time.Now().UTC()
	doc := &Document{
		ID:                uuid.NewString(),
		OwnerID:           in.OwnerID,
		Title:             in.Title,
		Author:            in.Author,
		Genre:             in.Genre,
		FileName:          in.FileName,
		FileSize:          in.FileSize,
		Status:            DocumentPending,
		EnhancementStatus: EnhancementPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if doc.Title == "" {
		doc.Title = in.FileName
	}

	_, err := s.exec(ctx, s.db, `INSERT INTO documents
		(id, owner_id, title, author, genre, file_name, file_size, status, enhancement_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.Title, doc.Author, doc.Genre, doc.FileName, doc.FileSize,
		string(doc.Status), string(doc.EnhancementStatus), toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}
	return doc, nil
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// DocumentFilter narrows ListDocuments.
type DocumentFilter struct {
	OwnerID string
	Status  DocumentStatus
	Limit   int
}

// ListDocuments returns documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// FindDocument returns the most recent document an owner uploaded under a
// file name with the given size.
func (s *Store) FindDocument(ctx context.Context, ownerID, fileName string, size int64) (*Document, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+documentColumns+` FROM documents
		WHERE owner_id = ? AND file_name = ? AND file_size = ?
		ORDER BY created_at DESC LIMIT 1`, ownerID, fileName, size)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	return doc, nil
}

// StartDocument moves a document into processing and stamps started_at.
func (s *Store) StartDocument(ctx context.Context, id string) error {
	now := toMillis(time.Now())
	return s.updateDocument(ctx, `UPDATE documents
		SET status = ?, error_message = NULL, started_at = ?, updated_at = ?
		WHERE id = ?`, string(DocumentProcessing), now, now, id)
}

// DocumentMilestone names a stage timestamp column.
type DocumentMilestone string

const (
	MilestoneExtracted DocumentMilestone = "extracted_at"
	MilestoneDetected  DocumentMilestone = "detected_at"
)

// MarkDocumentMilestone stamps the given stage timestamp.
func (s *Store) MarkDocumentMilestone(ctx context.Context, id string, m DocumentMilestone) error {
	switch m {
	case MilestoneExtracted, MilestoneDetected:
	default:
		return fmt.Errorf("unknown milestone: %s", m)
	}
	now := toMillis(time.Now())
	return s.updateDocument(ctx, `UPDATE documents SET `+string(m)+` = ?, updated_at = ? WHERE id = ?`, now, now, id)
}

// CompleteDocument writes book-level totals and marks the document completed.
func (s *Store) CompleteDocument(ctx context.Context, id string, totalWords, readingMinutes int) error {
	now := toMillis(time.Now())
	return s.updateDocument(ctx, `UPDATE documents
		SET status = ?, total_words = ?, reading_minutes = ?, completed_at = ?, updated_at = ?
		WHERE status <> ? AND id = ?`,
		string(DocumentCompleted), totalWords, readingMinutes, now, now, string(DocumentFailed), id)
}

// SetDocumentTotals writes aggregate word and reading-time totals.
func (s *Store) SetDocumentTotals(ctx context.Context, id string, totalWords, readingMinutes int) error {
	return s.updateDocument(ctx, `UPDATE documents
		SET total_words = ?, reading_minutes = ?, updated_at = ?
		WHERE id = ?`, totalWords, readingMinutes, toMillis(time.Now()), id)
}

// FailDocument marks a document failed with a user-facing message.
// Documents that already completed are left untouched; the return value
// reports whether a row changed.
func (s *Store) FailDocument(ctx context.Context, id, message string) (bool, error) {
	res, err := s.exec(ctx, s.db, `UPDATE documents
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status <> ?`,
		string(DocumentFailed), message, toMillis(time.Now()), id, string(DocumentCompleted))
	if err != nil {
		return false, fmt.Errorf("failed to fail document: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetEnhancementStatus updates the document-level enhancement status.
func (s *Store) SetEnhancementStatus(ctx context.Context, id string, status EnhancementStatus) error {
	return s.updateDocument(ctx, `UPDATE documents SET enhancement_status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(time.Now()), id)
}

// ResetDocument returns a document to pending and clears its derived state,
// jobs and chapters so it can be processed again from the start. It
// returns ErrDocumentBusy while any of the document's jobs is running.
func (s *Store) ResetDocument(ctx context.Context, id string) error {
	return s.RunTx(ctx, func(tx *sql.Tx) error {
		var running int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM jobs WHERE document_id = ? AND status = ?`,
			id, string(JobRunning)).Scan(&running); err != nil {
			return fmt.Errorf("failed to count running jobs: %w", err)
		}
		if running > 0 {
			return fmt.Errorf("document %s: %w", id, ErrDocumentBusy)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM chapters WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete chapters: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM jobs WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
		res, err := s.exec(ctx, tx, `UPDATE documents
			SET status = ?, enhancement_status = ?, total_words = 0, reading_minutes = 0,
				error_message = NULL, started_at = NULL, extracted_at = NULL,
				detected_at = NULL, completed_at = NULL, updated_at = ?
			WHERE id = ?`,
			string(DocumentPending), string(EnhancementPending), toMillis(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to reset document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListStaleDocuments returns documents still processing that started
// before the cutoff.
func (s *Store) ListStaleDocuments(ctx context.Context, cutoff time.Time) ([]*Document, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+documentColumns+` FROM documents
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at`, string(DocumentProcessing), toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) updateDocument(ctx context.Context, query string, args ...any) error {
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either missing or filtered out by a status guard.
		if _, gerr := s.GetDocument(ctx, args[len(args)-1].(string)); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d                                       Document
		status, enh                             string
		errMsg                                  sql.NullString
		created, updated                        int64
		started, extracted, detected, completed sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Author, &d.Genre, &d.FileName, &d.FileSize,
		&status, &d.TotalWords, &d.ReadingMinutes, &enh, &errMsg,
		&created, &updated, &started, &extracted, &detected, &completed); err != nil {
		return nil, err
	}
	d.Status = DocumentStatus(status)
	d.EnhancementStatus = EnhancementStatus(enh)
	d.ErrorMessage = errMsg.String
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	d.StartedAt = fromNullMillis(started)
	d.ExtractedAt = fromNullMillis(extracted)
	d.DetectedAt = fromNullMillis(detected)
	d.CompletedAt = fromNullMillis(completed)
	return &d, nil
}
