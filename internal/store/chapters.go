package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const chapterColumns = `id, document_id, chapter_number, part_number, title, content, summary,
	word_count, reading_minutes, highlights, enhancement_status, metadata, created_at, updated_at`

// DeleteChapters removes every chapter of a document.
func (s *Store) DeleteChapters(ctx context.Context, documentID string) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM chapters WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chapters: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RenumberChapters sets chapter_number to 1..n in the order of ids.
// Callers pass ids in ascending current number, so each row only moves
// down into a number that is already free.
func (s *Store) RenumberChapters(ctx context.Context, documentID string, ids []string) error {
	return s.RunTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(time.Now())
		for i, id := range ids {
			res, err := s.exec(ctx, tx, `UPDATE chapters SET chapter_number = ?, updated_at = ?
				WHERE id = ? AND document_id = ?`, i+1, now, id, documentID)
			if err != nil {
				return fmt.Errorf("failed to renumber chapter: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("chapter %s: %w", id, ErrNotFound)
			}
		}
		return nil
	})
}

// InsertChapters writes chapters with a single multi-row insert inside one
// transaction. Either all rows land or none do.
func (s *Store) InsertChapters(ctx context.Context, chapters []*Chapter) error {
	if len(chapters) == 0 {
		return nil
	}
	const cols = 14
	var (
		b    strings.Builder
		args = make([]any, 0, len(chapters)*cols)
	)
	b.WriteString(`INSERT INTO chapters (` + chapterColumns + `) VALUES `)
	for i, ch := range chapters {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(" + placeholders(cols) + ")")
		rowArgs, err := chapterArgs(ch)
		if err != nil {
			return err
		}
		args = append(args, rowArgs...)
	}

	return s.RunTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, b.String(), args...); err != nil {
			return fmt.Errorf("failed to insert chapter batch: %w", err)
		}
		return nil
	})
}

// InsertChapter writes a single chapter.
func (s *Store) InsertChapter(ctx context.Context, ch *Chapter) error {
	args, err := chapterArgs(ch)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, s.db, `INSERT INTO chapters (`+chapterColumns+`) VALUES (`+placeholders(14)+`)`, args...); err != nil {
		return fmt.Errorf("failed to insert chapter %d: %w", ch.ChapterNumber, err)
	}
	return nil
}

func chapterArgs(ch *Chapter) ([]any, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	ch.UpdatedAt = now
	if ch.PartNumber == 0 {
		ch.PartNumber = 1
	}
	if ch.EnhancementStatus == "" {
		ch.EnhancementStatus = EnhancementPending
	}
	if ch.Highlights == nil {
		ch.Highlights = []string{}
	}
	highlights, err := json.Marshal(ch.Highlights)
	if err != nil {
		return nil, fmt.Errorf("failed to encode highlights: %w", err)
	}
	meta, err := json.Marshal(ch.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chapter metadata: %w", err)
	}
	var summary sql.NullString
	if ch.Summary != nil {
		summary = sql.NullString{String: *ch.Summary, Valid: true}
	}
	return []any{
		ch.ID, ch.DocumentID, ch.ChapterNumber, ch.PartNumber, ch.Title, ch.Content, summary,
		ch.WordCount, ch.ReadingMinutes, string(highlights), string(ch.EnhancementStatus), string(meta),
		toMillis(ch.CreatedAt), toMillis(ch.UpdatedAt),
	}, nil
}

// ListChapters returns a document's chapters in reading order.
func (s *Store) ListChapters(ctx context.Context, documentID string) ([]*Chapter, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+chapterColumns+` FROM chapters
		WHERE document_id = ? ORDER BY chapter_number, part_number`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	return collectChapters(rows)
}

// ChaptersByNumber returns the chapters of a document with the given numbers.
func (s *Store) ChaptersByNumber(ctx context.Context, documentID string, numbers []int) ([]*Chapter, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	args := []any{documentID}
	for _, n := range numbers {
		args = append(args, n)
	}
	rows, err := s.query(ctx, s.db, `SELECT `+chapterColumns+` FROM chapters
		WHERE document_id = ? AND chapter_number IN (`+placeholders(len(numbers))+`)
		ORDER BY chapter_number, part_number`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load chapters: %w", err)
	}
	return collectChapters(rows)
}

// GetChapter returns one chapter by id.
func (s *Store) GetChapter(ctx context.Context, id string) (*Chapter, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id)
	ch, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	return ch, nil
}

// SetChapterSummary writes a summary and marks the chapter's enhancement status.
func (s *Store) SetChapterSummary(ctx context.Context, id, summary string, status EnhancementStatus) error {
	res, err := s.exec(ctx, s.db, `UPDATE chapters SET summary = ?, enhancement_status = ?, updated_at = ? WHERE id = ?`,
		summary, string(status), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update chapter summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChapterEnhancementStatus updates only the enhancement status.
func (s *Store) SetChapterEnhancementStatus(ctx context.Context, id string, status EnhancementStatus) error {
	res, err := s.exec(ctx, s.db, `UPDATE chapters SET enhancement_status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update chapter status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnhancementCounts returns the number of chapters per enhancement status.
func (s *Store) EnhancementCounts(ctx context.Context, documentID string) (map[EnhancementStatus]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT enhancement_status, COUNT(*) FROM chapters
		WHERE document_id = ? GROUP BY enhancement_status`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chapter statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[EnhancementStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[EnhancementStatus(status)] = n
	}
	return counts, rows.Err()
}

// ChapterTotals aggregates chapter count, words and reading minutes.
type ChapterTotals struct {
	Chapters       int `json:"chapters"`
	Words          int `json:"words"`
	ReadingMinutes int `json:"reading_minutes"`
}

// SumChapters computes totals over a document's chapters.
func (s *Store) SumChapters(ctx context.Context, documentID string) (ChapterTotals, error) {
	var t ChapterTotals
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*), COALESCE(SUM(word_count), 0), COALESCE(SUM(reading_minutes), 0)
		FROM chapters WHERE document_id = ?`, documentID).Scan(&t.Chapters, &t.Words, &t.ReadingMinutes)
	if err != nil {
		return t, fmt.Errorf("failed to sum chapters: %w", err)
	}
	return t, nil
}

func collectChapters(rows *sql.Rows) ([]*Chapter, error) {
	defer rows.Close()
	var out []*Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chapter: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func scanChapter(row rowScanner) (*Chapter, error) {
	var (
		ch               Chapter
		summary          sql.NullString
		highlights, meta string
		enh              string
		created, updated int64
	)
	if err := row.Scan(&ch.ID, &ch.DocumentID, &ch.ChapterNumber, &ch.PartNumber, &ch.Title, &ch.Content,
		&summary, &ch.WordCount, &ch.ReadingMinutes, &highlights, &enh, &meta, &created, &updated); err != nil {
		return nil, err
	}
	if summary.Valid {
		s := summary.String
		ch.Summary = &s
	}
	if err := json.Unmarshal([]byte(highlights), &ch.Highlights); err != nil {
		return nil, fmt.Errorf("failed to decode highlights: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &ch.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode chapter metadata: %w", err)
	}
	ch.EnhancementStatus = EnhancementStatus(enh)
	ch.CreatedAt = fromMillis(created)
	ch.UpdatedAt = fromMillis(updated)
	return &ch, nil
}
