package store

import (
	"context"
	"fmt"
	"strings"
)

// schemaStatements are applied in order on every open. They must stay
// idempotent. {{serial_pk}} is replaced with the dialect's auto-increment
// primary key.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id                 TEXT PRIMARY KEY,
		owner_id           TEXT NOT NULL,
		title              TEXT NOT NULL,
		author             TEXT NOT NULL DEFAULT '',
		genre              TEXT NOT NULL DEFAULT '',
		file_name          TEXT NOT NULL,
		file_size          BIGINT NOT NULL DEFAULT 0,
		status             TEXT NOT NULL,
		total_words        INTEGER NOT NULL DEFAULT 0,
		reading_minutes    INTEGER NOT NULL DEFAULT 0,
		enhancement_status TEXT NOT NULL,
		error_message      TEXT,
		created_at         BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL,
		started_at         BIGINT,
		extracted_at       BIGINT,
		detected_at        BIGINT,
		completed_at       BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status)`,

	`CREATE TABLE IF NOT EXISTS chapters (
		id                 TEXT PRIMARY KEY,
		document_id        TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chapter_number     INTEGER NOT NULL,
		part_number        INTEGER NOT NULL DEFAULT 1,
		title              TEXT NOT NULL,
		content            TEXT NOT NULL,
		summary            TEXT,
		word_count         INTEGER NOT NULL,
		reading_minutes    INTEGER NOT NULL,
		highlights         TEXT NOT NULL DEFAULT '[]',
		enhancement_status TEXT NOT NULL,
		metadata           TEXT NOT NULL DEFAULT '{}',
		created_at         BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL,
		UNIQUE (document_id, chapter_number, part_number)
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		document_id   TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		type          TEXT NOT NULL,
		status        TEXT NOT NULL,
		priority      INTEGER NOT NULL DEFAULT 0,
		input         TEXT NOT NULL DEFAULT '{}',
		output        TEXT,
		error_message TEXT,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL DEFAULT 3,
		depends_on    TEXT,
		created_at    BIGINT NOT NULL,
		started_at    BIGINT,
		completed_at  BIGINT,
		updated_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_document ON jobs(document_id)`,

	`CREATE TABLE IF NOT EXISTS cache_entries (
		cache_type       TEXT NOT NULL,
		cache_key        TEXT NOT NULL,
		input_hash       TEXT NOT NULL,
		output           TEXT NOT NULL,
		input_size       BIGINT NOT NULL DEFAULT 0,
		duration_ms      BIGINT NOT NULL DEFAULT 0,
		hit_count        INTEGER NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL,
		last_accessed_at BIGINT NOT NULL,
		PRIMARY KEY (cache_type, cache_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_input_hash ON cache_entries(cache_type, input_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_created ON cache_entries(created_at)`,

	`CREATE TABLE IF NOT EXISTS progress_records (
		{{serial_pk}},
		document_id      TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		stage            TEXT NOT NULL,
		stage_progress   INTEGER NOT NULL,
		overall_progress INTEGER NOT NULL,
		message          TEXT NOT NULL DEFAULT '',
		is_error         INTEGER NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_progress_document ON progress_records(document_id, id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	pk := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		pk = "id BIGSERIAL PRIMARY KEY"
	}
	for i, stmt := range schemaStatements {
		stmt = strings.ReplaceAll(stmt, "{{serial_pk}}", pk)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
