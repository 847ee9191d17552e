package store

import (
	"encoding/json"
	"time"
)

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// EnhancementStatus tracks AI enrichment for documents and chapters.
type EnhancementStatus string

const (
	EnhancementPending    EnhancementStatus = "pending"
	EnhancementProcessing EnhancementStatus = "processing"
	EnhancementCompleted  EnhancementStatus = "completed"
	EnhancementFailed     EnhancementStatus = "failed"
	EnhancementSkipped    EnhancementStatus = "skipped"
)

// Terminal reports whether a chapter's enhancement will not change again.
func (s EnhancementStatus) Terminal() bool {
	return s == EnhancementCompleted || s == EnhancementFailed || s == EnhancementSkipped
}

// JobType names the pipeline stage a job executes.
type JobType string

const (
	JobExtractText     JobType = "extract_text"
	JobDetectChapters  JobType = "detect_chapters"
	JobStoreChapters   JobType = "store_chapters"
	JobEnhanceChapters JobType = "enhance_chapters"
)

// JobStatus is the state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobRetrying  JobStatus = "retrying"
)

// Document is one uploaded source file.
type Document struct {
	ID                string            `json:"id"`
	OwnerID           string            `json:"owner_id"`
	Title             string            `json:"title"`
	Author            string            `json:"author,omitempty"`
	Genre             string            `json:"genre,omitempty"`
	FileName          string            `json:"file_name"`
	FileSize          int64             `json:"file_size"`
	Status            DocumentStatus    `json:"status"`
	TotalWords        int               `json:"total_words"`
	ReadingMinutes    int               `json:"reading_minutes"`
	EnhancementStatus EnhancementStatus `json:"enhancement_status"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	ExtractedAt       *time.Time        `json:"extracted_at,omitempty"`
	DetectedAt        *time.Time        `json:"detected_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// ChapterMetadata records how a chapter boundary was found.
type ChapterMetadata struct {
	Method      string  `json:"method"`
	Confidence  float64 `json:"confidence"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
}

// Chapter is a titled section of a document.
type Chapter struct {
	ID                string            `json:"id"`
	DocumentID        string            `json:"document_id"`
	ChapterNumber     int               `json:"chapter_number"`
	PartNumber        int               `json:"part_number"`
	Title             string            `json:"title"`
	Content           string            `json:"content,omitempty"`
	Summary           *string           `json:"summary,omitempty"`
	WordCount         int               `json:"word_count"`
	ReadingMinutes    int               `json:"reading_minutes"`
	Highlights        []string          `json:"highlights"`
	EnhancementStatus EnhancementStatus `json:"enhancement_status"`
	Metadata          ChapterMetadata   `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Job is a unit of pipeline work.
type Job struct {
	ID           string          `json:"id"`
	DocumentID   string          `json:"document_id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	DependsOn    string          `json:"depends_on,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CacheEntry is a stored stage output keyed by a digest of its inputs.
type CacheEntry struct {
	Type           string          `json:"cache_type"`
	Key            string          `json:"cache_key"`
	InputHash      string          `json:"input_hash"`
	Output         json.RawMessage `json:"output"`
	InputSize      int64           `json:"input_size"`
	Duration       time.Duration   `json:"duration"`
	HitCount       int             `json:"hit_count"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
}

// ProgressRecord is one append-only progress log entry.
type ProgressRecord struct {
	ID              int64     `json:"id"`
	DocumentID      string    `json:"document_id"`
	Stage           string    `json:"stage"`
	StageProgress   int       `json:"stage_progress"`
	OverallProgress int       `json:"overall_progress"`
	Message         string    `json:"message"`
	IsError         bool      `json:"is_error"`
	CreatedAt       time.Time `json:"created_at"`
}
