// Package extract is the text extraction stage: it fetches a document's
// source bytes, pulls the text layer out of the PDF and normalizes it.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackzampolin/bindery/internal/cache"
	"github.com/jackzampolin/bindery/internal/queue"
)

// ErrNoText is returned when a document has no extractable text, typically
// a scanned PDF without a text layer.
var ErrNoText = errors.New("no extractable text")

// wordsPerPage estimates page count when the PDF does not report one.
const wordsPerPage = 250

// BlobGetter fetches source bytes.
type BlobGetter interface {
	Get(ctx context.Context, ownerID, name string) ([]byte, error)
}

// Cache is the subset of the stage cache extraction uses.
type Cache interface {
	GetJSON(ctx context.Context, t cache.Type, key string, v any) error
	Put(ctx context.Context, e cache.Entry) error
}

// Result is the cleaned text and its metadata.
type Result struct {
	Text        string `json:"text"`
	PageCount   int    `json:"page_count"`
	CharCount   int    `json:"char_count"`
	WordCount   int    `json:"word_count"`
	ContentHash string `json:"content_hash"`
}

// Analyze builds a Result from cleaned text.
func Analyze(text string, reportedPages int) *Result {
	words := len(strings.Fields(text))
	pages := reportedPages
	if pages <= 0 {
		pages = (words + wordsPerPage - 1) / wordsPerPage
	}
	return &Result{
		Text:        text,
		PageCount:   pages,
		CharCount:   utf8.RuneCountInString(text),
		WordCount:   words,
		ContentHash: cache.HashText(text),
	}
}

// Input identifies the source file to extract.
type Input struct {
	OwnerID  string
	FileName string
	FileSize int64
}

// Output is the stage result. Text is not included; the next stage reads
// it from the cache under CacheKey.
type Output struct {
	Cached      bool   `json:"cached"`
	CacheKey    string `json:"cache_key"`
	PageCount   int    `json:"page_count"`
	CharCount   int    `json:"char_count"`
	WordCount   int    `json:"word_count"`
	ContentHash string `json:"content_hash"`
}

// Config configures the stage.
type Config struct {
	Blobs     BlobGetter
	Cache     Cache
	Extractor Extractor
	Logger    *slog.Logger
}

// Stage runs text extraction.
type Stage struct {
	blobs     BlobGetter
	cache     Cache
	extractor Extractor
	logger    *slog.Logger
}

// NewStage creates an extraction stage.
func NewStage(cfg Config) (*Stage, error) {
	if cfg.Blobs == nil || cfg.Cache == nil {
		return nil, fmt.Errorf("blob store and cache are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = NewPDFExtractor(cfg.Logger)
	}
	return &Stage{
		blobs:     cfg.Blobs,
		cache:     cfg.Cache,
		extractor: cfg.Extractor,
		logger:    cfg.Logger.With("component", "extract"),
	}, nil
}

// Run extracts text for the input, consulting the cache first. Missing
// text and unparseable files are permanent failures; download errors are
// returned as-is so the queue retries them.
func (s *Stage) Run(ctx context.Context, in Input) (*Output, error) {
	key := cache.ExtractionKey(in.OwnerID, in.FileName, in.FileSize)

	var cached Result
	err := s.cache.GetJSON(ctx, cache.TypeExtraction, key, &cached)
	if err == nil {
		s.logger.Info("extraction cache hit", "file", in.FileName, "words", cached.WordCount)
		return outputFrom(&cached, key, true), nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("extraction cache read failed", "error", err)
	}

	start := time.Now()
	data, err := s.blobs.Get(ctx, in.OwnerID, in.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to download source: %w", err)
	}

	raw, pages, err := s.extractor.Extract(ctx, data)
	if err != nil {
		if errors.Is(err, ErrInvalidPDF) {
			return nil, queue.Permanent(err)
		}
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}

	res := Analyze(Clean(raw), pages)
	if res.WordCount == 0 {
		return nil, queue.Permanent(fmt.Errorf("%s: %w", in.FileName, ErrNoText))
	}

	if err := s.cache.Put(ctx, cache.Entry{
		Type:      cache.TypeExtraction,
		Key:       key,
		InputHash: cache.HashBytes(data),
		Payload:   res,
		InputSize: int64(len(data)),
		Duration:  time.Since(start),
	}); err != nil {
		// The next stage reads text from the cache, so this must succeed.
		return nil, err
	}

	s.logger.Info("text extracted",
		"file", in.FileName,
		"pages", res.PageCount,
		"words", res.WordCount,
		"duration", time.Since(start))
	return outputFrom(res, key, false), nil
}

func outputFrom(r *Result, key string, cached bool) *Output {
	return &Output{
		Cached:      cached,
		CacheKey:    key,
		PageCount:   r.PageCount,
		CharCount:   r.CharCount,
		WordCount:   r.WordCount,
		ContentHash: r.ContentHash,
	}
}
