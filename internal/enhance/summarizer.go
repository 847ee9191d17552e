// Package enhance enriches stored chapters with AI summaries. Calls pass
// through a shared Budget, are retried with backoff on transient errors, and
// fall back to a templated summary when the model's output is unusable.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrRateLimited matches any RateLimitError via errors.Is.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidOutput marks a response that could not be parsed or did not
	// match the summary schema. It is never retried.
	ErrInvalidOutput = errors.New("invalid summary output")
)

// RateLimitError is returned when the provider rejects a call with 429.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsRateLimitError extracts a RateLimitError from an error chain.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// parseRetryAfter reads a Retry-After header given as seconds or an HTTP
// date. Unparseable values yield zero.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// SummaryRequest is one chapter to summarize.
type SummaryRequest struct {
	DocumentTitle string
	ChapterNumber int
	ChapterTitle  string
	// Content is the chapter body, already cut to the prompt budget.
	Content  string
	MinWords int
	MaxWords int
}

// SummaryResult is the structured model output.
type SummaryResult struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// Text renders the summary with its key points for storage.
func (r *SummaryResult) Text() string {
	if len(r.KeyPoints) == 0 {
		return strings.TrimSpace(r.Summary)
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(r.Summary))
	b.WriteString("\n\nKey points:")
	for _, p := range r.KeyPoints {
		if p = strings.TrimSpace(p); p != "" {
			b.WriteString("\n- " + p)
		}
	}
	return b.String()
}

// Summarizer produces chapter summaries.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (*SummaryResult, error)
}

// systemPrompt frames every summarization call.
const systemPrompt = `You summarize book chapters for readers deciding what to read next.
Return ONLY a JSON object with "summary" (a single prose paragraph) and "key_points" (2 to 5 short strings).`

// userPrompt builds the per-chapter prompt.
func userPrompt(req SummaryRequest) string {
	var b strings.Builder
	if req.DocumentTitle != "" {
		fmt.Fprintf(&b, "Book: %s\n", req.DocumentTitle)
	}
	fmt.Fprintf(&b, "Chapter %d: %s\n\n", req.ChapterNumber, req.ChapterTitle)
	fmt.Fprintf(&b, "Write a summary of %d to %d words.\n\n", req.MinWords, req.MaxWords)
	b.WriteString("Chapter text:\n")
	b.WriteString(req.Content)
	return b.String()
}
