package enhance

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MockSummarizer is a Summarizer for tests and offline runs.
type MockSummarizer struct {
	// Fn, when set, produces the result; otherwise a fixed summary is
	// returned.
	Fn func(ctx context.Context, req SummaryRequest) (*SummaryResult, error)

	calls atomic.Int64
}

// Summarize implements Summarizer.
func (m *MockSummarizer) Summarize(ctx context.Context, req SummaryRequest) (*SummaryResult, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Fn != nil {
		return m.Fn(ctx, req)
	}
	return &SummaryResult{
		Summary:   fmt.Sprintf("Summary of chapter %d, %s.", req.ChapterNumber, req.ChapterTitle),
		KeyPoints: []string{"mock"},
	}, nil
}

// Calls returns how many times Summarize was invoked.
func (m *MockSummarizer) Calls() int64 {
	return m.calls.Load()
}

var _ Summarizer = (*MockSummarizer)(nil)
