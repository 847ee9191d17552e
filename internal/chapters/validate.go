// Package chapters turns detected chapters into stored rows: it validates
// and renumbers them, extracts highlights, persists them in batches and
// plans enhancement jobs.
package chapters

import (
	"strings"
	"unicode/utf8"

	"github.com/jackzampolin/bindery/internal/detect"
	"github.com/jackzampolin/bindery/internal/store"
)

const (
	maxTitleRunes  = 200
	minBodyChars   = 100
	minBodyWords   = 50
	wordsPerMinute = 200
)

// Rejection explains why a detected chapter was not stored.
type Rejection struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// Prepare validates detected chapters and converts the survivors to rows
// numbered contiguously from 1.
func Prepare(documentID string, res *detect.Result) ([]*store.Chapter, []Rejection) {
	var (
		out      []*store.Chapter
		rejected []Rejection
	)
	for i, dc := range res.Chapters {
		title := normalizeTitle(dc.Title)
		body := strings.TrimSpace(dc.Content)
		words := detect.CountWords(body)

		reason := ""
		switch {
		case title == "":
			reason = "empty title"
		case body == "":
			reason = "empty body"
		case len(body) < minBodyChars:
			reason = "body too short"
		case words < minBodyWords:
			reason = "too few words"
		}
		if reason != "" {
			rejected = append(rejected, Rejection{Index: i, Title: title, Reason: reason})
			continue
		}

		start := max(dc.StartOffset, 0)
		end := max(dc.EndOffset, start)
		out = append(out, &store.Chapter{
			DocumentID:     documentID,
			ChapterNumber:  len(out) + 1,
			PartNumber:     1,
			Title:          title,
			Content:        body,
			WordCount:      words,
			ReadingMinutes: ReadingMinutes(words),
			Highlights:     Highlights(body),
			Metadata: store.ChapterMetadata{
				Method:      string(res.Method),
				Confidence:  max(0, min(1, res.Confidence)),
				StartOffset: start,
				EndOffset:   end,
			},
		})
	}
	return out, rejected
}

// ReadingMinutes estimates reading time at 200 words per minute, rounded up.
func ReadingMinutes(words int) int {
	if words <= 0 {
		return 0
	}
	return (words + wordsPerMinute - 1) / wordsPerMinute
}

// normalizeTitle collapses whitespace and truncates long titles with an
// ellipsis.
func normalizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	return string([]rune(title)[:maxTitleRunes-3]) + "..."
}
