package chapters

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxHighlights    = 5
	minQuoteRunes    = 20
	maxQuoteRunes    = 200
	maxSentenceRunes = 300
)

var (
	quotedSpan   = regexp.MustCompile(`"([^"\n]+)"|“([^”\n]+)”`)
	sentenceSpan = regexp.MustCompile(`[^.!?\n]+(?:[.!?]+|$)`)
)

// markerPhrases flag sentences that state a takeaway.
var markerPhrases = []string{
	"in conclusion",
	"the key is",
	"most important",
	"remember that",
	"in summary",
	"the lesson",
}

// Highlights picks up to five notable passages: quotations of 20 to 200
// characters first, then sentences containing a takeaway phrase.
func Highlights(content string) []string {
	out := make([]string, 0, maxHighlights)
	seen := make(map[string]bool)
	add := func(s string) bool {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" || seen[s] {
			return len(out) < maxHighlights
		}
		seen[s] = true
		out = append(out, s)
		return len(out) < maxHighlights
	}

	for _, m := range quotedSpan.FindAllStringSubmatch(content, -1) {
		quote := m[1]
		if quote == "" {
			quote = m[2]
		}
		n := utf8.RuneCountInString(strings.TrimSpace(quote))
		if n < minQuoteRunes || n > maxQuoteRunes {
			continue
		}
		if !add(quote) {
			return out
		}
	}

	for _, sentence := range sentenceSpan.FindAllString(content, -1) {
		lower := strings.ToLower(sentence)
		for _, phrase := range markerPhrases {
			if !strings.Contains(lower, phrase) {
				continue
			}
			if utf8.RuneCountInString(strings.TrimSpace(sentence)) <= maxSentenceRunes && !add(sentence) {
				return out
			}
			break
		}
	}
	return out
}
