package detect

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CountWords counts whitespace-separated words.
func CountWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

// span is a half-open byte range [start, end) of the source text.
type span struct {
	start, end int
}

// sentence is a span plus the derived facts strategies need.
type sentence struct {
	span
	words int
	// paragraphStart is set when a blank line precedes the sentence.
	paragraphStart bool
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isClosingQuote(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', ')', ']':
		return true
	}
	return false
}

// sentenceEndAt reports whether a sentence ends exactly at byte offset i:
// text[:i] ends with a terminator (optionally followed by closing quotes)
// and text[i:] is empty or starts with whitespace.
func sentenceEndAt(text string, i int) bool {
	if i <= 0 || i > len(text) {
		return false
	}
	if i < len(text) {
		r, _ := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			return false
		}
	}
	j := i
	for j > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:j])
		if isClosingQuote(r) {
			j -= size
			continue
		}
		return isTerminator(r)
	}
	return false
}

// splitSentences splits text into sentences with byte offsets. A sentence
// ends at a terminator followed by whitespace; a blank line also ends one.
func splitSentences(text string) []sentence {
	var (
		out      []sentence
		start    = -1
		lastEnd  int
		newlines int
		para     = true
	)
	flush := func(end int) {
		if start >= 0 {
			if w := CountWords(text[start:end]); w > 0 {
				out = append(out, sentence{span: span{start: start, end: end}, words: w, paragraphStart: para})
				para = false
			}
		}
		start = -1
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			if r == '\n' {
				newlines++
				if newlines == 2 {
					flush(lastEnd)
					para = true
				}
			}
			i += size
			continue
		}
		newlines = 0
		if start < 0 {
			start = i
		}
		i += size
		lastEnd = i
		if sentenceEndAt(text, i) {
			flush(i)
		}
	}
	flush(lastEnd)
	return out
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

// headingLike reports whether a line looks like a heading: short, starts
// with a capital or digit, and does not end like a sentence.
func headingLike(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || utf8.RuneCountInString(line) > 80 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(line)
	if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(line)
	if isTerminator(last) || last == ',' || last == ';' {
		return false
	}
	return CountWords(line) <= 12
}

// startsWithUpper reports whether the first letter of s is upper case.
func startsWithUpper(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || isClosingQuote(r) || r == '"' || r == '“' {
			continue
		}
		return unicode.IsUpper(r) || unicode.IsDigit(r)
	}
	return false
}

// endsSentence reports whether s, ignoring trailing space, ends a sentence.
func endsSentence(s string) bool {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	return sentenceEndAt(s, len(s))
}

func truncateTitle(title string, limit int) string {
	title = strings.Join(strings.Fields(title), " ")
	if utf8.RuneCountInString(title) <= limit {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:limit]))
}
