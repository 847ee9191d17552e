package enhance

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const fallbackOpeningRunes = 240

// FallbackSummary builds a templated summary from the chapter itself. It is
// used when the model's output cannot be used, so enhancement still
// completes.
func FallbackSummary(number int, title, content string, words, minutes int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d", number)
	if title != "" {
		fmt.Fprintf(&b, ", %q,", title)
	}
	fmt.Fprintf(&b, " runs %d words (about %d min read).", words, minutes)
	if opening := openingText(content, title); opening != "" {
		fmt.Fprintf(&b, " It opens: %s", opening)
	}
	return b.String()
}

// openingText returns the start of content, skipping a leading heading
// equal to title and cut at a word boundary.
func openingText(content, title string) string {
	text := strings.TrimSpace(content)
	if title != "" && strings.HasPrefix(text, title) {
		text = strings.TrimSpace(text[len(title):])
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= fallbackOpeningRunes {
		return text
	}
	runes := []rune(text)[:fallbackOpeningRunes]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
