package extract

import (
	"regexp"
	"strings"
)

var (
	pageOfPattern    = regexp.MustCompile(`(?i)\bpage\s+\d+\s+of\s+\d+\b`)
	pageNumberLine   = regexp.MustCompile(`(?i)^[-–—\s]*(?:page\s+)?\d{1,4}[-–—\s]*$`)
	horizontalSpace  = regexp.MustCompile(`[ \t\x{00A0}\x{2000}-\x{200A}\x{202F}\x{3000}]+`)
	excessBlankLines = regexp.MustCompile(`\n{4,}`)
)

// Clean normalizes raw extracted text:
//   - form feeds become paragraph breaks
//   - "Page X of Y" boilerplate and standalone page-number lines are removed
//   - horizontal whitespace runs collapse to one space
//   - runs of three or more blank lines collapse to two
func Clean(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\f", "\n\n")
	text = pageOfPattern.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
		if line != "" && pageNumberLine.MatchString(line) {
			continue
		}
		out = append(out, line)
	}
	text = strings.Join(out, "\n")

	text = excessBlankLines.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}
