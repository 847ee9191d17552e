package detect

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const spelledNumbers = `one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen|eighteen|nineteen|twenty|thirty|forty|fifty`

// patternTier is one family of chapter markers. Tiers are tried in order;
// the first that yields enough chapters wins.
type patternTier struct {
	name       string
	confidence float64
	match      func(line string) bool
}

var (
	chapterMarker  = regexp.MustCompile(`(?i)^chapter\s+(?:\d{1,3}|[ivxlcdm]{1,7}|(?:` + spelledNumbers + `)(?:[- ](?:` + spelledNumbers + `))?)\b`)
	partMarker     = regexp.MustCompile(`(?i)^(?:part|book)\s+(?:\d{1,3}|[ivxlcdm]{1,7}|` + spelledNumbers + `)\b`)
	numberedMarker = regexp.MustCompile(`^\d{1,3}[.)]\s+\p{Lu}.{0,80}$`)
)

// maxMarkerRunes bounds marker line length so prose that happens to begin
// with "Chapter 3" is not taken for a heading.
const maxMarkerRunes = 100

func (d *Detector) patternTiers(title string, lineCounts map[string]int) []patternTier {
	title = strings.ToLower(strings.TrimSpace(title))
	return []patternTier{
		{name: "chapter", confidence: 0.95, match: func(l string) bool { return chapterMarker.MatchString(l) }},
		{name: "part", confidence: 0.85, match: func(l string) bool { return partMarker.MatchString(l) }},
		{name: "numbered", confidence: 0.75, match: func(l string) bool { return numberedMarker.MatchString(l) }},
		{name: "caps", confidence: 0.6, match: func(l string) bool {
			if title != "" && strings.ToLower(l) == title {
				return false
			}
			// Repeated lines are running headers, not chapter titles.
			return lineCounts[l] < 3 && allCapsHeading(l)
		}},
	}
}

// allCapsHeading reports whether line is a short upper-case heading.
func allCapsHeading(line string) bool {
	if utf8.RuneCountInString(line) > 60 || CountWords(line) > 8 {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

// line is a trimmed line with the byte offset where its text starts.
type line struct {
	text  string
	start int
}

func splitLines(text string) []line {
	var out []line
	offset := 0
	for _, raw := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			lead := len(raw) - len(strings.TrimLeftFunc(raw, unicode.IsSpace))
			out = append(out, line{text: trimmed, start: offset + lead})
		}
		offset += len(raw)
	}
	return out
}

// pattern finds explicit chapter headings.
func (d *Detector) pattern(text, title string) *strategyResult {
	lines := splitLines(text)
	counts := make(map[string]int, len(lines))
	for _, l := range lines {
		counts[l.text]++
	}

	for _, tier := range d.patternTiers(title, counts) {
		var markers []line
		for _, l := range lines {
			if utf8.RuneCountInString(l.text) <= maxMarkerRunes && tier.match(l.text) {
				markers = append(markers, l)
			}
		}
		if len(markers) < 2 {
			continue
		}

		chapters := d.chaptersFromMarkers(text, markers)
		if len(usable(chapters)) < 2 {
			// A table of contents alone is not a chapter structure.
			continue
		}
		return &strategyResult{method: MethodPattern, confidence: tier.confidence, chapters: chapters}
	}
	return nil
}

func (d *Detector) chaptersFromMarkers(text string, markers []line) []Chapter {
	var chapters []Chapter
	if pre := strings.TrimSpace(text[:markers[0].start]); len(pre) >= d.opts.MinPatternChars {
		chapters = append(chapters, newChapter(text, 0, markers[0].start, "Front Matter"))
	}
	for i, m := range markers {
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		ch := newChapter(text, m.start, end, m.text)
		if len(ch.Content) < d.opts.MinPatternChars {
			continue
		}
		chapters = append(chapters, ch)
	}
	return chapters
}
