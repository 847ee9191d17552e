package detect

import (
	"fmt"
	"regexp"
)

// sectionBreak is two or more blank lines.
var sectionBreak = regexp.MustCompile(`\n(?:[ \t]*\n){2,}`)

// substantialChars is the length at which a segment counts as body text.
const substantialChars = 500

// structural splits on layout: wide gaps between blocks of text whose
// neighbours look like the end and start of chapters.
func (d *Detector) structural(text string) *strategyResult {
	gaps := sectionBreak.FindAllStringIndex(text, -1)
	if len(gaps) == 0 {
		return nil
	}

	segments := make([]span, 0, len(gaps)+1)
	prev := 0
	for _, g := range gaps {
		segments = append(segments, span{start: prev, end: g[0]})
		prev = g[1]
	}
	segments = append(segments, span{start: prev, end: len(text)})

	var (
		chapters  []Chapter
		strengths []float64
		start     = 0
	)
	for i := 0; i+1 < len(segments); i++ {
		before, after := segments[i], segments[i+1]
		strength := d.boundaryStrength(text, before, after)
		if strength < d.opts.StructuralThreshold {
			continue
		}
		if len(trimmed(text, start, before.end)) <= d.opts.MinStructuralChars {
			continue
		}
		chapters = append(chapters, newChapter(text, start, after.start, ""))
		strengths = append(strengths, strength)
		start = after.start
	}
	if len(chapters) == 0 {
		return nil
	}

	// A short tail joins the last chapter.
	if len(trimmed(text, start, len(text))) <= d.opts.MinStructuralChars {
		last := &chapters[len(chapters)-1]
		*last = newChapter(text, last.StartOffset, len(text), "")
	} else {
		chapters = append(chapters, newChapter(text, start, len(text), ""))
	}

	for i := range chapters {
		if h := firstLine(chapters[i].Content); headingLike(h) {
			chapters[i].Title = truncateTitle(h, maxTitleRunes)
		} else {
			chapters[i].Title = fmt.Sprintf("Section %d", i+1)
		}
	}

	mean := 0.0
	for _, s := range strengths {
		mean += s
	}
	mean /= float64(len(strengths))
	return &strategyResult{
		method:     MethodStructural,
		confidence: clamp(0.3+0.4*mean, 0.3, 0.7),
		chapters:   chapters,
	}
}

// boundaryStrength rates the gap between two segments in [0, 1].
func (d *Detector) boundaryStrength(text string, before, after span) float64 {
	prev := trimmed(text, before.start, before.end)
	next := trimmed(text, after.start, after.end)

	strength := 0.0
	if len(prev) >= substantialChars && len(next) >= substantialChars {
		strength += 0.4
	}
	if endsSentence(prev) && startsWithUpper(next) {
		strength += 0.3
	}
	if headingLike(firstLine(next)) {
		strength += 0.3
	}
	return strength
}
