package detect

import (
	"fmt"
	"strings"
	"unicode"
)

// Transition markers looked for near the start of a sentence. Each family
// contributes once.
var (
	timeMarkers = []string{
		"later", "meanwhile", "afterward", "afterwards", "the next day", "the next morning",
		"the following", "that night", "that evening", "that morning", "years later",
		"months later", "weeks later", "days later", "hours later", "some time later",
		"the day after", "by morning", "by nightfall", "when morning came",
	}
	placeMarkers = []string{
		"elsewhere", "back at", "back in", "across town", "across the", "far away",
		"on the other side", "in another", "at the edge of", "inside the", "outside the",
	}
	topicMarkers = []string{
		"however", "in contrast", "on the other hand", "turning to", "turning now",
		"moving on", "another", "a new", "the second", "in addition", "finally",
	}
)

const markerWindow = 6

// transitionScore rates how strongly a sentence opens a new passage, in
// [0, 1].
func transitionScore(text string, s sentence) float64 {
	opening := openingWords(text[s.start:s.end], markerWindow)
	score := 0.0
	if containsMarker(opening, timeMarkers) {
		score += 0.4
	}
	if containsMarker(opening, placeMarkers) {
		score += 0.3
	}
	if containsMarker(opening, topicMarkers) {
		score += 0.3
	}
	if s.paragraphStart {
		score += 0.2
	}
	return min(score, 1)
}

// openingWords returns the first n words of s, lower-cased, stripped of
// punctuation and padded with spaces for whole-word matching.
func openingWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	for i, f := range fields {
		fields[i] = strings.ToLower(strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}))
	}
	return " " + strings.Join(fields, " ") + " "
}

func containsMarker(opening string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(opening, " "+m+" ") {
			return true
		}
	}
	return false
}

// semantic cuts the text at narrative transitions once a chapter has
// reached the target length, forcing a cut before the maximum.
func (d *Detector) semantic(text string) *strategyResult {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}
	target, lo, hi := d.opts.SemanticTarget, d.opts.SemanticMin, d.opts.SemanticMax

	var (
		cuts    []int
		natural []bool
		words   int
	)
	for i, s := range sentences {
		if i > 0 && words > 0 {
			atTransition := words >= target && transitionScore(text, s) >= d.opts.TransitionThreshold
			if words >= lo && (atTransition || words+s.words > hi) {
				cuts = append(cuts, i)
				natural = append(natural, atTransition)
				words = 0
			}
		}
		words += s.words
	}

	// A short final section joins its predecessor, or the two are
	// rebalanced when joining would overflow.
	if len(cuts) > 0 && words < lo {
		prevStart := 0
		if len(cuts) > 1 {
			prevStart = cuts[len(cuts)-2]
		}
		cuts, natural = cuts[:len(cuts)-1], natural[:len(natural)-1]
		if tail := sentences[prevStart:]; len(tail) > 1 && sumWords(tail) > hi {
			cuts = append(cuts, prevStart+midpointSentence(tail))
			natural = append(natural, false)
		}
	}

	confidence := 0.6
	if len(cuts) > 0 {
		scored := 0
		for _, n := range natural {
			if n {
				scored++
			}
		}
		confidence += 0.2 * float64(scored) / float64(len(cuts))
	}

	chapters := chaptersFromCuts(text, sentences, cuts, "Section %d")
	return &strategyResult{method: MethodSemantic, confidence: confidence, chapters: chapters}
}

func sumWords(sentences []sentence) int {
	n := 0
	for _, s := range sentences {
		n += s.words
	}
	return n
}

// midpointSentence returns the index of the sentence that starts closest
// to the word midpoint of sentences, never 0. It needs at least two
// sentences.
func midpointSentence(sentences []sentence) int {
	half := sumWords(sentences) / 2
	best, bestDist, acc := 1, -1, 0
	for i, s := range sentences {
		if i > 0 {
			dist := acc - half
			if dist < 0 {
				dist = -dist
			}
			if bestDist < 0 || dist < bestDist {
				best, bestDist = i, dist
			}
		}
		acc += s.words
	}
	return best
}

// chaptersFromCuts builds chapters from sentence indexes at which new
// chapters begin. The first chapter starts at offset 0 and the last ends
// at len(text).
func chaptersFromCuts(text string, sentences []sentence, cuts []int, titleFormat string) []Chapter {
	chapters := make([]Chapter, 0, len(cuts)+1)
	start := 0
	for i, c := range cuts {
		end := sentences[c].start
		chapters = append(chapters, newChapter(text, start, end, fmt.Sprintf(titleFormat, i+1)))
		start = end
	}
	return append(chapters, newChapter(text, start, len(text), fmt.Sprintf(titleFormat, len(cuts)+1)))
}
