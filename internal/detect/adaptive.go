package detect

import (
	"math"
	"regexp"
)

// DocumentClass is the adaptive strategy's classification of a text.
type DocumentClass string

const (
	ClassShort     DocumentClass = "short"
	ClassMedium    DocumentClass = "medium"
	ClassLong      DocumentClass = "long"
	ClassAcademic  DocumentClass = "academic"
	ClassNarrative DocumentClass = "narrative"
)

// envelope is a chapter length target with bounds, in words.
type envelope struct {
	target, min, max int
}

var envelopes = map[DocumentClass]envelope{
	ClassShort:     {target: 1500, min: 800, max: 2500},
	ClassMedium:    {target: 2500, min: 1500, max: 4000},
	ClassLong:      {target: 4000, min: 2500, max: 6000},
	ClassAcademic:  {target: 3000, min: 1500, max: 5000},
	ClassNarrative: {target: 5000, min: 3000, max: 8000},
}

var (
	referencesHeading = regexp.MustCompile(`(?im)^\s*(?:references|bibliography|works cited)\s*$`)
	citation          = regexp.MustCompile(`\(\p{Lu}[\p{L}'-]+(?: et al\.)?,? \d{4}[a-z]?\)|\[\d{1,3}(?:[,–-]\s*\d{1,3})*\]`)
)

// minCitations is how many inline citations mark a text as academic when
// it has no references heading.
const minCitations = 10

// Classify sorts text into a document class by its markers and length.
func Classify(text string, words int) DocumentClass {
	if referencesHeading.MatchString(text) || len(citation.FindAllStringIndex(text, minCitations)) >= minCitations {
		return ClassAcademic
	}
	switch {
	case words < 20000:
		return ClassShort
	case words < 80000:
		return ClassMedium
	case words < 200000:
		return ClassLong
	default:
		return ClassNarrative
	}
}

// adaptive divides the text into evenly sized chapters sized for its
// class, cutting at sentence ends.
func (d *Detector) adaptive(text string) *strategyResult {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}
	words := sumWords(sentences)
	env := envelopes[Classify(text, words)]

	n := max(1, int(math.Round(float64(words)/float64(env.target))))
	n = max(n, (words+env.max-1)/env.max)
	if n > 1 && words/n < env.min {
		n = max(1, words/env.min)
	}
	n = min(n, len(sentences))

	// Cut after the sentence whose running word total is nearest each
	// multiple of words/n.
	var cuts []int
	acc, next := 0, 1
	for i := 0; i < len(sentences)-1 && next < n; i++ {
		acc += sentences[i].words
		goal := float64(words) * float64(next) / float64(n)
		ahead := float64(acc + sentences[i+1].words)
		if math.Abs(float64(acc)-goal) <= math.Abs(ahead-goal) {
			cuts = append(cuts, i+1)
			next++
		}
	}

	return &strategyResult{
		method:     MethodAdaptive,
		confidence: 0.8,
		chapters:   chaptersFromCuts(text, sentences, cuts, "Chapter %d"),
	}
}
