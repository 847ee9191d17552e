// Package detect finds chapter boundaries in normalized book text.
//
// Several independent strategies run over the same text; each result is
// scored and the best one wins. The winner's cut points are then nudged to
// sentence ends. Detection is pure and deterministic: the same text, title
// and options always produce the same chapters.
package detect

import (
	"fmt"
	"strings"
)

// AlgorithmVersion changes whenever detection output can change for the
// same input and options.
const AlgorithmVersion = "detect/v1"

// Method names a detection strategy.
type Method string

const (
	MethodPattern    Method = "pattern"
	MethodStructural Method = "structural"
	MethodSemantic   Method = "semantic"
	MethodAdaptive   Method = "adaptive"
	MethodFallback   Method = "fallback"
)

// strategyOrder is the evaluation order; on equal scores the earlier
// strategy wins.
var strategyOrder = []Method{MethodPattern, MethodSemantic, MethodAdaptive, MethodStructural}

// Chapter is one detected chapter. Offsets are byte offsets into the
// detected text, end exclusive.
type Chapter struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	WordCount   int    `json:"word_count"`
}

// Candidate summarizes one strategy's attempt.
type Candidate struct {
	Method     Method  `json:"method"`
	Confidence float64 `json:"confidence"`
	Chapters   int     `json:"chapters"`
	Score      float64 `json:"score"`
	Eligible   bool    `json:"eligible"`
}

// Result is the selected detection.
type Result struct {
	Method     Method      `json:"method"`
	Confidence float64     `json:"confidence"`
	Score      float64     `json:"score"`
	Chapters   []Chapter   `json:"chapters"`
	Candidates []Candidate `json:"candidates"`
}

// TotalWords sums chapter word counts.
func (r *Result) TotalWords() int {
	n := 0
	for _, ch := range r.Chapters {
		n += ch.WordCount
	}
	return n
}

// Weights tune strategy selection.
type Weights struct {
	Confidence   float64 `mapstructure:"confidence" yaml:"confidence"`
	CountBonus   float64 `mapstructure:"count_bonus" yaml:"count_bonus"`
	CountPenalty float64 `mapstructure:"count_penalty" yaml:"count_penalty"`
	Consistency  float64 `mapstructure:"consistency" yaml:"consistency"`
	MethodBonus  float64 `mapstructure:"method_bonus" yaml:"method_bonus"`
}

// DefaultWeights returns the stock selection weights.
func DefaultWeights() Weights {
	return Weights{
		Confidence:   0.4,
		CountBonus:   0.3,
		CountPenalty: 0.2,
		Consistency:  0.2,
		MethodBonus:  0.1,
	}
}

// Options configure a Detector. Zero fields take defaults.
type Options struct {
	Weights Weights

	// MinPatternChars drops pattern chapters shorter than this.
	MinPatternChars int
	// MinStructuralChars is the minimum structural chapter length.
	MinStructuralChars int
	// StructuralThreshold is the minimum boundary strength kept.
	StructuralThreshold float64

	SemanticTarget      int
	SemanticMin         int
	SemanticMax         int
	TransitionThreshold float64

	// FallbackWords is the fallback chunk size.
	FallbackWords int
	// OptimizeWindow bounds how far a cut may move, in bytes.
	OptimizeWindow int
}

// DefaultOptions returns the stock options.
func DefaultOptions() Options {
	return Options{
		Weights:             DefaultWeights(),
		MinPatternChars:     500,
		MinStructuralChars:  1000,
		StructuralThreshold: 0.6,
		SemanticTarget:      2500,
		SemanticMin:         1200,
		SemanticMax:         4000,
		TransitionThreshold: 0.3,
		FallbackWords:       2500,
		OptimizeWindow:      200,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Weights == (Weights{}) {
		o.Weights = d.Weights
	}
	if o.MinPatternChars <= 0 {
		o.MinPatternChars = d.MinPatternChars
	}
	if o.MinStructuralChars <= 0 {
		o.MinStructuralChars = d.MinStructuralChars
	}
	if o.StructuralThreshold <= 0 {
		o.StructuralThreshold = d.StructuralThreshold
	}
	if o.SemanticTarget <= 0 {
		o.SemanticTarget = d.SemanticTarget
	}
	if o.SemanticMin <= 0 {
		o.SemanticMin = d.SemanticMin
	}
	if o.SemanticMax <= 0 {
		o.SemanticMax = d.SemanticMax
	}
	if o.TransitionThreshold <= 0 {
		o.TransitionThreshold = d.TransitionThreshold
	}
	if o.FallbackWords <= 0 {
		o.FallbackWords = d.FallbackWords
	}
	if o.OptimizeWindow <= 0 {
		o.OptimizeWindow = d.OptimizeWindow
	}
	return o
}

// Fingerprint identifies the algorithm and every option that affects
// output. It belongs in any cache key for detection results.
func (o Options) Fingerprint() string {
	o = o.withDefaults()
	w := o.Weights
	return fmt.Sprintf("%s|w=%g,%g,%g,%g,%g|p=%d|s=%d,%g|m=%d,%d,%d,%g|f=%d|o=%d",
		AlgorithmVersion,
		w.Confidence, w.CountBonus, w.CountPenalty, w.Consistency, w.MethodBonus,
		o.MinPatternChars,
		o.MinStructuralChars, o.StructuralThreshold,
		o.SemanticTarget, o.SemanticMin, o.SemanticMax, o.TransitionThreshold,
		o.FallbackWords,
		o.OptimizeWindow)
}

// Detector runs the strategies.
type Detector struct {
	opts Options
}

// New creates a detector.
func New(opts Options) *Detector {
	return &Detector{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (d *Detector) Options() Options {
	return d.opts
}

// Fingerprint is shorthand for d.Options().Fingerprint().
func (d *Detector) Fingerprint() string {
	return d.opts.Fingerprint()
}

// strategyResult is a strategy's raw output before selection.
type strategyResult struct {
	method     Method
	confidence float64
	chapters   []Chapter
}

// Detect finds chapters in text. It always returns at least one chapter
// for text containing any words.
func (d *Detector) Detect(text, title string) *Result {
	text = strings.TrimRight(text, " \t\n")

	runs := map[Method]func() *strategyResult{
		MethodPattern:    func() *strategyResult { return d.pattern(text, title) },
		MethodStructural: func() *strategyResult { return d.structural(text) },
		MethodSemantic:   func() *strategyResult { return d.semantic(text) },
		MethodAdaptive:   func() *strategyResult { return d.adaptive(text) },
	}

	var (
		best       *strategyResult
		bestScore  float64
		candidates []Candidate
	)
	for _, m := range strategyOrder {
		res := runs[m]()
		cand := Candidate{Method: m}
		if res != nil {
			res.chapters = usable(res.chapters)
			cand.Confidence = res.confidence
			cand.Chapters = len(res.chapters)
			cand.Eligible = len(res.chapters) >= minChapters(m)
			if cand.Eligible {
				cand.Score = score(d.opts.Weights, res)
				if best == nil || cand.Score > bestScore+scoreEpsilon {
					best, bestScore = res, cand.Score
				}
			}
		}
		candidates = append(candidates, cand)
	}

	if best == nil {
		best = d.fallback(text)
		bestScore = score(d.opts.Weights, best)
		candidates = append(candidates, Candidate{
			Method:     MethodFallback,
			Confidence: best.confidence,
			Chapters:   len(best.chapters),
			Score:      bestScore,
			Eligible:   true,
		})
	}

	chapters := optimizeBoundaries(text, best.chapters, d.opts.OptimizeWindow, best.method == MethodPattern)
	return &Result{
		Method:     best.method,
		Confidence: best.confidence,
		Score:      bestScore,
		Chapters:   chapters,
		Candidates: candidates,
	}
}

// minChapters is how many usable chapters a strategy needs to compete.
// Marker and layout strategies that find a single chapter have found
// nothing.
func minChapters(m Method) int {
	switch m {
	case MethodPattern, MethodStructural:
		return 2
	default:
		return 1
	}
}

// A chapter is usable when it has real content.
const (
	minUsableChars = 100
	minUsableWords = 50
)

func usable(chs []Chapter) []Chapter {
	out := chs[:0:0]
	for _, ch := range chs {
		if len(ch.Content) >= minUsableChars && ch.WordCount >= minUsableWords {
			out = append(out, ch)
		}
	}
	return out
}

// newChapter slices text[start:end] into a chapter.
func newChapter(text string, start, end int, title string) Chapter {
	content := strings.TrimSpace(text[start:end])
	return Chapter{
		Title:       truncateTitle(title, maxTitleRunes),
		Content:     content,
		StartOffset: start,
		EndOffset:   end,
		WordCount:   CountWords(content),
	}
}

const maxTitleRunes = 200
