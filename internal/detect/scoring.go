package detect

import "strings"

// scoreEpsilon absorbs float noise so ties fall back to evaluation order.
const scoreEpsilon = 1e-9

// Chapter count range that earns the count bonus, and the count above
// which the penalty applies.
const (
	minBonusChapters = 3
	maxBonusChapters = 50
)

// score rates a strategy result. Higher is better.
func score(w Weights, res *strategyResult) float64 {
	s := w.Confidence * res.confidence

	n := len(res.chapters)
	switch {
	case n >= minBonusChapters && n <= maxBonusChapters:
		s += w.CountBonus
	case n > maxBonusChapters:
		s -= w.CountPenalty
	}

	s += w.Consistency * (1 - normalizedVariance(res.chapters))

	if res.method == MethodPattern || res.method == MethodSemantic {
		s += w.MethodBonus
	}
	return s
}

// normalizedVariance is the variance of chapter word counts over the
// squared mean, clamped to [0, 1].
func normalizedVariance(chs []Chapter) float64 {
	if len(chs) == 0 {
		return 1
	}
	mean := 0.0
	for _, ch := range chs {
		mean += float64(ch.WordCount)
	}
	mean /= float64(len(chs))
	if mean == 0 {
		return 1
	}
	v := 0.0
	for _, ch := range chs {
		diff := float64(ch.WordCount) - mean
		v += diff * diff
	}
	v /= float64(len(chs))
	return clamp(v/(mean*mean), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

// trimmed returns text[start:end] without surrounding whitespace.
func trimmed(text string, start, end int) string {
	return strings.TrimSpace(text[start:end])
}
