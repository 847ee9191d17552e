package detect

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// minFallbackTailWords is the size below which the last chunk joins the
// one before it.
const minFallbackTailWords = 500

// fallback chunks the text into fixed word counts. It is used only when no
// strategy produced a usable result.
func (d *Detector) fallback(text string) *strategyResult {
	starts := wordStarts(text)
	res := &strategyResult{method: MethodFallback, confidence: 0.3}
	if len(starts) == 0 {
		return res
	}

	size := d.opts.FallbackWords
	var cuts []int
	for w := size; w < len(starts); w += size {
		cuts = append(cuts, w)
	}
	if len(cuts) > 0 && len(starts)-cuts[len(cuts)-1] < minFallbackTailWords {
		cuts = cuts[:len(cuts)-1]
	}

	start := 0
	for i, w := range cuts {
		end := starts[w]
		res.chapters = append(res.chapters, newChapter(text, start, end, fmt.Sprintf("Part %d", i+1)))
		start = end
	}
	res.chapters = append(res.chapters, newChapter(text, start, len(text), fmt.Sprintf("Part %d", len(cuts)+1)))
	return res
}

// wordStarts returns the byte offset of every word.
func wordStarts(text string) []int {
	var out []int
	inWord := false
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			out = append(out, i)
			inWord = true
		}
		i += size
	}
	return out
}
