package detect

// optimizeBoundaries moves each shared boundary between adjacent chapters
// to the nearest sentence end within window bytes. Boundaries that already
// follow a sentence end stay put. With backwardOnly set, cuts only move
// earlier, which keeps explicit headings at the start of their chapter's
// text. Cuts never cross a chapter midpoint.
func optimizeBoundaries(text string, chs []Chapter, window int, backwardOnly bool) []Chapter {
	out := make([]Chapter, len(chs))
	copy(out, chs)

	for i := 0; i+1 < len(out); i++ {
		cur, next := &out[i], &out[i+1]
		cut := cur.EndOffset
		if cut != next.StartOffset {
			continue
		}
		if endsSentence(text[cur.StartOffset:cut]) {
			continue
		}

		lo := max(cur.StartOffset+(cut-cur.StartOffset)/2+1, cut-window)
		hi := min(next.EndOffset-(next.EndOffset-cut)/2-1, cut+window)
		if backwardOnly {
			hi = cut - 1
		}

		best := -1
		for delta := 1; cut-delta >= lo || cut+delta <= hi; delta++ {
			if j := cut - delta; j >= lo && sentenceEndAt(text, j) {
				best = j
				break
			}
			if j := cut + delta; j <= hi && sentenceEndAt(text, j) {
				best = j
				break
			}
		}
		if best < 0 {
			continue
		}

		*cur = newChapter(text, cur.StartOffset, best, cur.Title)
		*next = newChapter(text, best, next.EndOffset, next.Title)
	}
	return out
}
