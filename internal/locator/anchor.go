package locator

import (
	"fmt"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/bookmarkd/bookmarkd/internal/content"
)

// Anchor finds the best occurrence of a canonical text anchor in the book and
// returns the full locator set for it. Matching tiers, in order: exact
// substring, punctuation/case-normalized, fuzzy partial-ratio first within a
// window around the hint percentage then unrestricted. The first successful
// tier wins; fuzzy matching is never consulted when an exact match exists.
func (t *Translator) Anchor(m *content.Model, text string, hintPct float64) (*Position, error) {
	if len(m.Text) == 0 {
		return nil, fmt.Errorf("%w: empty content model", ErrUnresolved)
	}
	off, err := FindAnchor(m.Text, text, m.OffsetForPercentage(hintPct), t.fuzzyCutoff)
	if err != nil {
		return nil, err
	}
	return t.Generate(m, off)
}

// FindAnchor locates needle in hay using the tiered matching strategy shared
// by book-text and transcript anchoring. hintOff centers the restricted fuzzy
// pass; cutoff is the minimum partial-ratio score. Returns the byte offset of
// the best match.
func FindAnchor(hay, needle string, hintOff, cutoff int) (int, error) {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return 0, fmt.Errorf("%w: empty anchor text", ErrUnresolved)
	}
	if len(hay) == 0 {
		return 0, fmt.Errorf("%w: empty search text", ErrUnresolved)
	}

	// Tier 1: exact substring, occurrence nearest the hint.
	if off := nearestIndex(hay, needle, hintOff); off >= 0 {
		return off, nil
	}

	// Tier 2: match against a normalized copy, projected back to source offsets.
	normHay := normalizeText(hay)
	normNeedle := normalizeText(needle).text
	if normNeedle != "" && len(normHay.text) > 0 {
		normHint := hintOff * len(normHay.text) / len(hay)
		if k := nearestIndex(normHay.text, normNeedle, normHint); k >= 0 {
			return normHay.offsets[k], nil
		}
	}

	// Tier 3: fuzzy partial-ratio alignment, hint-restricted then unrestricted.
	radius := int(hintWindowFrac * float64(len(hay)))
	lo, hi := hintOff-radius, hintOff+radius
	if lo < 0 {
		lo = 0
	}
	if hi > len(hay) {
		hi = len(hay)
	}
	if off, score := fuzzyScan(hay, needle, lo, hi, cutoff); score >= cutoff {
		return off, nil
	}
	if off, score := fuzzyScan(hay, needle, 0, len(hay), cutoff); score >= cutoff {
		return off, nil
	}

	return 0, fmt.Errorf("%w: no occurrence above similarity cutoff %d", ErrUnresolved, cutoff)
}

// nearestIndex returns the occurrence of needle in hay closest to hint,
// or -1 when absent.
func nearestIndex(hay, needle string, hint int) int {
	best := -1
	bestDist := 0
	for from := 0; ; {
		i := strings.Index(hay[from:], needle)
		if i < 0 {
			break
		}
		off := from + i
		dist := off - hint
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || dist < bestDist {
			best, bestDist = off, dist
		}
		from = off + 1
		if from >= len(hay) {
			break
		}
	}
	return best
}

// fuzzyScan slides windows over hay[lo:hi] scoring each against needle with
// the partial ratio, then refines the best window with a finer pass.
// Returns the best offset and its score.
func fuzzyScan(hay, needle string, lo, hi, cutoff int) (int, int) {
	w := len(needle)
	if w == 0 || hi <= lo {
		return 0, 0
	}
	window := 2 * w
	if window > hi-lo {
		window = hi - lo
	}
	step := w / 2
	if step < 1 {
		step = 1
	}

	bestStart, bestScore := lo, -1
	for start := lo; start < hi; start += step {
		end := start + window
		if end > hi {
			end = hi
		}
		if score := fuzzy.PartialRatio(needle, hay[start:end]); score > bestScore {
			bestStart, bestScore = start, score
		}
		if end == hi {
			break
		}
	}
	if bestScore < cutoff {
		return bestStart, bestScore
	}

	// Refine inside the winning window.
	fineStep := w / 8
	if fineStep < 1 {
		fineStep = 1
	}
	fineEnd := bestStart + window
	if fineEnd > hi {
		fineEnd = hi
	}
	refined, refinedScore := bestStart, -1
	for start := bestStart; start < fineEnd; start += fineStep {
		end := start + w
		if end > fineEnd {
			end = fineEnd
		}
		if start >= end {
			break
		}
		if score := fuzzy.Ratio(needle, hay[start:end]); score > refinedScore {
			refined, refinedScore = start, score
		}
	}
	return refined, bestScore
}
