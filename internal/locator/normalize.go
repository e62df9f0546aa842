package locator

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// normalized is a punctuation/case-normalized copy of a text plus the map
// from every normalized byte back to its source offset, so a match position
// in the normalized copy projects onto the original text.
type normalized struct {
	text    string
	offsets []int
}

// normalizeText lowercases, strips punctuation and diacritics, and collapses
// whitespace runs to single spaces, tracking source offsets throughout.
func normalizeText(s string) normalized {
	var sb strings.Builder
	sb.Grow(len(s))
	offsets := make([]int, 0, len(s))
	lastSpace := true

	for i, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteByte(' ')
				offsets = append(offsets, i)
				lastSpace = true
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			for _, d := range norm.NFKD.String(string(r)) {
				if unicode.Is(unicode.Mn, d) {
					continue // combining mark from decomposition
				}
				for _, b := range []byte(string(unicode.ToLower(d))) {
					sb.WriteByte(b)
					offsets = append(offsets, i)
				}
			}
			lastSpace = false
		}
	}

	text := sb.String()
	// Trim a trailing space left by terminal whitespace.
	if strings.HasSuffix(text, " ") {
		text = text[:len(text)-1]
		offsets = offsets[:len(offsets)-1]
	}
	return normalized{text: text, offsets: offsets}
}
