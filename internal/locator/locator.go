// Package locator converts between every supported position format and a
// common textual anchor inside a book's content. The forward direction turns a
// format-specific locator into a global character offset; the backward
// direction turns an arbitrary text snippet into the full locator set
// (percentage, XPath, CFI, href+selector) via fuzzy anchoring.
package locator

import (
	"errors"
	"fmt"

	"github.com/bookmarkd/bookmarkd/internal/content"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

var (
	// ErrUnresolved means a locator could not be mapped to or from text.
	// Callers fall back to percentage-only locators.
	ErrUnresolved = errors.New("locator: unresolved")

	// ErrAmbiguous means more than one structurally identical node matched.
	// Resolution never guesses between candidates.
	ErrAmbiguous = errors.New("locator: ambiguous match")
)

const (
	// DefaultWindowSize is the size of the text window returned around a
	// resolved position, in characters.
	DefaultWindowSize = 800

	// DefaultFuzzyCutoff is the minimum partial-ratio score for a fuzzy
	// anchor match to be accepted.
	DefaultFuzzyCutoff = 80

	// hintWindowFrac restricts the first fuzzy pass to this fraction of the
	// text length on either side of the hint position.
	hintWindowFrac = 0.10
)

// Position is the full locator set for one point in a book's text.
type Position struct {
	GlobalOffset int
	Percentage   float64
	SegmentIndex int
	XPath        string
	CFI          string
	Href         string
	Selector     string
	FragmentID   string
}

// Locator converts a Position into the shared wire representation.
func (p *Position) Locator() types.Locator {
	return types.Locator{
		Percentage: p.Percentage,
		XPath:      p.XPath,
		CFI:        p.CFI,
		Href:       p.Href,
		FragmentID: p.FragmentID,
	}
}

// Config tunes a Translator.
type Config struct {
	// WindowSize is the anchor window size in characters (default 800).
	WindowSize int
	// FuzzyCutoff is the minimum similarity score 0-100 (default 80).
	FuzzyCutoff int
}

// Translator performs forward and backward locator translation against a
// parsed content model. Safe for concurrent use; all state is configuration.
type Translator struct {
	windowSize  int
	fuzzyCutoff int
}

// New creates a Translator, filling config defaults.
func New(cfg Config) *Translator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.FuzzyCutoff <= 0 {
		cfg.FuzzyCutoff = DefaultFuzzyCutoff
	}
	return &Translator{
		windowSize:  cfg.WindowSize,
		fuzzyCutoff: cfg.FuzzyCutoff,
	}
}

// FuzzyCutoff returns the configured minimum similarity score.
func (t *Translator) FuzzyCutoff() int {
	return t.fuzzyCutoff
}

// Resolve maps a locator bag to a global character offset. Format-specific
// fields are preferred over the raw percentage: XPath, then CFI, then
// href+fragment. A format-specific field that fails to resolve falls through
// to the next, ending at the percentage, so a stale native locator degrades
// rather than erroring.
func (t *Translator) Resolve(m *content.Model, loc types.Locator) (int, error) {
	if loc.XPath != "" {
		if off, err := ResolveXPath(m, loc.XPath); err == nil {
			return off, nil
		} else if errors.Is(err, ErrAmbiguous) {
			return 0, err
		}
	}
	if loc.CFI != "" {
		if off, err := ResolveCFI(m, loc.CFI); err == nil {
			return off, nil
		}
	}
	if loc.Href != "" {
		if off, err := ResolveHref(m, loc.Href, loc.FragmentID); err == nil {
			return off, nil
		}
	}
	if loc.Percentage < 0 || loc.Percentage > 1 {
		return 0, fmt.Errorf("%w: percentage %f out of range", ErrUnresolved, loc.Percentage)
	}
	return m.OffsetForPercentage(loc.Percentage), nil
}

// ResolveStructural is Resolve without the percentage fallback: it succeeds
// only if a format-specific locator resolved. The reconciliation engine uses
// it to distinguish verified offsets from raw percentages.
func (t *Translator) ResolveStructural(m *content.Model, loc types.Locator) (int, error) {
	if loc.XPath != "" {
		if off, err := ResolveXPath(m, loc.XPath); err == nil {
			return off, nil
		} else if errors.Is(err, ErrAmbiguous) {
			return 0, err
		}
	}
	if loc.CFI != "" {
		if off, err := ResolveCFI(m, loc.CFI); err == nil {
			return off, nil
		}
	}
	if loc.Href != "" {
		if off, err := ResolveHref(m, loc.Href, loc.FragmentID); err == nil {
			return off, nil
		}
	}
	return 0, fmt.Errorf("%w: no structural locator resolved", ErrUnresolved)
}

// Window returns a text window of the configured size centered on offset.
func (t *Translator) Window(m *content.Model, offset int) string {
	if len(m.Text) == 0 {
		return ""
	}
	half := t.windowSize / 2
	start := offset - half
	if start < 0 {
		start = 0
	}
	end := start + t.windowSize
	if end > len(m.Text) {
		end = len(m.Text)
		if start = end - t.windowSize; start < 0 {
			start = 0
		}
	}
	return m.Text[start:end]
}
