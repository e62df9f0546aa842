package locator

import (
	"fmt"

	"github.com/bookmarkd/bookmarkd/internal/content"
)

// Generate produces the full locator set for a global character offset.
// Positions inside separator gaps or untrimmed whitespace snap to the nearest
// following text chunk, so the returned GlobalOffset may differ slightly from
// the requested offset.
func (t *Translator) Generate(m *content.Model, offset int) (*Position, error) {
	if len(m.Text) == 0 {
		return nil, fmt.Errorf("%w: empty content model", ErrUnresolved)
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.Text) {
		offset = len(m.Text) - 1
	}

	seg, local, ok := m.SegmentAt(offset)
	if !ok {
		return nil, fmt.Errorf("%w: offset %d outside segment map", ErrUnresolved, offset)
	}
	sd, err := parseSegment(seg)
	if err != nil {
		return nil, err
	}
	chunk, offInChunk, err := sd.chunkAtSegOffset(local)
	if err != nil {
		return nil, err
	}

	block := sd.blockAncestor(chunk.node)
	blockOff := sd.blockOffset(block, chunk, offInChunk)

	xpath, err := generateXPath(sd, block, blockOff)
	if err != nil {
		return nil, err
	}

	global := sd.globalOffset(chunk, offInChunk)
	fragID, _ := sd.anchorID(block)
	return &Position{
		GlobalOffset: global,
		Percentage:   m.PercentageForOffset(global),
		SegmentIndex: seg.Index,
		XPath:        xpath,
		CFI:          generateCFI(sd, chunk, offInChunk),
		Href:         seg.Href,
		Selector:     generateSelector(sd, block),
		FragmentID:   fragID,
	}, nil
}

// GenerateForPercentage is Generate addressed by percentage. Used when a
// follower needs a regenerated locator after a malformed one was caught.
func (t *Translator) GenerateForPercentage(m *content.Model, pct float64) (*Position, error) {
	return t.Generate(m, m.OffsetForPercentage(pct))
}
