// Package content parses a book package into a linear plain-text stream plus a
// spine/segment map. The extracted text is the coordinate system every locator
// format is translated through.
package content

import (
	"errors"
	"strings"

	"golang.org/x/net/html"
)

// ErrUnparseable indicates a malformed book package. Callers skip translation
// for the book and fall back to percentage-only state.
var ErrUnparseable = errors.New("content: unparseable package")

// SegmentSeparator joins consecutive spine documents in the concatenated text.
const SegmentSeparator = "\n"

// chunkJoin joins consecutive text chunks within one document.
const chunkJoin = " "

// Segment is one spine document's slice of the concatenated text.
type Segment struct {
	Index  int    // 1-based spine position
	Href   string // manifest href, relative to the package root
	Start  int    // inclusive offset in Model.Text
	End    int    // exclusive offset in Model.Text
	Markup []byte // raw XHTML, kept for locator generation and resolution
}

// Model is the parsed form of a book package: one concatenated plain-text
// string with all markup stripped, plus the ordered segment map.
type Model struct {
	Title    string
	Text     string
	Segments []Segment
}

// SegmentAt resolves a global text offset to its segment and local offset.
// Offsets falling on a separator resolve to the preceding segment's end.
func (m *Model) SegmentAt(offset int) (*Segment, int, bool) {
	for i := range m.Segments {
		s := &m.Segments[i]
		if offset >= s.Start && offset < s.End {
			return s, offset - s.Start, true
		}
		if offset < s.Start {
			if i == 0 {
				return s, 0, true
			}
			prev := &m.Segments[i-1]
			return prev, prev.End - prev.Start, true
		}
	}
	if n := len(m.Segments); n > 0 && offset >= m.Segments[n-1].End {
		last := &m.Segments[n-1]
		return last, last.End - last.Start, true
	}
	return nil, 0, false
}

// SegmentByIndex returns the segment with the given 1-based spine index.
func (m *Model) SegmentByIndex(index int) (*Segment, bool) {
	for i := range m.Segments {
		if m.Segments[i].Index == index {
			return &m.Segments[i], true
		}
	}
	return nil, false
}

// SegmentByHref returns the segment for a manifest href. The fragment part of
// href, if any, is ignored.
func (m *Model) SegmentByHref(href string) (*Segment, bool) {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	for i := range m.Segments {
		if m.Segments[i].Href == href {
			return &m.Segments[i], true
		}
	}
	return nil, false
}

// OffsetForPercentage maps a percentage in [0,1] to a global text offset.
func (m *Model) OffsetForPercentage(p float64) int {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	off := int(p * float64(len(m.Text)))
	if off >= len(m.Text) && len(m.Text) > 0 {
		off = len(m.Text) - 1
	}
	return off
}

// PercentageForOffset maps a global text offset back to a percentage.
func (m *Model) PercentageForOffset(off int) float64 {
	if len(m.Text) == 0 {
		return 0
	}
	if off < 0 {
		off = 0
	}
	if off > len(m.Text) {
		off = len(m.Text)
	}
	return float64(off) / float64(len(m.Text))
}

// VisitTextNodes walks root in document order, calling fn once per non-empty
// text chunk with leading/trailing whitespace stripped. This exact policy is
// shared between text extraction and locator offset counting; the two must
// never diverge or offsets drift. Returning false from fn stops the walk.
func VisitTextNodes(root *html.Node, fn func(n *html.Node, text string) bool) bool {
	if root.Type == html.ElementNode {
		switch root.Data {
		case "script", "style", "head":
			return true
		}
	}
	if root.Type == html.TextNode {
		if t := strings.TrimSpace(root.Data); t != "" {
			return fn(root, t)
		}
		return true
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if !VisitTextNodes(c, fn) {
			return false
		}
	}
	return true
}

// ExtractText parses one XHTML document and returns its plain text: trimmed
// chunks in document order, joined with single spaces.
func ExtractText(markup []byte) (string, error) {
	root, err := html.Parse(strings.NewReader(string(markup)))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	VisitTextNodes(root, func(_ *html.Node, text string) bool {
		if sb.Len() > 0 {
			sb.WriteString(chunkJoin)
		}
		sb.WriteString(text)
		return true
	})
	return sb.String(), nil
}
