package locator

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/bookmarkd/bookmarkd/internal/content"
)

// Canonical fragment identifiers follow the EPUB CFI convention: element
// steps carry doubled child indices (the k-th element child is step 2k, with
// an optional [id] assertion), text nodes get the interleaved odd index, and
// a character offset follows the colon:
//
//	epubcfi(/6/10!/4/6[chap3]/2/1:12)
//
// The spine step before the bang is the doubled 1-based spine position.

// generateCFI encodes the exact text node and in-chunk offset.
func generateCFI(sd *segDoc, chunk *textChunk, offInChunk int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "epubcfi(/6/%d!", 2*sd.seg.Index)

	htmlElem := findElement(sd.root, "html")
	parent := chunk.node.Parent
	for _, e := range elementPath(htmlElem, parent) {
		fmt.Fprintf(&sb, "/%d", 2*elementIndex(e))
		if id := nodeAttr(e, "id"); id != "" {
			fmt.Fprintf(&sb, "[%s]", id)
		}
	}
	fmt.Fprintf(&sb, "/%d:%d)", textNodeIndex(chunk.node), offInChunk)
	return sb.String()
}

// textNodeIndex is the odd CFI step for a text node: one past the doubled
// count of element siblings preceding it.
func textNodeIndex(n *html.Node) int {
	elems := 0
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			elems++
		}
	}
	return 2*elems + 1
}

// ResolveCFI maps a CFI back to a global character offset.
func ResolveCFI(m *content.Model, cfi string) (int, error) {
	inner, ok := strings.CutPrefix(cfi, "epubcfi(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return 0, fmt.Errorf("%w: malformed cfi %q", ErrUnresolved, cfi)
	}
	inner = strings.TrimSuffix(inner, ")")

	spinePart, docPart, ok := strings.Cut(inner, "!")
	if !ok {
		return 0, fmt.Errorf("%w: cfi %q has no document part", ErrUnresolved, cfi)
	}

	segIndex, err := spineIndexFromCFI(spinePart)
	if err != nil {
		return 0, err
	}
	seg, found := m.SegmentByIndex(segIndex)
	if !found {
		return 0, fmt.Errorf("%w: no spine segment %d", ErrUnresolved, segIndex)
	}
	sd, err := parseSegment(seg)
	if err != nil {
		return 0, err
	}

	// Split the character offset off the last step.
	offset := 0
	if i := strings.LastIndexByte(docPart, ':'); i >= 0 {
		offset, err = strconv.Atoi(docPart[i+1:])
		if err != nil {
			return 0, fmt.Errorf("%w: cfi offset in %q: %v", ErrUnresolved, cfi, err)
		}
		docPart = docPart[:i]
	}

	htmlElem := findElement(sd.root, "html")
	if htmlElem == nil {
		return 0, fmt.Errorf("%w: segment %d has no html element", ErrUnresolved, segIndex)
	}

	cur := htmlElem
	steps := strings.Split(strings.TrimPrefix(docPart, "/"), "/")
	for i, raw := range steps {
		step, id, err := parseCFIStep(raw)
		if err != nil {
			return 0, err
		}
		last := i == len(steps)-1
		if last && step%2 == 1 {
			// Odd final step addresses a text node under cur.
			chunk, err := textChunkAtCFIStep(sd, cur, step)
			if err != nil {
				return 0, err
			}
			if offset > len(chunk.text) {
				offset = len(chunk.text)
			}
			return sd.globalOffset(chunk, offset), nil
		}
		cur, err = childAtCFIStep(sd, cur, step, id)
		if err != nil {
			return 0, err
		}
	}

	// Element-terminated CFI: position at the element's first text chunk.
	chunk, offInChunk, err := sd.chunkAtBlockOffset(cur, offset)
	if err != nil {
		return 0, err
	}
	return sd.globalOffset(chunk, offInChunk), nil
}

func spineIndexFromCFI(spinePart string) (int, error) {
	parts := strings.Split(strings.TrimPrefix(spinePart, "/"), "/")
	if len(parts) == 0 {
		return 0, fmt.Errorf("%w: empty cfi spine part", ErrUnresolved)
	}
	last, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || last < 2 || last%2 != 0 {
		return 0, fmt.Errorf("%w: cfi spine step %q", ErrUnresolved, spinePart)
	}
	return last / 2, nil
}

func parseCFIStep(raw string) (int, string, error) {
	id := ""
	if open := strings.IndexByte(raw, '['); open >= 0 {
		if !strings.HasSuffix(raw, "]") {
			return 0, "", fmt.Errorf("%w: malformed cfi step %q", ErrUnresolved, raw)
		}
		id = raw[open+1 : len(raw)-1]
		raw = raw[:open]
	}
	step, err := strconv.Atoi(raw)
	if err != nil || step < 1 {
		return 0, "", fmt.Errorf("%w: cfi step %q", ErrUnresolved, raw)
	}
	return step, id, nil
}

// childAtCFIStep descends one even CFI step. An id assertion takes
// precedence over the positional index when it resolves; this keeps CFIs
// stable across minor markup edits.
func childAtCFIStep(sd *segDoc, parent *html.Node, step int, id string) (*html.Node, error) {
	if id != "" {
		if node, err := sd.findByID(id); err == nil {
			return node, nil
		}
	}
	if step%2 != 0 {
		return nil, fmt.Errorf("%w: odd cfi step %d for element", ErrUnresolved, step)
	}
	want := step / 2
	idx := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			idx++
			if idx == want {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: cfi step %d out of range", ErrUnresolved, step)
}

// textChunkAtCFIStep finds the text chunk at an odd step under parent.
func textChunkAtCFIStep(sd *segDoc, parent *html.Node, step int) (*textChunk, error) {
	elems := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			elems++
			continue
		}
		if c.Type == html.TextNode && 2*elems+1 == step {
			if ci, ok := sd.byNode[c]; ok {
				return &sd.chunks[ci], nil
			}
		}
	}
	// Whitespace-only target: settle for the first chunk under parent.
	for i := range sd.chunks {
		if inSubtree(sd.chunks[i].node, parent) {
			return &sd.chunks[i], nil
		}
	}
	return nil, fmt.Errorf("%w: cfi text step %d has no text", ErrUnresolved, step)
}
