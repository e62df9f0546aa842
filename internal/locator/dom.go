package locator

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/bookmarkd/bookmarkd/internal/content"
)

// inlineTags are elements collapsed upward to their nearest block-level
// ancestor before being encoded in a structural path. Downstream e-reader
// XPath engines do not resolve inline leaf nodes reliably.
var inlineTags = map[string]bool{
	"a": true, "abbr": true, "b": true, "bdi": true, "bdo": true,
	"cite": true, "code": true, "data": true, "dfn": true, "em": true,
	"i": true, "kbd": true, "mark": true, "q": true, "rt": true,
	"ruby": true, "s": true, "samp": true, "small": true, "span": true,
	"strong": true, "sub": true, "sup": true, "time": true, "u": true,
	"var": true, "wbr": true,
}

// textChunk is one whitespace-trimmed text node within a segment, positioned
// in the segment's extracted text.
type textChunk struct {
	node     *html.Node
	text     string
	segStart int // offset of the chunk's first character in the segment text
}

// segDoc is a segment's markup parsed into a DOM tree with its text chunks
// indexed. The chunk walk uses the same trimming policy as text extraction;
// the two must agree or every offset in the segment drifts.
type segDoc struct {
	seg    *content.Segment
	root   *html.Node
	body   *html.Node
	chunks []textChunk
	byNode map[*html.Node]int // text node -> index into chunks
}

func parseSegment(seg *content.Segment) (*segDoc, error) {
	root, err := html.Parse(strings.NewReader(string(seg.Markup)))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing segment %d: %v", ErrUnresolved, seg.Index, err)
	}
	sd := &segDoc{
		seg:    seg,
		root:   root,
		body:   findElement(root, "body"),
		byNode: make(map[*html.Node]int),
	}
	if sd.body == nil {
		return nil, fmt.Errorf("%w: segment %d has no body", ErrUnresolved, seg.Index)
	}
	off := 0
	content.VisitTextNodes(root, func(n *html.Node, text string) bool {
		if len(sd.chunks) > 0 {
			off++ // join space between chunks
		}
		sd.byNode[n] = len(sd.chunks)
		sd.chunks = append(sd.chunks, textChunk{node: n, text: text, segStart: off})
		off += len(text)
		return true
	})
	return sd, nil
}

// chunkAtSegOffset finds the chunk containing a segment-local text offset.
// Offsets falling on a join space snap to the following chunk.
func (sd *segDoc) chunkAtSegOffset(off int) (*textChunk, int, error) {
	for i := range sd.chunks {
		c := &sd.chunks[i]
		if off < c.segStart {
			return c, 0, nil
		}
		if off < c.segStart+len(c.text) {
			return c, off - c.segStart, nil
		}
	}
	if n := len(sd.chunks); n > 0 {
		last := &sd.chunks[n-1]
		return last, len(last.text), nil
	}
	return nil, 0, fmt.Errorf("%w: segment %d has no text", ErrUnresolved, sd.seg.Index)
}

// blockOffset counts the character offset of (chunk, offInChunk) relative to
// the first chunk inside block, walking chunks in document order with the
// shared whitespace policy.
func (sd *segDoc) blockOffset(block *html.Node, chunk *textChunk, offInChunk int) int {
	off := 0
	first := true
	for i := range sd.chunks {
		c := &sd.chunks[i]
		if !inSubtree(c.node, block) {
			continue
		}
		if !first {
			off++
		}
		if c == chunk {
			return off + offInChunk
		}
		off += len(c.text)
		first = false
	}
	return off
}

// chunkAtBlockOffset is the inverse of blockOffset: it finds the chunk and
// in-chunk offset at a block-relative text offset.
func (sd *segDoc) chunkAtBlockOffset(block *html.Node, off int) (*textChunk, int, error) {
	cur := 0
	first := true
	var last *textChunk
	for i := range sd.chunks {
		c := &sd.chunks[i]
		if !inSubtree(c.node, block) {
			continue
		}
		if !first {
			cur++
		}
		if off < cur {
			return c, 0, nil
		}
		if off <= cur+len(c.text) {
			return c, off - cur, nil
		}
		cur += len(c.text)
		first = false
		last = c
	}
	if last != nil {
		return last, len(last.text), nil
	}
	return nil, 0, fmt.Errorf("%w: no text under target node", ErrUnresolved)
}

// blockAncestor climbs from a text node to the nearest block-level element,
// stopping at body.
func (sd *segDoc) blockAncestor(n *html.Node) *html.Node {
	e := n.Parent
	for e != nil && e != sd.body && e.Type == html.ElementNode && inlineTags[e.Data] {
		e = e.Parent
	}
	if e == nil || e.Type != html.ElementNode {
		return sd.body
	}
	return e
}

// findByID returns the unique element with the given id attribute.
// Duplicate ids are an authoring error; resolution refuses to pick one.
func (sd *segDoc) findByID(id string) (*html.Node, error) {
	var matches []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && nodeAttr(n, "id") == id {
			matches = append(matches, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sd.root)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: no element with id %q", ErrUnresolved, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %d elements with id %q", ErrAmbiguous, len(matches), id)
	}
}

// globalOffset projects (chunk, offInChunk) to a document-global text offset.
func (sd *segDoc) globalOffset(chunk *textChunk, offInChunk int) int {
	return sd.seg.Start + chunk.segStart + offInChunk
}

func findElement(root *html.Node, tag string) *html.Node {
	if root.Type == html.ElementNode && root.Data == tag {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func inSubtree(n, root *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == root {
			return true
		}
	}
	return false
}

// anchorID returns the id of the element itself or its nearest ancestor with
// an id, stopping below body. Empty when no ancestor carries one.
func (sd *segDoc) anchorID(e *html.Node) (string, *html.Node) {
	for ; e != nil && e != sd.body.Parent; e = e.Parent {
		if e.Type == html.ElementNode {
			if id := nodeAttr(e, "id"); id != "" {
				return id, e
			}
		}
	}
	return "", nil
}

// sameTagIndex returns the 1-based position of e among its same-tag element
// siblings.
func sameTagIndex(e *html.Node) int {
	idx := 1
	for s := e.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == e.Data {
			idx++
		}
	}
	return idx
}

// elementIndex returns the 1-based position of e among all element siblings.
func elementIndex(e *html.Node) int {
	idx := 1
	for s := e.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			idx++
		}
	}
	return idx
}

// elementPath returns the element chain from (but excluding) top down to e.
func elementPath(top, e *html.Node) []*html.Node {
	var path []*html.Node
	for n := e; n != nil && n != top; n = n.Parent {
		if n.Type == html.ElementNode {
			path = append(path, n)
		}
	}
	// reverse into top-down order
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
