package locator

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/bookmarkd/bookmarkd/internal/content"
)

// Structural XPaths use the e-reader device convention:
//
//	/body/DocFragment[5]/body/p[3]/text().12
//
// DocFragment's index is the 1-based spine position; inner steps carry
// same-tag sibling indices; the trailing offset counts characters of node
// text walked in document order with whitespace trimmed per chunk. When an
// id-carrying ancestor exists the positional prefix is replaced with an id
// anchor:
//
//	/body/DocFragment[5]//*[@id="chap3"]/p[2]/text().12

const docFragmentPrefix = "/body/DocFragment["

// generateXPath encodes the position (block, blockOff) inside a segment.
func generateXPath(sd *segDoc, block *html.Node, blockOff int) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%d]", docFragmentPrefix, sd.seg.Index)

	id, idNode := sd.anchorID(block)
	var top *html.Node
	if id != "" {
		fmt.Fprintf(&sb, `//*[@id=%q]`, id)
		top = idNode
	} else {
		sb.WriteString("/body")
		top = sd.body
	}
	for _, e := range elementPath(top, block) {
		fmt.Fprintf(&sb, "/%s[%d]", e.Data, sameTagIndex(e))
	}
	fmt.Fprintf(&sb, "/text().%d", blockOff)

	path := sb.String()
	if err := ValidateXPath(path); err != nil {
		return "", err
	}
	return path, nil
}

// ValidateXPath rejects paths companion e-reader software cannot consume:
// the bare document root and anything ending in a path separator.
func ValidateXPath(path string) error {
	if path == "" || path == "/" || path == "/body" {
		return fmt.Errorf("%w: xpath %q is a bare document root", ErrUnresolved, path)
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: xpath %q has a trailing separator", ErrUnresolved, path)
	}
	if !strings.HasPrefix(path, docFragmentPrefix) {
		return fmt.Errorf("%w: xpath %q lacks a DocFragment prefix", ErrUnresolved, path)
	}
	return nil
}

// ResolveXPath maps a structural XPath back to a global character offset.
// Paths whose non-indexed steps match more than one structurally identical
// node return ErrAmbiguous rather than guessing.
func ResolveXPath(m *content.Model, xpath string) (int, error) {
	if err := ValidateXPath(xpath); err != nil {
		return 0, err
	}

	rest := strings.TrimPrefix(xpath, docFragmentPrefix)
	bracket := strings.IndexByte(rest, ']')
	if bracket < 0 {
		return 0, fmt.Errorf("%w: malformed DocFragment index in %q", ErrUnresolved, xpath)
	}
	segIndex, err := strconv.Atoi(rest[:bracket])
	if err != nil {
		return 0, fmt.Errorf("%w: DocFragment index in %q: %v", ErrUnresolved, xpath, err)
	}
	rest = rest[bracket+1:]

	seg, ok := m.SegmentByIndex(segIndex)
	if !ok {
		return 0, fmt.Errorf("%w: no spine segment %d", ErrUnresolved, segIndex)
	}
	sd, err := parseSegment(seg)
	if err != nil {
		return 0, err
	}

	// Split off the trailing text offset.
	blockOff := 0
	if i := strings.LastIndex(rest, "/text()."); i >= 0 {
		blockOff, err = strconv.Atoi(rest[i+len("/text()."):])
		if err != nil {
			return 0, fmt.Errorf("%w: text offset in %q: %v", ErrUnresolved, xpath, err)
		}
		rest = rest[:i]
	}

	block, err := walkSteps(sd, rest)
	if err != nil {
		return 0, err
	}

	chunk, offInChunk, err := sd.chunkAtBlockOffset(block, blockOff)
	if err != nil {
		return 0, err
	}
	return sd.globalOffset(chunk, offInChunk), nil
}

// walkSteps resolves the step portion of an XPath (after the DocFragment
// index, before the text offset) to an element node.
func walkSteps(sd *segDoc, rest string) (*html.Node, error) {
	cur := sd.body
	for _, step := range strings.Split(rest, "/") {
		if step == "" {
			continue
		}
		switch {
		case strings.HasPrefix(step, `*[@id=`):
			id, err := parseIDStep(step)
			if err != nil {
				return nil, err
			}
			node, err := sd.findByID(id)
			if err != nil {
				return nil, err
			}
			cur = node
		case step == "body":
			cur = sd.body
		default:
			tag, idx, explicit, err := parseTagStep(step)
			if err != nil {
				return nil, err
			}
			next, err := childByTag(cur, tag, idx, explicit)
			if err != nil {
				return nil, err
			}
			cur = next
		}
	}
	return cur, nil
}

func parseIDStep(step string) (string, error) {
	// *[@id="value"]
	start := strings.Index(step, `"`)
	end := strings.LastIndex(step, `"`)
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: malformed id step %q", ErrUnresolved, step)
	}
	return step[start+1 : end], nil
}

func parseTagStep(step string) (tag string, idx int, explicit bool, err error) {
	if open := strings.IndexByte(step, '['); open >= 0 {
		if !strings.HasSuffix(step, "]") {
			return "", 0, false, fmt.Errorf("%w: malformed step %q", ErrUnresolved, step)
		}
		idx, err = strconv.Atoi(step[open+1 : len(step)-1])
		if err != nil || idx < 1 {
			return "", 0, false, fmt.Errorf("%w: step index in %q", ErrUnresolved, step)
		}
		return step[:open], idx, true, nil
	}
	return step, 1, false, nil
}

// childByTag finds the idx-th same-tag element child. A step without an
// explicit index matching multiple children is ambiguous and rejected
// rather than guessed at.
func childByTag(parent *html.Node, tag string, idx int, explicit bool) (*html.Node, error) {
	var matches []*html.Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no %s child", ErrUnresolved, tag)
	}
	if !explicit && len(matches) > 1 {
		return nil, fmt.Errorf("%w: %d structurally identical %s candidates", ErrAmbiguous, len(matches), tag)
	}
	if idx > len(matches) {
		return nil, fmt.Errorf("%w: %s[%d] out of range (%d present)", ErrUnresolved, tag, idx, len(matches))
	}
	return matches[idx-1], nil
}
