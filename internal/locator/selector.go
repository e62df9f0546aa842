package locator

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/bookmarkd/bookmarkd/internal/content"
)

// Readium-style consumers address positions as an href plus a CSS selector:
// "#id" when an id anchor exists, otherwise a child chain such as
// "body > div:nth-of-type(2) > p:nth-of-type(3)".

// generateSelector encodes a block node as a CSS selector within its segment.
func generateSelector(sd *segDoc, block *html.Node) string {
	if id, _ := sd.anchorID(block); id != "" {
		return "#" + id
	}
	parts := []string{"body"}
	for _, e := range elementPath(sd.body, block) {
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", e.Data, sameTagIndex(e)))
	}
	return strings.Join(parts, " > ")
}

// ResolveHref maps an href plus optional fragment id to a global offset.
// Without a fragment the position is the segment's first character.
func ResolveHref(m *content.Model, href, fragmentID string) (int, error) {
	seg, ok := m.SegmentByHref(href)
	if !ok {
		return 0, fmt.Errorf("%w: no segment for href %q", ErrUnresolved, href)
	}
	if fragmentID == "" {
		return seg.Start, nil
	}
	sd, err := parseSegment(seg)
	if err != nil {
		return 0, err
	}
	node, err := sd.findByID(fragmentID)
	if err != nil {
		return 0, err
	}
	chunk, offInChunk, err := sd.chunkAtBlockOffset(node, 0)
	if err != nil {
		return 0, err
	}
	return sd.globalOffset(chunk, offInChunk), nil
}

// ResolveSelector maps an href plus CSS selector to a global offset.
// A plain tag part matching several siblings is ambiguous and rejected.
func ResolveSelector(m *content.Model, href, selector string) (int, error) {
	seg, ok := m.SegmentByHref(href)
	if !ok {
		return 0, fmt.Errorf("%w: no segment for href %q", ErrUnresolved, href)
	}
	sd, err := parseSegment(seg)
	if err != nil {
		return 0, err
	}

	var node *html.Node
	if id, found := strings.CutPrefix(selector, "#"); found {
		node, err = sd.findByID(id)
		if err != nil {
			return 0, err
		}
	} else {
		node, err = walkSelector(sd, selector)
		if err != nil {
			return 0, err
		}
	}

	chunk, offInChunk, err := sd.chunkAtBlockOffset(node, 0)
	if err != nil {
		return 0, err
	}
	return sd.globalOffset(chunk, offInChunk), nil
}

func walkSelector(sd *segDoc, selector string) (*html.Node, error) {
	cur := sd.body
	for i, part := range strings.Split(selector, ">") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty selector part in %q", ErrUnresolved, selector)
		}
		if i == 0 && part == "body" {
			continue
		}
		tag, idx, explicit, err := parseSelectorPart(part)
		if err != nil {
			return nil, err
		}
		cur, err = childByTag(cur, tag, idx, explicit)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func parseSelectorPart(part string) (tag string, idx int, explicit bool, err error) {
	tag, suffix, found := strings.Cut(part, ":nth-of-type(")
	if !found {
		return part, 1, false, nil
	}
	suffix, ok := strings.CutSuffix(suffix, ")")
	if !ok {
		return "", 0, false, fmt.Errorf("%w: malformed selector part %q", ErrUnresolved, part)
	}
	idx, err = strconv.Atoi(suffix)
	if err != nil || idx < 1 {
		return "", 0, false, fmt.Errorf("%w: selector index in %q", ErrUnresolved, part)
	}
	return tag, idx, true, nil
}
