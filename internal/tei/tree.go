package tei

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/helixir/doicache/internal/domain"
)

// Namespace is the TEI XML namespace GROBID emits.
const Namespace = "http://www.tei-c.org/ns/1.0"

// element is a minimal DOM node. Text is the character data before the
// first child; Tail is the character data after the closing tag, up to the
// next sibling.
type element struct {
	name     string
	attrs    map[string]string
	text     string
	tail     string
	children []*element
}

// parseTree decodes data into an element tree rooted at the document element.
func parseTree(data []byte) (*element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true

	var root *element
	var stack []*element

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.NewMalformedRecordError("tei", fmt.Errorf("parsing XML: %w", err))
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &element{name: t.Name.Local, attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				el.attrs[a.Name.Local] = a.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, domain.NewMalformedRecordError("tei", errors.New("multiple root elements"))
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			cur := stack[len(stack)-1]
			if n := len(cur.children); n > 0 {
				cur.children[n-1].tail += string(t)
			} else {
				cur.text += string(t)
			}
		}
	}

	if root == nil {
		return nil, domain.NewMalformedRecordError("tei", errors.New("document has no root element"))
	}
	return root, nil
}

// match is an element predicate.
type match func(*element) bool

func named(name string) match {
	return func(e *element) bool { return e.name == name }
}

func namedWith(name, attr, value string) match {
	return func(e *element) bool { return e.name == name && e.attrs[attr] == value }
}

func namedHaving(name, attr string) match {
	return func(e *element) bool {
		if e.name != name {
			return false
		}
		_, ok := e.attrs[attr]
		return ok
	}
}

// child returns the first direct child matching m.
func (e *element) child(m match) *element {
	for _, c := range e.children {
		if m(c) {
			return c
		}
	}
	return nil
}

// childrenMatching returns every direct child matching m.
func (e *element) childrenMatching(m match) []*element {
	var out []*element
	for _, c := range e.children {
		if m(c) {
			out = append(out, c)
		}
	}
	return out
}

// descendants returns every element below e matching m, in document order.
func (e *element) descendants(m match) []*element {
	var out []*element
	var walk func(*element)
	walk = func(n *element) {
		for _, c := range n.children {
			if m(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(e)
	return out
}

// find returns the first descendant matching m.
func (e *element) find(m match) *element {
	for _, c := range e.children {
		if m(c) {
			return c
		}
		if found := c.find(m); found != nil {
			return found
		}
	}
	return nil
}

// path follows steps from e: each step selects the descendants of the
// previous selection (the first step) or their direct children (later steps).
// It returns the first element reached.
func (e *element) path(first match, rest ...match) *element {
	all := e.pathAll(first, rest...)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func (e *element) pathAll(first match, rest ...match) []*element {
	current := e.descendants(first)
	for _, step := range rest {
		var next []*element
		for _, c := range current {
			next = append(next, c.childrenMatching(step)...)
		}
		current = next
	}
	return current
}

// content returns all character data inside e, excluding its own tail.
func (e *element) content() string {
	var b strings.Builder
	b.WriteString(e.text)
	for _, c := range e.children {
		b.WriteString(c.content())
		b.WriteString(c.tail)
	}
	return b.String()
}

// textOf returns the direct text of e, or "" for a nil element.
func textOf(e *element) string {
	if e == nil {
		return ""
	}
	return e.text
}
