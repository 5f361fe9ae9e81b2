// Package dom wraps golang.org/x/net/html with the document-level primitives
// the client needs: parsing, serialization, attribute and class edits, and
// focus/selection bookkeeping for a headless document.
package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document is one parsed HTML page plus the transient state a browser would
// keep outside the tree: the focused element and its selection range.
type Document struct {
	root *html.Node

	active   *html.Node
	selStart int
	selEnd   int
}

// Parse builds a Document from a full HTML page.
func Parse(markup string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("dom: parse document: %w", err)
	}
	return &Document{root: root, selStart: -1, selEnd: -1}, nil
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the document's body element, or nil for a body-less parse.
func (d *Document) Body() *html.Node {
	var body *html.Node
	Walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
			return false
		}
		return true
	})
	return body
}

// ElementByID walks the tree for the element with the given id attribute.
func (d *Document) ElementByID(id string) *html.Node {
	var found *html.Node
	Walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && AttrValue(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Contains reports whether target is still attached under the document root.
func (d *Document) Contains(target *html.Node) bool {
	for n := target; n != nil; n = n.Parent {
		if n == d.root {
			return true
		}
	}
	return false
}

// SetFocus marks n as the active element and resets the selection range to
// the end of its current value, the way a browser focuses a field.
func (d *Document) SetFocus(n *html.Node) {
	d.active = n
	if n != nil && IsTextualInput(n) {
		end := len(InputValue(n))
		d.selStart, d.selEnd = end, end
	} else {
		d.selStart, d.selEnd = -1, -1
	}
}

// Blur clears the active element.
func (d *Document) Blur() {
	d.active = nil
	d.selStart, d.selEnd = -1, -1
}

// ActiveElement returns the currently focused element, dropping the
// reference if reconciliation has since detached it.
func (d *Document) ActiveElement() *html.Node {
	if d.active != nil && !d.Contains(d.active) {
		d.active = nil
	}
	return d.active
}

// SetSelection records the caret range on the focused element.
func (d *Document) SetSelection(start, end int) {
	d.selStart, d.selEnd = start, end
}

// Selection returns the recorded caret range.
func (d *Document) Selection() (start, end int) {
	return d.selStart, d.selEnd
}

// ParseFragmentIn parses markup as if it appeared inside container, so
// context-sensitive content (table rows, list items, options) keeps its
// shape instead of being hoisted the way a bare parse would.
func ParseFragmentIn(container *html.Node, markup string) ([]*html.Node, error) {
	context := &html.Node{
		Type:     html.ElementNode,
		Data:     container.Data,
		DataAtom: container.DataAtom,
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), context)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	return nodes, nil
}

// OuterHTML serializes a node including its own tag.
func OuterHTML(n *html.Node) string {
	var b strings.Builder
	_ = html.Render(&b, n)
	return b.String()
}

// InnerHTML serializes a node's children.
func InnerHTML(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&b, c)
	}
	return b.String()
}

// Text collects the concatenated text content below n.
func Text(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// AttrValue returns the attribute value, or "" when absent.
func AttrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports attribute presence regardless of value.
func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// SetAttr sets or replaces an attribute value in place.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes an attribute if present.
func RemoveAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// AddClass appends a class token unless already present.
func AddClass(n *html.Node, class string) {
	existing := strings.Fields(AttrValue(n, "class"))
	for _, c := range existing {
		if c == class {
			return
		}
	}
	existing = append(existing, class)
	SetAttr(n, "class", strings.Join(existing, " "))
}

// RemoveClass drops a class token, removing the attribute when empty.
func RemoveClass(n *html.Node, class string) {
	existing := strings.Fields(AttrValue(n, "class"))
	kept := existing[:0]
	for _, c := range existing {
		if c != class {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(kept, " "))
}

// HasClass reports whether the class token is present.
func HasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(AttrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// InputValue reads the user-visible value of a form element: the value
// attribute for inputs, the text content for textareas, the selected
// option's value for selects.
func InputValue(n *html.Node) string {
	switch n.DataAtom {
	case atom.Textarea:
		return Text(n)
	case atom.Select:
		var selected, first string
		hasFirst := false
		Walk(n, func(c *html.Node) bool {
			if c.Type == html.ElementNode && c.DataAtom == atom.Option {
				val := AttrValue(c, "value")
				if val == "" {
					val = strings.TrimSpace(Text(c))
				}
				if !hasFirst {
					first, hasFirst = val, true
				}
				if HasAttr(c, "selected") {
					selected = val
					return false
				}
			}
			return true
		})
		if selected != "" {
			return selected
		}
		return first
	default:
		return AttrValue(n, "value")
	}
}

// SetInputValue writes the user-visible value back: text content for
// textareas, selected flags for selects, the value attribute otherwise.
func SetInputValue(n *html.Node, value string) {
	switch n.DataAtom {
	case atom.Textarea:
		for n.FirstChild != nil {
			n.RemoveChild(n.FirstChild)
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	case atom.Select:
		Walk(n, func(c *html.Node) bool {
			if c.Type == html.ElementNode && c.DataAtom == atom.Option {
				val := AttrValue(c, "value")
				if val == "" {
					val = strings.TrimSpace(Text(c))
				}
				if val == value {
					SetAttr(c, "selected", "selected")
				} else {
					RemoveAttr(c, "selected")
				}
			}
			return true
		})
	default:
		SetAttr(n, "value", value)
	}
}

// textualInputTypes are the input types whose live value the user owns
// while focused.
var textualInputTypes = map[string]bool{
	"text": true, "textarea": true, "number": true, "email": true,
	"password": true, "search": true, "tel": true, "url": true,
}

// IsTextualInput reports whether n holds free-typed text the client must
// never overwrite while the element has focus.
func IsTextualInput(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if n.DataAtom == atom.Textarea {
		return true
	}
	if n.DataAtom != atom.Input {
		return false
	}
	typ := strings.ToLower(AttrValue(n, "type"))
	if typ == "" {
		typ = "text"
	}
	return textualInputTypes[typ]
}

// IsFileInput reports an <input type="file">.
func IsFileInput(n *html.Node) bool {
	return n.Type == html.ElementNode && n.DataAtom == atom.Input &&
		strings.EqualFold(AttrValue(n, "type"), "file")
}

// Walk visits n and its descendants depth-first. Returning false from fn
// stops the walk.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	walk(n, fn)
}

func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}
