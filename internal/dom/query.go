package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Selector is a deliberately small matcher covering the shapes the client's
// driving API needs: #id, .class, tag, [attr], [attr=value], and compounds
// like tag.class or tag[attr=value]. Not a CSS engine.
type Selector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
	attrSet bool
}

// CompileSelector parses a simple selector string.
func CompileSelector(s string) (*Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("dom: empty selector")
	}
	sel := &Selector{}
	rest := s

	if i := strings.IndexByte(rest, '['); i >= 0 {
		end := strings.IndexByte(rest, ']')
		if end < i {
			return nil, fmt.Errorf("dom: unterminated attribute selector %q", s)
		}
		attr := rest[i+1 : end]
		rest = rest[:i] + rest[end+1:]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			sel.attrKey = attr[:eq]
			sel.attrVal = strings.Trim(attr[eq+1:], `"'`)
			sel.attrSet = true
		} else {
			sel.attrKey = attr
		}
	}
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		tail := rest[i+1:]
		if j := strings.IndexByte(tail, '.'); j >= 0 {
			sel.id = tail[:j]
			sel.class = tail[j+1:]
		} else {
			sel.id = tail
		}
		rest = rest[:i]
	} else if i := strings.IndexByte(rest, '.'); i >= 0 {
		sel.class = rest[i+1:]
		rest = rest[:i]
	}
	sel.tag = strings.ToLower(strings.TrimSpace(rest))

	if sel.tag == "" && sel.id == "" && sel.class == "" && sel.attrKey == "" {
		return nil, fmt.Errorf("dom: unsupported selector %q", s)
	}
	return sel, nil
}

// Matches tests one element against the selector.
func (s *Selector) Matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && AttrValue(n, "id") != s.id {
		return false
	}
	if s.class != "" && !HasClass(n, s.class) {
		return false
	}
	if s.attrKey != "" {
		if !HasAttr(n, s.attrKey) {
			return false
		}
		if s.attrSet && AttrValue(n, s.attrKey) != s.attrVal {
			return false
		}
	}
	return true
}

// Query returns the first element under root matching the selector string.
func Query(root *html.Node, selector string) (*html.Node, error) {
	sel, err := CompileSelector(selector)
	if err != nil {
		return nil, err
	}
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if sel.Matches(n) {
			found = n
			return false
		}
		return true
	})
	return found, nil
}

// QueryAll returns every element under root matching the selector string,
// in document order.
func QueryAll(root *html.Node, selector string) ([]*html.Node, error) {
	sel, err := CompileSelector(selector)
	if err != nil {
		return nil, err
	}
	var found []*html.Node
	Walk(root, func(n *html.Node) bool {
		if sel.Matches(n) {
			found = append(found, n)
		}
		return true
	})
	return found, nil
}

// Closest walks from n up through its ancestors until the selector matches.
func Closest(n *html.Node, selector string) (*html.Node, error) {
	sel, err := CompileSelector(selector)
	if err != nil {
		return nil, err
	}
	for cur := n; cur != nil; cur = cur.Parent {
		if sel.Matches(cur) {
			return cur, nil
		}
	}
	return nil, nil
}
