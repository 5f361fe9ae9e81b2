// Package morph reconciles freshly linearized markup onto a live container
// node with minimal mutation. The walk is a pure function of the old tree,
// the new tree and the strategy options; every mutation is reported in a
// ChangeSet so hook dispatch and view discovery can run downstream.
package morph

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/livefir/liveclient/internal/dom"
)

// Client-controlled update modes.
const (
	ModeReplace = "replace"
	ModeIgnore  = "ignore"
	ModeAppend  = "append"
	ModePrepend = "prepend"
)

// Options is the strategy table for one patch pass: the attribute names of
// the markup contract plus the document whose focus state must survive.
type Options struct {
	// ViewAttr marks an element as a nested view placeholder.
	ViewAttr string
	// SessionAttr carries a view's session token.
	SessionAttr string
	// StaticAttr carries a view's static token, retained from the old
	// element when a placeholder is refreshed in place.
	StaticAttr string
	// UpdateAttr selects the client-controlled update mode.
	UpdateAttr string

	// KeepClasses are client-owned state classes retained on a nested view
	// placeholder when its attributes refresh; the server markup does not
	// carry them.
	KeepClasses []string

	// Doc supplies the active element and selection range. Optional; a nil
	// Doc patches without focus preservation.
	Doc *dom.Document
}

// SessionChange records a nested view placeholder whose session token
// changed during the walk: the old view must leave and a fresh one join.
type SessionChange struct {
	ViewID string
}

// ChangeSet collects the nodes a patch pass touched.
type ChangeSet struct {
	Added     []*html.Node
	Updated   []*html.Node
	Discarded []*html.Node

	SessionChanges []SessionChange
}

// IsEmpty reports a patch pass that changed nothing.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Discarded) == 0 &&
		len(c.SessionChanges) == 0
}

// String provides a readable representation for trace logging.
func (c *ChangeSet) String() string {
	return fmt.Sprintf("ChangeSet{added: %d, updated: %d, discarded: %d, session changes: %d}",
		len(c.Added), len(c.Updated), len(c.Discarded), len(c.SessionChanges))
}

// Patch reconciles markup into container's children. The container element
// itself is never replaced. The markup is parsed in the container's own tag
// context so structural diffing operates on matching root shape.
func Patch(container *html.Node, markup string, opts Options) (*ChangeSet, error) {
	newChildren, err := dom.ParseFragmentIn(container, markup)
	if err != nil {
		return nil, err
	}

	var active *html.Node
	selStart, selEnd := -1, -1
	if opts.Doc != nil {
		active = opts.Doc.ActiveElement()
		selStart, selEnd = opts.Doc.Selection()
	}

	w := &walker{opts: opts, active: active, changes: &ChangeSet{}}
	if _, err := w.patchChildren(container, newChildren); err != nil {
		return nil, err
	}

	// Restore the selection range on the surviving focused element. The
	// element identity is preserved by the focused-input rule, so only the
	// caret needs clamping against the (possibly merged) value length.
	if opts.Doc != nil && active != nil && opts.Doc.ActiveElement() == active {
		if dom.IsTextualInput(active) {
			limit := len(dom.InputValue(active))
			opts.Doc.SetSelection(clamp(selStart, limit), clamp(selEnd, limit))
		}
	}

	return w.changes, nil
}

func clamp(v, limit int) int {
	if v < 0 || v > limit {
		return limit
	}
	return v
}

type walker struct {
	opts    Options
	active  *html.Node
	changes *ChangeSet
}

// patchChildren aligns the children of oldParent against newChildren by
// index, skipping whitespace-only text nodes on both sides for cleaner
// matching, and handles added/discarded tails.
func (w *walker) patchChildren(oldParent *html.Node, newChildren []*html.Node) (bool, error) {
	oldKids := significantChildren(oldParent)
	newKids := make([]*html.Node, 0, len(newChildren))
	for _, c := range newChildren {
		if isInsignificant(c) {
			continue
		}
		newKids = append(newKids, c)
	}

	changed := false
	maxLen := len(oldKids)
	if len(newKids) > maxLen {
		maxLen = len(newKids)
	}

	for i := 0; i < maxLen; i++ {
		switch {
		case i < len(oldKids) && i < len(newKids):
			c, err := w.patchNode(oldParent, oldKids[i], newKids[i])
			if err != nil {
				return changed, err
			}
			changed = changed || c
		case i < len(oldKids):
			oldParent.RemoveChild(oldKids[i])
			w.reportDiscarded(oldKids[i])
			changed = true
		default:
			oldParent.AppendChild(newKids[i])
			w.reportAdded(newKids[i])
			changed = true
		}
	}
	return changed, nil
}

// patchNode applies the reconciliation rules to one aligned old/new pair,
// in priority order, and reports whether anything changed.
func (w *walker) patchNode(parent, oldNode, newNode *html.Node) (bool, error) {
	// Structurally identical subtrees are skipped outright.
	if dom.OuterHTML(oldNode) == dom.OuterHTML(newNode) {
		return false, nil
	}

	sameElement := oldNode.Type == html.ElementNode && newNode.Type == html.ElementNode &&
		oldNode.DataAtom == newNode.DataAtom && oldNode.Data == newNode.Data

	if sameElement {
		// Client-controlled containers keep their own content.
		if mode := dom.AttrValue(oldNode, w.opts.UpdateAttr); mode != "" && mode != ModeReplace {
			switch mode {
			case ModeIgnore:
				copyAttrs(oldNode, newNode, nil, false)
				return false, nil
			case ModeAppend, ModePrepend:
				copyAttrs(oldNode, newNode, nil, false)
				w.concatChildren(oldNode, newNode, mode == ModePrepend)
				w.changes.Updated = append(w.changes.Updated, oldNode)
				return true, nil
			default:
				return false, fmt.Errorf("morph: unsupported update mode %q", mode)
			}
		}

		// File selection state is browser-owned and non-scriptable; a file
		// input is never replaced.
		if dom.IsFileInput(oldNode) && dom.IsFileInput(newNode) {
			return false, nil
		}

		// A nested view placeholder resolves its own content over its own
		// channel; only the session identity decides its fate here.
		if w.opts.ViewAttr != "" && dom.HasAttr(newNode, w.opts.ViewAttr) && dom.HasAttr(oldNode, w.opts.ViewAttr) {
			oldSession := dom.AttrValue(oldNode, w.opts.SessionAttr)
			newSession := dom.AttrValue(newNode, w.opts.SessionAttr)
			if oldSession != newSession {
				w.changes.SessionChanges = append(w.changes.SessionChanges, SessionChange{
					ViewID: dom.AttrValue(newNode, "id"),
				})
				w.replace(parent, oldNode, newNode)
				return true, nil
			}
			staticToken := dom.AttrValue(oldNode, w.opts.StaticAttr)
			var kept []string
			for _, cls := range w.opts.KeepClasses {
				if dom.HasClass(oldNode, cls) {
					kept = append(kept, cls)
				}
			}
			changed := copyAttrs(oldNode, newNode, nil, false)
			if staticToken != "" {
				dom.SetAttr(oldNode, w.opts.StaticAttr, staticToken)
			}
			for _, cls := range kept {
				dom.AddClass(oldNode, cls)
			}
			return changed, nil
		}

		// The focused field's live value belongs to the user, never to the
		// server. Merge attributes around it and keep the element itself.
		if oldNode == w.active && dom.IsTextualInput(oldNode) {
			copyAttrs(oldNode, newNode, map[string]bool{"value": true}, true)
			w.changes.Updated = append(w.changes.Updated, oldNode)
			return true, nil
		}

		attrsChanged := copyAttrs(oldNode, newNode, nil, false)
		childrenChanged, err := w.patchChildren(oldNode, detachChildren(newNode))
		if err != nil {
			return false, err
		}
		if attrsChanged || childrenChanged {
			w.changes.Updated = append(w.changes.Updated, oldNode)
			return true, nil
		}
		return false, nil
	}

	if oldNode.Type == html.TextNode && newNode.Type == html.TextNode {
		if oldNode.Data == newNode.Data {
			return false, nil
		}
		oldNode.Data = newNode.Data
		return true, nil
	}

	// Different node types or tag names: replace wholesale.
	w.replace(parent, oldNode, newNode)
	return true, nil
}

// concatChildren moves newNode's significant children into oldNode, after
// the existing content for append mode or before it for prepend.
func (w *walker) concatChildren(oldNode, newNode *html.Node, prepend bool) {
	first := oldNode.FirstChild
	for _, c := range detachChildren(newNode) {
		if isInsignificant(c) {
			continue
		}
		if prepend && first != nil {
			oldNode.InsertBefore(c, first)
		} else {
			oldNode.AppendChild(c)
		}
		w.reportAdded(c)
	}
}

func (w *walker) replace(parent, oldNode, newNode *html.Node) {
	parent.InsertBefore(newNode, oldNode)
	parent.RemoveChild(oldNode)
	w.reportDiscarded(oldNode)
	w.reportAdded(newNode)
}

func (w *walker) reportDiscarded(n *html.Node) {
	if n.Type == html.ElementNode {
		w.changes.Discarded = append(w.changes.Discarded, n)
	}
}

func (w *walker) reportAdded(n *html.Node) {
	if n.Type == html.ElementNode {
		w.changes.Added = append(w.changes.Added, n)
	}
}

// copyAttrs diffs newNode's attributes onto oldNode. Keys in skip are left
// untouched in both directions; keepOld additionally preserves old-only
// attributes instead of removing them (the focused-input merge).
func copyAttrs(oldNode, newNode *html.Node, skip map[string]bool, keepOld bool) bool {
	changed := false

	newAttrs := make(map[string]string, len(newNode.Attr))
	for _, a := range newNode.Attr {
		newAttrs[a.Key] = a.Val
	}

	if !keepOld {
		kept := oldNode.Attr[:0]
		for _, a := range oldNode.Attr {
			if skip[a.Key] {
				kept = append(kept, a)
				continue
			}
			if _, exists := newAttrs[a.Key]; exists {
				kept = append(kept, a)
			} else {
				changed = true
			}
		}
		oldNode.Attr = kept
	}

	for _, a := range newNode.Attr {
		if skip[a.Key] {
			continue
		}
		if !dom.HasAttr(oldNode, a.Key) || dom.AttrValue(oldNode, a.Key) != a.Val {
			dom.SetAttr(oldNode, a.Key, a.Val)
			changed = true
		}
	}
	return changed
}

// significantChildren collects element and non-blank text children.
func significantChildren(n *html.Node) []*html.Node {
	var kids []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isInsignificant(c) {
			continue
		}
		kids = append(kids, c)
	}
	return kids
}

func isInsignificant(n *html.Node) bool {
	return n.Type == html.TextNode && strings.TrimSpace(n.Data) == ""
}

// detachChildren removes and returns n's children so they can be
// re-parented into the live tree.
func detachChildren(n *html.Node) []*html.Node {
	var kids []*html.Node
	for n.FirstChild != nil {
		c := n.FirstChild
		n.RemoveChild(c)
		kids = append(kids, c)
	}
	return kids
}
