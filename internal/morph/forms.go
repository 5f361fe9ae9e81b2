package morph

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livefir/liveclient/internal/dom"
)

// Recovery attributes written by DisableForm so RestoreForm can reverse it
// verbatim, surviving any reconciliation that happens in between.
const (
	ReadonlyRestoreAttr    = "data-lvt-readonly-restore"
	DisabledRestoreAttr    = "data-lvt-disabled-restore"
	DisableWithRestoreAttr = "data-lvt-disable-with-restore"
)

// FormOptions names the configurable parts of the submit contract.
type FormOptions struct {
	// DisableWithAttr carries the busy label shown while submitting.
	DisableWithAttr string
	// LoadingClass is applied to the form for the duration of the submit.
	LoadingClass string
}

// DisableForm snapshots every control's editable state under recovery
// attributes, forces inputs read-only and submit controls disabled, and
// swaps busy labels in. Safe to call on an already disabled form.
func DisableForm(form *html.Node, opts FormOptions) {
	if opts.LoadingClass != "" {
		dom.AddClass(form, opts.LoadingClass)
	}
	dom.Walk(form, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if opts.DisableWithAttr != "" && dom.HasAttr(n, opts.DisableWithAttr) {
			swapBusyLabel(n, dom.AttrValue(n, opts.DisableWithAttr))
		}
		switch {
		case isEditableControl(n):
			if !dom.HasAttr(n, ReadonlyRestoreAttr) {
				dom.SetAttr(n, ReadonlyRestoreAttr, boolAttr(dom.HasAttr(n, "readonly")))
			}
			dom.SetAttr(n, "readonly", "readonly")
		case isSubmitControl(n):
			if !dom.HasAttr(n, DisabledRestoreAttr) {
				dom.SetAttr(n, DisabledRestoreAttr, boolAttr(dom.HasAttr(n, "disabled")))
			}
			dom.SetAttr(n, "disabled", "disabled")
		}
		return true
	})
}

// RestoreForm reverses DisableForm from the recovery attributes. A form
// that was never disabled restores as a no-op.
func RestoreForm(form *html.Node, opts FormOptions) {
	if opts.LoadingClass != "" {
		dom.RemoveClass(form, opts.LoadingClass)
	}
	dom.Walk(form, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if dom.HasAttr(n, DisableWithRestoreAttr) {
			restoreBusyLabel(n)
		}
		if dom.HasAttr(n, ReadonlyRestoreAttr) {
			if dom.AttrValue(n, ReadonlyRestoreAttr) == "false" {
				dom.RemoveAttr(n, "readonly")
			}
			dom.RemoveAttr(n, ReadonlyRestoreAttr)
		}
		if dom.HasAttr(n, DisabledRestoreAttr) {
			if dom.AttrValue(n, DisabledRestoreAttr) == "false" {
				dom.RemoveAttr(n, "disabled")
			}
			dom.RemoveAttr(n, DisabledRestoreAttr)
		}
		return true
	})
}

// swapBusyLabel shows the busy label: the value attribute for submit
// inputs, the text content for buttons. The original is parked in the
// restore attribute.
func swapBusyLabel(n *html.Node, label string) {
	if dom.HasAttr(n, DisableWithRestoreAttr) {
		return
	}
	if n.DataAtom == atom.Input {
		dom.SetAttr(n, DisableWithRestoreAttr, dom.AttrValue(n, "value"))
		dom.SetAttr(n, "value", label)
		return
	}
	dom.SetAttr(n, DisableWithRestoreAttr, dom.Text(n))
	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: label})
}

func restoreBusyLabel(n *html.Node) {
	original := dom.AttrValue(n, DisableWithRestoreAttr)
	if n.DataAtom == atom.Input {
		dom.SetAttr(n, "value", original)
	} else {
		for n.FirstChild != nil {
			n.RemoveChild(n.FirstChild)
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: original})
	}
	dom.RemoveAttr(n, DisableWithRestoreAttr)
}

// isEditableControl covers the fields forced read-only during a submit.
func isEditableControl(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Textarea, atom.Select:
		return true
	case atom.Input:
		typ := strings.ToLower(dom.AttrValue(n, "type"))
		return typ != "submit" && typ != "button" && typ != "reset"
	}
	return false
}

// isSubmitControl covers the controls disabled during a submit.
func isSubmitControl(n *html.Node) bool {
	if n.DataAtom == atom.Button {
		return true
	}
	if n.DataAtom == atom.Input {
		typ := strings.ToLower(dom.AttrValue(n, "type"))
		return typ == "submit" || typ == "button" || typ == "reset"
	}
	return false
}

func boolAttr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
