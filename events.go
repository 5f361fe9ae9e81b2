package liveclient

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/livefir/liveclient/internal/dom"
	"github.com/livefir/liveclient/internal/upload"
)

// Attributes of the server-rendered markup contract.
const (
	// ViewAttr marks a view root and names its server-side view.
	ViewAttr = "data-lvt-view"
	// ParentAttr carries the parent view id on nested view roots.
	ParentAttr = "data-lvt-parent"
	// SessionAttr carries the view's session token.
	SessionAttr = "data-lvt-session"
	// StaticAttr carries the static assets token.
	StaticAttr = "data-lvt-static"
	// UpdateAttr selects the client-controlled update mode for a
	// container: replace, ignore, append, or prepend.
	UpdateAttr = "data-lvt-update"
	// HookAttr names the hook to bind to an element.
	HookAttr = "data-lvt-hook"
	// HookIDAttr stamps the bound hook instance id onto the element.
	HookIDAttr = "data-lvt-hook-id"
	// DisableWithAttr holds the busy label shown while a form submits.
	DisableWithAttr = "data-lvt-disable-with"
	// ErrorForAttr links an error element to the field id it describes.
	ErrorForAttr = "data-lvt-error-for"
)

// CSS state classes on a view root, plus the loading class on a
// submitting form.
const (
	classConnected    = "lvt-connected"
	classDisconnected = "lvt-disconnected"
	classError        = "lvt-error"
	classLoading      = "lvt-loading"
)

// Event binding kinds, appended to the binding prefix: lvt-click,
// lvt-change, lvt-submit, lvt-keydown, lvt-keyup, lvt-focus, lvt-blur.
const (
	bindClick   = "click"
	bindChange  = "change"
	bindSubmit  = "submit"
	bindKeydown = "keydown"
	bindKeyup   = "keyup"
	bindFocus   = "focus"
	bindBlur    = "blur"
	bindTarget  = "target"
	bindValue   = "value-"
)

// eventPayload is the outgoing event push shape.
type eventPayload struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Value     any            `json:"value"`
	FileCount int            `json:"file_count,omitempty"`
	FileData  []upload.Entry `json:"file_data,omitempty"`
}

// binding returns the attribute name of an event binding kind.
func (s *Socket) binding(kind string) string {
	return s.cfg.BindingPrefix + kind
}

// bindingValue reads an event binding from el or its closest ancestor
// carrying it, returning the bound element and event name.
func bindingValue(el *html.Node, attr string) (*html.Node, string) {
	bound, err := dom.Closest(el, "["+attr+"]")
	if err != nil || bound == nil {
		return nil, ""
	}
	return bound, dom.AttrValue(bound, attr)
}

// collectValues gathers lvt-value-* attributes from el into the click
// payload value map.
func (s *Socket) collectValues(el *html.Node) map[string]string {
	prefix := s.binding(bindValue)
	values := make(map[string]string)
	for _, a := range el.Attr {
		if strings.HasPrefix(a.Key, prefix) {
			values[strings.TrimPrefix(a.Key, prefix)] = a.Val
		}
	}
	return values
}

// serializeForm encodes a form's control values as a urlencoded string,
// the value shape of form-type event pushes.
func serializeForm(form *html.Node) string {
	values := url.Values{}
	dom.Walk(form, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		name := dom.AttrValue(n, "name")
		if name == "" || dom.HasAttr(n, "disabled") {
			return true
		}
		switch n.Data {
		case "input":
			typ := strings.ToLower(dom.AttrValue(n, "type"))
			switch typ {
			case "file", "submit", "button", "reset", "image":
				return true
			case "checkbox", "radio":
				if !dom.HasAttr(n, "checked") {
					return true
				}
				val := dom.AttrValue(n, "value")
				if val == "" {
					val = "on"
				}
				values.Add(name, val)
			default:
				values.Add(name, dom.InputValue(n))
			}
		case "textarea", "select":
			values.Add(name, dom.InputValue(n))
		}
		return true
	})
	return values.Encode()
}

// Control describes one bound interactive element of the live document,
// addressable through the Socket driving API.
type Control struct {
	// Kind is the binding kind: click, change, submit, keydown, keyup,
	// focus, or blur.
	Kind string
	// Event is the bound server event name.
	Event string
	// Selector re-locates the element: the element id when it has one,
	// otherwise an attribute selector on the binding itself.
	Selector string
	Tag      string
	// Label is the element's collapsed text content, or its name
	// attribute for form controls.
	Label string
}

// Controls enumerates the bound interactive elements in document order,
// one entry per binding attribute carried.
func (s *Socket) Controls() []Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := []string{bindClick, bindChange, bindSubmit, bindKeydown, bindKeyup, bindFocus, bindBlur}
	var controls []Control
	dom.Walk(s.doc.Root(), func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		for _, kind := range kinds {
			attr := s.binding(kind)
			if !dom.HasAttr(n, attr) {
				continue
			}
			event := dom.AttrValue(n, attr)
			selector := "[" + attr + "=" + event + "]"
			if id := dom.AttrValue(n, "id"); id != "" {
				selector = "#" + id
			}
			controls = append(controls, Control{
				Kind:     kind,
				Event:    event,
				Selector: selector,
				Tag:      n.Data,
				Label:    controlLabel(n),
			})
		}
		return true
	})
	return controls
}

func controlLabel(n *html.Node) string {
	label := strings.Join(strings.Fields(dom.Text(n)), " ")
	if label == "" {
		label = dom.AttrValue(n, "name")
	}
	if label == "" {
		label = dom.AttrValue(n, "placeholder")
	}
	const max = 48
	if r := []rune(label); len(r) > max {
		label = string(r[:max-1]) + "…"
	}
	return label
}

// fileFields returns the names of file inputs on a form that a submission
// must upload for.
func fileFields(form *html.Node) []string {
	var fields []string
	dom.Walk(form, func(n *html.Node) bool {
		if n.Type == html.ElementNode && dom.IsFileInput(n) {
			if name := dom.AttrValue(n, "name"); name != "" {
				fields = append(fields, name)
			}
		}
		return true
	})
	return fields
}
