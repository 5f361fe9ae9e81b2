package liveclient

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/livefir/liveclient/internal/dom"
	"github.com/livefir/liveclient/internal/morph"
)

// Hook receives lifecycle callbacks for one element carrying a hook-name
// attribute. Embed BaseHook and override the callbacks you need. Callbacks
// run on the socket's dispatch flow under its internal lock: push outbound
// events through HookContext.PushEvent, never through the blocking Socket
// methods.
type Hook interface {
	Mounted(ctx *HookContext)
	Updated(ctx *HookContext)
	Destroyed(ctx *HookContext)
	Disconnected(ctx *HookContext)
	Reconnected(ctx *HookContext)
}

// BaseHook is a no-op Hook for embedding.
type BaseHook struct{}

func (BaseHook) Mounted(*HookContext)      {}
func (BaseHook) Updated(*HookContext)      {}
func (BaseHook) Destroyed(*HookContext)    {}
func (BaseHook) Disconnected(*HookContext) {}
func (BaseHook) Reconnected(*HookContext)  {}

// HookContext hands a hook its element and an outbound event path.
type HookContext struct {
	Element *html.Node

	view   *View
	hookID string
}

// ViewID returns the owning view's id.
func (c *HookContext) ViewID() string {
	return c.view.id
}

// HookID returns the binding's id, as stamped on the element.
func (c *HookContext) HookID() string {
	return c.hookID
}

// PushEvent pushes a hook-typed event on the owning view's channel. The
// reply is applied by the view like any other event reply; PushEvent
// itself does not wait for it.
func (c *HookContext) PushEvent(event string, payload map[string]any) error {
	return c.view.pushHookEvent(event, payload)
}

type hookBinding struct {
	id   string
	name string
	el   *html.Node
	hook Hook
}

// hookRegistry owns the element-to-hook bindings of one view, driven by
// reconciliation change sets. Bindings key on the element node itself:
// reconciliation updates elements in place, so pointer identity outlives
// any attribute churn.
type hookRegistry struct {
	view  *View
	bound map[*html.Node]*hookBinding
}

func newHookRegistry(view *View) *hookRegistry {
	return &hookRegistry{view: view, bound: make(map[*html.Node]*hookBinding)}
}

// apply dispatches one change set: mounts on added elements, updated or
// remount on updated elements, destroys on discarded elements.
func (r *hookRegistry) apply(cs *morph.ChangeSet) {
	for _, n := range cs.Added {
		r.mountSubtree(n)
	}
	for _, n := range cs.Updated {
		r.updated(n)
	}
	for _, n := range cs.Discarded {
		r.destroySubtree(n)
	}
}

// mountSubtree mounts hooks on every hook-named element in a newly added
// subtree that is not already bound.
func (r *hookRegistry) mountSubtree(root *html.Node) {
	dom.Walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && dom.HasAttr(n, HookAttr) && r.bound[n] == nil {
			r.mount(n)
		}
		return true
	})
}

func (r *hookRegistry) mount(el *html.Node) {
	name := dom.AttrValue(el, HookAttr)
	ctor := r.view.socket.hookCtors[name]
	if ctor == nil {
		glog.Warningf("view %s: no hook registered for %q", r.view.id, name)
		return
	}
	// A nested view's elements belong to that view's registry.
	if owner := owningViewID(el); owner != "" && owner != r.view.id {
		return
	}

	id := strconv.FormatInt(r.view.socket.hookSeq.Add(1), 10)
	dom.SetAttr(el, HookIDAttr, id)
	binding := &hookBinding{id: id, name: name, el: el, hook: ctor()}
	r.bound[el] = binding
	r.view.socket.metrics.IncrementHookMounted()
	binding.hook.Mounted(&HookContext{Element: el, view: r.view, hookID: id})
}

// updated fires updated on a still-bound element, or destroys and
// remounts when its hook name changed.
func (r *hookRegistry) updated(el *html.Node) {
	if el.Type != html.ElementNode {
		return
	}
	binding := r.bound[el]
	if binding == nil {
		// Not bound yet; an update can reveal a new hook attribute.
		if dom.HasAttr(el, HookAttr) {
			r.mount(el)
		}
		return
	}
	name := dom.AttrValue(el, HookAttr)
	if name == binding.name {
		binding.hook.Updated(&HookContext{Element: el, view: r.view, hookID: binding.id})
		return
	}
	r.destroy(binding)
	if name != "" {
		r.mount(el)
	}
}

// destroySubtree destroys every binding whose element lives in a
// discarded subtree.
func (r *hookRegistry) destroySubtree(root *html.Node) {
	dom.Walk(root, func(n *html.Node) bool {
		if binding := r.bound[n]; binding != nil {
			r.destroy(binding)
		}
		return true
	})
}

func (r *hookRegistry) destroy(binding *hookBinding) {
	if r.bound[binding.el] != binding {
		return
	}
	delete(r.bound, binding.el)
	r.view.socket.metrics.IncrementHookDestroyed()
	binding.hook.Destroyed(&HookContext{Element: binding.el, view: r.view, hookID: binding.id})
}

// destroyAll fires destroyed on every remaining binding, exactly once
// each. Called on view teardown.
func (r *hookRegistry) destroyAll() {
	for _, binding := range r.sorted() {
		r.destroy(binding)
	}
}

// broadcast fires a connectivity callback on every binding.
func (r *hookRegistry) broadcast(event string) {
	for _, binding := range r.sorted() {
		ctx := &HookContext{Element: binding.el, view: r.view, hookID: binding.id}
		switch event {
		case "disconnected":
			binding.hook.Disconnected(ctx)
		case "reconnected":
			binding.hook.Reconnected(ctx)
		default:
			panic(fmt.Sprintf("unknown hook broadcast %q", event))
		}
	}
}

// sorted returns the bindings in mount order.
func (r *hookRegistry) sorted() []*hookBinding {
	list := make([]*hookBinding, 0, len(r.bound))
	for _, b := range r.bound {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool {
		return len(list[i].id) < len(list[j].id) ||
			(len(list[i].id) == len(list[j].id) && list[i].id < list[j].id)
	})
	return list
}

// owningViewID returns the id of the closest enclosing view root.
func owningViewID(el *html.Node) string {
	root, err := dom.Closest(el, "["+ViewAttr+"]")
	if err != nil || root == nil {
		return ""
	}
	return dom.AttrValue(root, "id")
}
