package liveclient

import (
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/livefir/liveclient/internal/channel"
	"github.com/livefir/liveclient/internal/dom"
	"github.com/livefir/liveclient/internal/morph"
	"github.com/livefir/liveclient/internal/rendered"
	"github.com/livefir/liveclient/internal/upload"
)

type viewState int

const (
	stateUnjoined viewState = iota
	stateJoining
	stateJoined
	stateUpdating
	stateClosed
	stateErrored
)

func (s viewState) String() string {
	switch s {
	case stateUnjoined:
		return "unjoined"
	case stateJoining:
		return "joining"
	case stateJoined:
		return "joined"
	case stateUpdating:
		return "updating"
	case stateClosed:
		return "closed"
	case stateErrored:
		return "errored"
	}
	return "unknown"
}

// redirectInfo is the shared shape of redirect, live_redirect, and
// external_live_redirect instructions.
type redirectInfo struct {
	To    string          `json:"to"`
	Kind  string          `json:"kind,omitempty"`
	Flash json.RawMessage `json:"flash,omitempty"`
}

type joinResponse struct {
	Rendered     json.RawMessage `json:"rendered"`
	LiveRedirect *redirectInfo   `json:"live_redirect"`
}

type joinErrorResponse struct {
	Reason   string        `json:"reason"`
	Redirect *redirectInfo `json:"redirect"`
}

type eventResponse struct {
	Diff                 json.RawMessage `json:"diff"`
	Redirect             *redirectInfo   `json:"redirect"`
	LiveRedirect         *redirectInfo   `json:"live_redirect"`
	ExternalLiveRedirect *redirectInfo   `json:"external_live_redirect"`
}

// View owns one server-backed subtree: its channel, render tree, hook
// bindings, and lifecycle state. A view never outlives its DOM element.
// All fields are guarded by the owning socket's mutex; methods assume the
// caller holds it unless noted.
type View struct {
	socket *Socket

	id       string
	name     string
	parentID string
	el       *html.Node

	channel  *channel.Channel
	rendered *rendered.Tree
	state    viewState

	sessionToken string
	staticToken  string

	hooks        *hookRegistry
	pendingDiffs []json.RawMessage

	closedByServer bool
	destroyed      bool
}

// newView reads the element's contract attributes and registers the
// view's channel topic.
func newView(s *Socket, el *html.Node) *View {
	v := &View{
		socket:       s,
		id:           dom.AttrValue(el, "id"),
		name:         dom.AttrValue(el, ViewAttr),
		parentID:     dom.AttrValue(el, ParentAttr),
		el:           el,
		sessionToken: dom.AttrValue(el, SessionAttr),
		staticToken:  dom.AttrValue(el, StaticAttr),
		state:        stateUnjoined,
	}
	if cached := s.sessions.get(v.id); cached != "" {
		v.sessionToken = cached
	}
	v.hooks = newHookRegistry(v)
	v.channel = s.transport.Channel("lv:"+v.id, v.handleMessage)
	return v
}

// ID returns the view's DOM element id.
func (v *View) ID() string { return v.id }

// Name returns the server-side view name from the view attribute.
func (v *View) Name() string { return v.name }

// State returns the lifecycle state name.
func (v *View) State() string {
	v.socket.mu.Lock()
	defer v.socket.mu.Unlock()
	return v.state.String()
}

func (v *View) setState(to viewState, reason string) {
	if v.state == to {
		return
	}
	from := v.state
	v.state = to
	glog.V(1).Infof("view %s: %s -> %s", v.id, from, to)
	if j := v.socket.journal; j != nil {
		j.RecordTransition(v.id, from.String(), to.String(), reason)
	}
}

// join pushes the channel join with {url, params, session, static} and
// registers the reply continuations.
func (v *View) join() (*channel.Push, error) {
	v.setState(stateJoining, "")
	payload := map[string]any{
		"url":     v.socket.href,
		"params":  v.socket.cfg.Params,
		"session": v.sessionToken,
		"static":  v.staticToken,
	}
	push, err := v.channel.Join(payload, v.socket.cfg.JoinTimeout)
	if err != nil {
		v.setState(stateErrored, err.Error())
		v.showDisconnected(true)
		v.socket.metrics.IncrementJoinFailure()
		return nil, err
	}
	push.Receive(channel.StatusOK, func(r channel.Reply) {
		v.socket.locked(func() { v.handleJoinOK(r) })
	}).Receive(channel.StatusError, func(r channel.Reply) {
		v.socket.locked(func() { v.handleJoinError(r, "error") })
	}).Receive(channel.StatusTimeout, func(r channel.Reply) {
		v.socket.locked(func() { v.handleJoinError(r, "timeout") })
	})
	return push, nil
}

func (v *View) handleJoinOK(r channel.Reply) {
	if v.destroyed {
		return
	}
	var resp joinResponse
	if err := r.DecodeResponse(&resp); err != nil {
		v.socket.fatal(&ProtocolError{ViewID: v.id, Reason: "malformed join reply", Err: err})
		return
	}
	tree := &rendered.Tree{}
	if err := json.Unmarshal(resp.Rendered, tree); err != nil {
		v.socket.fatal(&ProtocolError{ViewID: v.id, Reason: "malformed render tree in join reply", Err: err})
		return
	}
	// The first render a view receives must be a full fingerprint.
	if !tree.HasStatics() {
		v.socket.fatal(&ProtocolError{ViewID: v.id, Reason: "join reply without full render"})
		return
	}
	v.rendered = tree
	if !v.renderAndPatch() {
		return
	}
	v.setState(stateJoined, "")
	v.showConnected()
	v.socket.metrics.IncrementViewJoined()
	if resp.LiveRedirect != nil && resp.LiveRedirect.To != "" {
		v.socket.commitLiveRedirect(resp.LiveRedirect.To)
	}
	v.socket.signalUpdate(v.id)
}

func (v *View) handleJoinError(r channel.Reply, reason string) {
	if v.destroyed {
		return
	}
	var resp joinErrorResponse
	_ = r.DecodeResponse(&resp)
	v.socket.metrics.IncrementJoinFailure()
	// An error reply carrying a redirect is followed, not displayed.
	if resp.Redirect != nil && resp.Redirect.To != "" {
		v.socket.hardNavigate(resp.Redirect.To)
		return
	}
	if reason == "error" && resp.Reason != "" {
		reason = resp.Reason
	}
	v.setState(stateErrored, reason)
	v.showDisconnected(true)
	glog.Warningf("view %s: join failed: %s", v.id, reason)
}

// update applies a server diff, or buffers it while a navigation is
// pending socket-wide.
func (v *View) update(diff json.RawMessage) {
	if v.destroyed || v.state == stateClosed {
		return
	}
	if emptyDiff(diff) {
		return
	}
	if v.socket.navigationPending() {
		v.pendingDiffs = append(v.pendingDiffs, append(json.RawMessage(nil), diff...))
		v.socket.metrics.IncrementDiffBuffered()
		glog.V(2).Infof("view %s: buffered diff behind pending navigation", v.id)
		return
	}
	v.applyDiff(diff)
}

func emptyDiff(diff json.RawMessage) bool {
	switch string(diff) {
	case "", "{}", "null":
		return true
	}
	return false
}

func (v *View) applyDiff(diff json.RawMessage) {
	tree := &rendered.Tree{}
	if err := json.Unmarshal(diff, tree); err != nil {
		v.socket.fatal(&ProtocolError{ViewID: v.id, Reason: "malformed diff", Err: err})
		return
	}
	if tree.IsEmpty() {
		return
	}
	v.setState(stateUpdating, "")
	merged, err := rendered.Merge(v.rendered, tree)
	if err != nil {
		v.socket.fatal(&ProtocolError{ViewID: v.id, Reason: "diff merge failed", Err: err})
		return
	}
	v.rendered = merged
	if !v.renderAndPatch() {
		return
	}
	v.setState(stateJoined, "")
	v.showConnected()
	v.socket.metrics.IncrementDiffApplied()
	v.socket.signalUpdate(v.id)
}

// replayPending applies diffs buffered during a navigation, in arrival
// order.
func (v *View) replayPending() {
	pending := v.pendingDiffs
	v.pendingDiffs = nil
	for _, diff := range pending {
		v.socket.metrics.IncrementDiffReplayed()
		v.applyDiff(diff)
	}
}

// renderAndPatch linearizes the current tree and reconciles it into the
// view element. Reports false when a protocol error aborted the patch.
func (v *View) renderAndPatch() bool {
	markup, err := v.rendered.HTML()
	if err != nil {
		v.socket.metrics.IncrementPatchError()
		v.socket.fatal(&ProtocolError{ViewID: v.id, Reason: "render tree does not linearize", Err: err})
		return false
	}
	cs, err := morph.Patch(v.el, markup, v.socket.morphOptions())
	if err != nil {
		v.socket.metrics.IncrementPatchError()
		v.socket.fatal(&ProtocolError{ViewID: v.id, Reason: "reconciliation failed", Err: err})
		return false
	}
	v.socket.metrics.AddNodeChanges(len(cs.Added), len(cs.Updated), len(cs.Discarded))
	if j := v.socket.journal; j != nil {
		j.RecordPatch(v.id, len(cs.Added), len(cs.Updated), len(cs.Discarded))
	}

	// Views rooted in discarded subtrees are gone from the document.
	for _, n := range cs.Discarded {
		v.socket.destroyViewsIn(n, "element removed")
	}
	// A changed session token tears the nested view down for a rejoin
	// under the token now in the markup, not the cached one.
	for _, sc := range cs.SessionChanges {
		v.socket.sessions.forget(sc.ViewID)
		if child := v.socket.views[sc.ViewID]; child != nil {
			child.destroy("session change")
		}
	}
	v.hooks.apply(cs)
	v.socket.discoverViews(v.el, v.id)
	return true
}

// pushEvent sends one event push on the view channel and registers reply
// continuations. form, when non-nil, is restored when the reply resolves.
func (v *View) pushEvent(typ, event string, value any, entries []upload.Entry, form *html.Node) (*channel.Push, error) {
	payload := eventPayload{Type: typ, Event: event, Value: value}
	if len(entries) > 0 {
		payload.FileCount = len(entries)
		payload.FileData = entries
	}
	push, err := v.channel.Push("event", payload, v.socket.cfg.PushTimeout)
	if err != nil {
		if form != nil {
			morph.RestoreForm(form, v.socket.formOptions())
		}
		return nil, err
	}
	v.socket.metrics.IncrementEventPushed()
	start := time.Now()
	push.Receive(channel.StatusOK, func(r channel.Reply) {
		v.socket.locked(func() {
			v.socket.metrics.ObserveReply("ok", time.Since(start))
			v.handleEventReply(r, form)
		})
	}).Receive(channel.StatusError, func(r channel.Reply) {
		v.socket.locked(func() {
			v.socket.metrics.ObserveReply("error", time.Since(start))
			v.handleEventFailure(form, "error")
		})
	}).Receive(channel.StatusTimeout, func(r channel.Reply) {
		v.socket.locked(func() {
			v.socket.metrics.ObserveReply("timeout", time.Since(start))
			v.handleEventFailure(form, "timeout")
		})
	})
	return push, nil
}

func (v *View) handleEventReply(r channel.Reply, form *html.Node) {
	if form != nil {
		morph.RestoreForm(form, v.socket.formOptions())
	}
	if v.destroyed {
		return
	}
	var resp eventResponse
	if err := r.DecodeResponse(&resp); err != nil {
		v.socket.fatal(&ProtocolError{ViewID: v.id, Reason: "malformed event reply", Err: err})
		return
	}
	if len(resp.Diff) > 0 {
		v.update(resp.Diff)
	}
	switch {
	case resp.Redirect != nil && resp.Redirect.To != "":
		v.socket.hardNavigate(resp.Redirect.To)
	case resp.LiveRedirect != nil && resp.LiveRedirect.To != "":
		v.socket.commitLiveRedirect(resp.LiveRedirect.To)
	case resp.ExternalLiveRedirect != nil && resp.ExternalLiveRedirect.To != "":
		v.socket.startRootReplacement(resp.ExternalLiveRedirect.To)
	}
}

func (v *View) handleEventFailure(form *html.Node, reason string) {
	if form != nil {
		morph.RestoreForm(form, v.socket.formOptions())
	}
	if v.destroyed {
		return
	}
	v.setState(stateErrored, reason)
	v.showDisconnected(true)
}

// pushHookEvent sends a hook-typed event without waiting for the reply.
// Called from hook callbacks, which already run under the socket mutex.
func (v *View) pushHookEvent(event string, payload map[string]any) error {
	if v.destroyed {
		return &ChannelError{Topic: v.channel.Topic(), Event: event, Reason: "view destroyed"}
	}
	_, err := v.pushEvent("hook", event, payload, nil, nil)
	return err
}

// handleMessage routes non-reply channel frames. Runs on the transport's
// read goroutine.
func (v *View) handleMessage(event string, payload json.RawMessage) {
	v.socket.locked(func() {
		switch event {
		case "diff":
			v.update(payload)
		case channel.EventClose:
			// Graceful server close skips the leave handshake.
			v.closedByServer = true
			v.destroy("server close")
		case channel.EventError:
			v.setState(stateErrored, "channel error")
			v.showDisconnected(true)
		case "redirect":
			var r redirectInfo
			if err := json.Unmarshal(payload, &r); err == nil && r.To != "" {
				v.socket.hardNavigate(r.To)
			}
		case "live_redirect":
			var r redirectInfo
			if err := json.Unmarshal(payload, &r); err == nil && r.To != "" {
				v.socket.commitLiveRedirect(r.To)
			}
		case "external_live_redirect":
			var r redirectInfo
			if err := json.Unmarshal(payload, &r); err == nil && r.To != "" {
				v.socket.startRootReplacement(r.To)
			}
		case "session":
			var p struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(payload, &p); err == nil && p.Token != "" {
				v.sessionToken = p.Token
				v.socket.sessions.set(v.id, p.Token)
			}
		default:
			glog.V(2).Infof("view %s: dropping unhandled event %q", v.id, event)
		}
	})
}

// destroy tears the view down: children first, then hooks, then the
// channel leave unless the server already closed gracefully. Hook
// destroyed callbacks fire exactly once regardless of the leave outcome.
func (v *View) destroy(reason string) {
	if v.destroyed {
		return
	}
	v.destroyed = true
	for _, child := range v.socket.childViews(v.id) {
		child.destroy(reason)
	}
	v.hooks.destroyAll()
	v.setState(stateClosed, reason)
	v.socket.metrics.IncrementViewDestroyed()

	if v.closedByServer || !v.channel.Joined() {
		v.socket.removeView(v)
		return
	}
	push, err := v.channel.Leave(v.socket.cfg.PushTimeout)
	if err != nil {
		v.socket.removeView(v)
		return
	}
	// Every leave outcome finalizes exactly once.
	v.socket.leaveWG.Add(1)
	finalize := func(channel.Reply) {
		v.socket.locked(func() { v.socket.removeView(v) })
		v.socket.leaveWG.Done()
	}
	push.Receive(channel.StatusOK, finalize).
		Receive(channel.StatusError, finalize).
		Receive(channel.StatusTimeout, finalize)
}

func (v *View) showConnected() {
	dom.AddClass(v.el, classConnected)
	dom.RemoveClass(v.el, classDisconnected)
	dom.RemoveClass(v.el, classError)
}

// showDisconnected flips the CSS state classes. serverError adds the
// error class for server-side failures while the transport is up.
func (v *View) showDisconnected(serverError bool) {
	dom.RemoveClass(v.el, classConnected)
	dom.AddClass(v.el, classDisconnected)
	if serverError {
		dom.AddClass(v.el, classError)
	} else {
		dom.RemoveClass(v.el, classError)
	}
}
