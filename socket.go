package liveclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/html"

	"github.com/livefir/liveclient/internal/channel"
	"github.com/livefir/liveclient/internal/dom"
	"github.com/livefir/liveclient/internal/journal"
	"github.com/livefir/liveclient/internal/metrics"
	"github.com/livefir/liveclient/internal/morph"
	"github.com/livefir/liveclient/internal/upload"
)

// Socket is the root controller of one live page: it owns the parsed
// document, the websocket transport, and every view joined on it. All
// document and view state is guarded by one mutex; channel callbacks and
// public methods both funnel through it, so patches never interleave.
type Socket struct {
	cfg *Config

	mu   sync.Mutex
	doc  *dom.Document
	href string

	transport *channel.Socket

	views    map[string]*View
	rootView *View
	rootJoin *channel.Push

	// Navigation tokens resolve overlapping live navigations
	// last-writer-wins: only the holder of the newest token may commit.
	linkToken      uint64
	committedToken uint64
	pendingLink    uint64

	hookCtors map[string]func() Hook
	hookSeq   atomic.Int64

	metrics  *metrics.Collector
	journal  *journal.Journal
	sessions *sessionCache

	onUpdate         func(viewID string)
	onFatal          func(err error)
	onUploadProgress func(field, name string, sent, total int64)

	pendingSignals []string
	fatalErr       error
	closed         bool

	// leaveWG tracks in-flight channel leaves so Close can let them
	// flush before dropping the transport.
	leaveWG sync.WaitGroup
}

func newSocket(opts []Option) (*Socket, error) {
	s := &Socket{
		cfg:       defaultConfig(),
		views:     make(map[string]*View),
		hookCtors: make(map[string]func() Hook),
		metrics:   metrics.NewCollector(),
		sessions:  newSessionCache(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := s.cfg.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New builds a Socket around already-fetched page markup. The page URL
// anchors navigation state and, unless overridden, the websocket
// endpoint.
func New(pageURL, markup string, opts ...Option) (*Socket, error) {
	s, err := newSocket(opts)
	if err != nil {
		return nil, err
	}
	doc, err := dom.Parse(markup)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	s.doc = doc
	s.href = pageURL
	if err := s.openJournal(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open fetches pageURL and builds a Socket from the response body.
func Open(ctx context.Context, pageURL string, opts ...Option) (*Socket, error) {
	s, err := newSocket(opts)
	if err != nil {
		return nil, err
	}
	markup, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := dom.Parse(markup)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	s.doc = doc
	s.href = pageURL
	if err := s.openJournal(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Socket) openJournal() error {
	if s.cfg.JournalPath == "" {
		return nil
	}
	j, err := journal.Open(s.cfg.JournalPath, s.href)
	if err != nil {
		return err
	}
	s.journal = j
	return nil
}

// fetchPage performs a full HTTP page load, the non-live path used for
// the initial document and for fallback navigation.
func (s *Socket) fetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", &FetchError{URL: pageURL, Err: err}
	}
	for k, vals := range s.cfg.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &FetchError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &FetchError{URL: pageURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &FetchError{URL: pageURL, StatusCode: resp.StatusCode}
	}
	return string(body), nil
}

// wsEndpoint derives the websocket URL from the page URL unless an
// explicit endpoint is configured.
func (s *Socket) wsEndpoint() (string, error) {
	if s.cfg.Endpoint != "" {
		return s.cfg.Endpoint, nil
	}
	u, err := url.Parse(s.href)
	if err != nil {
		return "", fmt.Errorf("derive endpoint from %q: %w", s.href, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("derive endpoint: unsupported scheme %q", u.Scheme)
	}
	u.Path = DefaultLiveWSPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Connect dials the live endpoint, joins every view placeholder in the
// document, and waits for the root view's join to resolve. Call once.
func (s *Socket) Connect(ctx context.Context) error {
	endpoint, err := s.wsEndpoint()
	if err != nil {
		return err
	}
	settings := channel.DefaultSettings()
	settings.Header = s.cfg.Header
	if s.cfg.HeartbeatInterval > 0 {
		settings.HeartbeatInterval = s.cfg.HeartbeatInterval
	}
	if s.cfg.PushTimeout > 0 {
		settings.PushTimeout = s.cfg.PushTimeout
	}
	if s.cfg.ReconnectMinDelay > 0 {
		settings.ReconnectMinDelay = s.cfg.ReconnectMinDelay
	}
	if s.cfg.ReconnectMaxDelay > 0 {
		settings.ReconnectMaxDelay = s.cfg.ReconnectMaxDelay
	}
	s.transport = channel.NewSocket(endpoint, settings, &socketObserver{s: s}, s.handleOpen)
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}

	var (
		rootPush  *channel.Push
		rootTopic string
	)
	s.locked(func() {
		rootPush = s.rootJoin
		if s.rootView != nil {
			rootTopic = s.rootView.channel.Topic()
		}
	})
	if rootPush == nil {
		s.transport.Close()
		return errors.New("no live view found in document")
	}
	reply, err := rootPush.Await(ctx)
	if err != nil {
		return err
	}
	if reply.Status != channel.StatusOK {
		return &ChannelError{Topic: rootTopic, Event: channel.EventJoin, Reason: replyReason(reply)}
	}
	return nil
}

// handleOpen runs when the transport (re)connects: the initial open
// scans the document for views, a reconnect rejoins the surviving ones.
func (s *Socket) handleOpen(reconnected bool) {
	s.locked(func() {
		if s.closed {
			return
		}
		if !reconnected {
			s.discoverViews(s.doc.Body(), "")
			return
		}
		for _, v := range s.viewList() {
			if v.destroyed {
				continue
			}
			push, err := v.join()
			if err != nil {
				glog.Warningf("view %s: rejoin failed: %v", v.id, err)
				continue
			}
			if v == s.rootView {
				s.rootJoin = push
			}
		}
		for _, v := range s.viewList() {
			if !v.destroyed {
				v.hooks.broadcast("reconnected")
			}
		}
	})
}

// discoverViews walks root's subtree and joins every untracked view
// placeholder. Known placeholders are not descended into: their nested
// views are discovered when they patch themselves. Mutex held.
func (s *Socket) discoverViews(root *html.Node, parentID string) {
	if s.transport == nil || s.closed || root == nil {
		return
	}
	var scan func(n *html.Node)
	scan = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || !dom.HasAttr(c, ViewAttr) {
				scan(c)
				continue
			}
			id := dom.AttrValue(c, "id")
			if id == "" {
				glog.Warningf("view placeholder without id ignored")
				continue
			}
			// A destroyed view awaiting its leave ack does not block the
			// fresh placeholder that replaced it.
			if existing, known := s.views[id]; known && !existing.destroyed {
				continue
			}
			v := newView(s, c)
			if v.parentID == "" {
				v.parentID = parentID
			}
			s.views[id] = v
			push, err := v.join()
			if err != nil {
				glog.Warningf("view %s: join failed: %v", id, err)
			}
			if v.parentID == "" && (s.rootView == nil || s.rootView.destroyed) {
				s.rootView = v
				s.rootJoin = push
			}
		}
	}
	scan(root)
}

// viewList returns the tracked views in stable id order.
func (s *Socket) viewList() []*View {
	list := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

func (s *Socket) childViews(parentID string) []*View {
	var children []*View
	for _, v := range s.viewList() {
		if v.parentID == parentID {
			children = append(children, v)
		}
	}
	return children
}

// destroyViewsIn tears down every view whose element lives inside root.
func (s *Socket) destroyViewsIn(root *html.Node, reason string) {
	for _, v := range s.viewList() {
		if v.destroyed {
			continue
		}
		for cur := v.el; cur != nil; cur = cur.Parent {
			if cur == root {
				v.destroy(reason)
				break
			}
		}
	}
}

func (s *Socket) removeView(v *View) {
	if s.views[v.id] == v {
		delete(s.views, v.id)
	}
	if s.transport != nil {
		s.transport.Remove(v.channel)
	}
	if s.rootView == v {
		s.rootView = nil
	}
}

// locked runs fn under the socket mutex and fires queued update signals
// after releasing it, so observer callbacks never run under the lock.
func (s *Socket) locked(fn func()) {
	s.mu.Lock()
	fn()
	signals := s.pendingSignals
	s.pendingSignals = nil
	onUpdate := s.onUpdate
	s.mu.Unlock()
	if onUpdate != nil {
		for _, id := range signals {
			onUpdate(id)
		}
	}
}

// signalUpdate queues the update-complete signal for viewID. Mutex held.
func (s *Socket) signalUpdate(viewID string) {
	s.pendingSignals = append(s.pendingSignals, viewID)
}

// prepare is locked with an error return and the closed/fatal gate.
func (s *Socket) prepare(fn func() error) error {
	var err error
	s.locked(func() {
		switch {
		case s.closed:
			err = ErrClosed
		case s.fatalErr != nil:
			err = s.fatalErr
		default:
			err = fn()
		}
	})
	return err
}

// fatal records the first unrecoverable protocol error, flags every view,
// and tears the transport down. Mutex held.
func (s *Socket) fatal(err error) {
	if s.fatalErr != nil {
		return
	}
	s.fatalErr = err
	glog.Errorf("live socket failed: %v", err)
	for _, v := range s.viewList() {
		if !v.destroyed {
			v.setState(stateErrored, "protocol error")
			v.showDisconnected(true)
		}
	}
	if s.onFatal != nil {
		go s.onFatal(err)
	}
	if s.transport != nil {
		go s.transport.Close()
	}
}

// Err returns the unrecoverable error that stopped the socket, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Socket) navigationPending() bool { return s.pendingLink != 0 }

func (s *Socket) morphOptions() morph.Options {
	return morph.Options{
		ViewAttr:    ViewAttr,
		SessionAttr: SessionAttr,
		StaticAttr:  StaticAttr,
		UpdateAttr:  UpdateAttr,
		KeepClasses: []string{classConnected, classDisconnected, classError},
		Doc:         s.doc,
	}
}

func (s *Socket) formOptions() morph.FormOptions {
	return morph.FormOptions{DisableWithAttr: DisableWithAttr, LoadingClass: classLoading}
}

func (s *Socket) element(selector string) (*html.Node, error) {
	el, err := dom.Query(s.doc.Root(), selector)
	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	return el, nil
}

// owningView resolves the joined view whose subtree contains el.
func (s *Socket) owningView(el *html.Node) (*View, error) {
	holder, err := dom.Closest(el, "["+ViewAttr+"]")
	if err != nil || holder == nil {
		return nil, errors.New("element is not inside a live view")
	}
	return s.trackedView(dom.AttrValue(holder, "id"))
}

// targetView resolves the view an event routes to: an explicit target
// binding names a view id and wins over the owning view.
func (s *Socket) targetView(bound *html.Node) (*View, error) {
	if id := dom.AttrValue(bound, s.binding(bindTarget)); id != "" {
		return s.trackedView(id)
	}
	return s.owningView(bound)
}

func (s *Socket) trackedView(id string) (*View, error) {
	v := s.views[id]
	if v == nil {
		return nil, fmt.Errorf("view %q is not tracked", id)
	}
	if v.destroyed || v.state == stateClosed {
		return nil, fmt.Errorf("view %q is closed", id)
	}
	return v, nil
}

// awaitReply blocks on the push and folds non-ok statuses into
// ChannelError.
func (s *Socket) awaitReply(ctx context.Context, push *channel.Push, topic, event string) error {
	reply, err := push.Await(ctx)
	if err != nil {
		return err
	}
	if reply.Status == channel.StatusOK {
		return nil
	}
	return &ChannelError{Topic: topic, Event: event, Reason: replyReason(reply)}
}

func replyReason(reply channel.Reply) string {
	if reply.Status == channel.StatusTimeout {
		return "timeout"
	}
	var resp struct {
		Reason string `json:"reason"`
	}
	if err := reply.DecodeResponse(&resp); err == nil && resp.Reason != "" {
		return resp.Reason
	}
	return "error"
}

// Click dispatches a click on the element matched by selector: the
// nearest click binding is pushed with its bound values and the reply
// awaited.
func (s *Socket) Click(ctx context.Context, selector string) error {
	var (
		push  *channel.Push
		topic string
		event string
	)
	if err := s.prepare(func() error {
		el, err := s.element(selector)
		if err != nil {
			return err
		}
		bound, name := bindingValue(el, s.binding(bindClick))
		if name == "" {
			return fmt.Errorf("element %q has no %s binding", selector, s.binding(bindClick))
		}
		v, err := s.targetView(bound)
		if err != nil {
			return err
		}
		p, err := v.pushEvent("click", name, s.collectValues(bound), nil, nil)
		if err != nil {
			return err
		}
		push, topic, event = p, v.channel.Topic(), name
		return nil
	}); err != nil {
		return err
	}
	return s.awaitReply(ctx, push, topic, event)
}

// Input types value into the matched control: the document value and
// focus update immediately, and the change binding, when present, pushes
// a form event naming the changed field.
func (s *Socket) Input(ctx context.Context, selector, value string) error {
	var (
		push  *channel.Push
		topic string
		event string
	)
	if err := s.prepare(func() error {
		el, err := s.element(selector)
		if err != nil {
			return err
		}
		dom.SetInputValue(el, value)
		s.doc.SetFocus(el)
		bound, name := bindingValue(el, s.binding(bindChange))
		if name == "" {
			return nil
		}
		v, err := s.targetView(bound)
		if err != nil {
			return err
		}
		serialized := changePayload(el)
		p, err := v.pushEvent("form", name, serialized, nil, nil)
		if err != nil {
			return err
		}
		push, topic, event = p, v.channel.Topic(), name
		return nil
	}); err != nil {
		return err
	}
	if push == nil {
		return nil
	}
	return s.awaitReply(ctx, push, topic, event)
}

// changePayload serializes the enclosing form, or the single control when
// none exists, with _target naming the changed field.
func changePayload(el *html.Node) string {
	name := dom.AttrValue(el, "name")
	form, _ := dom.Closest(el, "form")
	var serialized string
	if form != nil {
		serialized = serializeForm(form)
	} else if name != "" {
		serialized = url.Values{name: {dom.InputValue(el)}}.Encode()
	}
	if name == "" {
		return serialized
	}
	target := url.Values{"_target": {name}}.Encode()
	if serialized == "" {
		return target
	}
	return serialized + "&" + target
}

// Keydown dispatches a keydown on the matched element.
func (s *Socket) Keydown(ctx context.Context, selector, key string) error {
	return s.keyEvent(ctx, selector, key, bindKeydown)
}

// Keyup dispatches a keyup on the matched element.
func (s *Socket) Keyup(ctx context.Context, selector, key string) error {
	return s.keyEvent(ctx, selector, key, bindKeyup)
}

func (s *Socket) keyEvent(ctx context.Context, selector, key, kind string) error {
	var (
		push  *channel.Push
		topic string
		event string
	)
	if err := s.prepare(func() error {
		el, err := s.element(selector)
		if err != nil {
			return err
		}
		bound, name := bindingValue(el, s.binding(kind))
		if name == "" {
			return fmt.Errorf("element %q has no %s binding", selector, s.binding(kind))
		}
		v, err := s.targetView(bound)
		if err != nil {
			return err
		}
		value := map[string]any{"key": key}
		if dom.IsTextualInput(el) {
			value["value"] = dom.InputValue(el)
		}
		p, err := v.pushEvent(kind, name, value, nil, nil)
		if err != nil {
			return err
		}
		push, topic, event = p, v.channel.Topic(), name
		return nil
	}); err != nil {
		return err
	}
	return s.awaitReply(ctx, push, topic, event)
}

// Focus moves document focus to the matched element and pushes its focus
// binding, when present.
func (s *Socket) Focus(ctx context.Context, selector string) error {
	return s.focusEvent(ctx, selector, bindFocus)
}

// Blur removes focus from the matched element and pushes its blur
// binding, when present.
func (s *Socket) Blur(ctx context.Context, selector string) error {
	return s.focusEvent(ctx, selector, bindBlur)
}

func (s *Socket) focusEvent(ctx context.Context, selector, kind string) error {
	var (
		push  *channel.Push
		topic string
		event string
	)
	if err := s.prepare(func() error {
		el, err := s.element(selector)
		if err != nil {
			return err
		}
		if kind == bindFocus {
			s.doc.SetFocus(el)
		} else if s.doc.ActiveElement() == el {
			s.doc.Blur()
		}
		bound, name := bindingValue(el, s.binding(kind))
		if name == "" {
			return nil
		}
		v, err := s.targetView(bound)
		if err != nil {
			return err
		}
		p, err := v.pushEvent(kind, name, map[string]string{}, nil, nil)
		if err != nil {
			return err
		}
		push, topic, event = p, v.channel.Topic(), name
		return nil
	}); err != nil {
		return err
	}
	if push == nil {
		return nil
	}
	return s.awaitReply(ctx, push, topic, event)
}

// FormFile is one file attached to a form submission.
type FormFile struct {
	// Field names the file input the file belongs to.
	Field   string
	Name    string
	Type    string
	Size    int64
	Content io.Reader
}

// Submit drives a form submission. The form is disabled with its
// disable-with placeholders applied, every attached file transfers
// sequentially over its own upload channel, and the form event is pushed
// with the acknowledged upload entries folded in. The form restores when
// the reply resolves; a failed upload restores it immediately and aborts
// the push.
func (s *Socket) Submit(ctx context.Context, selector string, files ...FormFile) error {
	var (
		v          *View
		form       *html.Node
		event      string
		serialized string
		topic      string
		allowed    map[string]bool
	)
	if err := s.prepare(func() error {
		el, err := s.element(selector)
		if err != nil {
			return err
		}
		form = el
		if form.Data != "form" {
			form, err = dom.Closest(el, "form")
			if err != nil || form == nil {
				return fmt.Errorf("element %q is not inside a form", selector)
			}
		}
		bound, name := bindingValue(form, s.binding(bindSubmit))
		if name == "" {
			return fmt.Errorf("form has no %s binding", s.binding(bindSubmit))
		}
		v, err = s.targetView(bound)
		if err != nil {
			return err
		}
		event = name
		topic = v.channel.Topic()
		serialized = serializeForm(form)
		allowed = make(map[string]bool)
		for _, f := range fileFields(form) {
			allowed[f] = true
		}
		morph.DisableForm(form, s.formOptions())
		return nil
	}); err != nil {
		return err
	}

	entries, err := s.runUploads(ctx, v.channel, allowed, files)
	if err != nil {
		s.locked(func() { morph.RestoreForm(form, s.formOptions()) })
		return err
	}

	var push *channel.Push
	if err := s.prepare(func() error {
		if v.destroyed {
			morph.RestoreForm(form, s.formOptions())
			return fmt.Errorf("view %q closed during submission", v.id)
		}
		p, err := v.pushEvent("form", event, serialized, entries, form)
		if err != nil {
			return err
		}
		push = p
		return nil
	}); err != nil {
		return err
	}
	return s.awaitReply(ctx, push, topic, event)
}

// runUploads transfers the attached files strictly in order on the
// caller's goroutine. The first failure aborts the rest.
func (s *Socket) runUploads(ctx context.Context, viewCh *channel.Channel, allowed map[string]bool, files []FormFile) ([]upload.Entry, error) {
	if len(files) == 0 {
		return nil, nil
	}
	var entries []upload.Entry
	for _, f := range files {
		if !allowed[f.Field] {
			return nil, &UploadError{Field: f.Field, Name: f.Name, Err: errors.New("form has no such file input")}
		}
		cfg := upload.Config{
			ChunkSize:    s.cfg.UploadChunkSize,
			RefTimeout:   s.cfg.PushTimeout,
			JoinTimeout:  s.cfg.JoinTimeout,
			ChunkTimeout: s.cfg.PushTimeout,
			OnProgress: func(p upload.Progress) {
				if s.onUploadProgress != nil {
					s.onUploadProgress(p.Field, p.Name, p.Sent, p.Total)
				}
			},
		}
		s.metrics.IncrementUploadStarted()
		entry, err := upload.Run(ctx, s.transport, viewCh, upload.File{
			Field:   f.Field,
			Name:    f.Name,
			Type:    f.Type,
			Size:    f.Size,
			Content: f.Content,
		}, cfg)
		if err != nil {
			s.metrics.IncrementUploadFailed()
			if j := s.journal; j != nil {
				j.RecordUpload("", f.Field, f.Name, 0, f.Size, "failed")
			}
			return nil, &UploadError{Field: f.Field, Name: f.Name, Err: err}
		}
		s.metrics.IncrementUploadCompleted(entry.Size)
		if j := s.journal; j != nil {
			j.RecordUpload(entry.Ref, f.Field, f.Name, entry.Size, entry.Size, "completed")
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// PushEvent pushes a named event to a view directly, outside any DOM
// binding, and awaits the reply.
func (s *Socket) PushEvent(ctx context.Context, viewID, event string, payload map[string]any) error {
	var (
		push  *channel.Push
		topic string
	)
	if err := s.prepare(func() error {
		v := s.views[viewID]
		if v == nil {
			return fmt.Errorf("view %q is not tracked", viewID)
		}
		topic = v.channel.Topic()
		p, err := v.pushEvent("hook", event, payload, nil, nil)
		if err != nil {
			return err
		}
		push = p
		return nil
	}); err != nil {
		return err
	}
	return s.awaitReply(ctx, push, topic, event)
}

// Navigate pushes a live link navigation on the root view. Overlapping
// calls resolve last-writer-wins: a superseded navigation returns nil
// without touching the document, and diffs buffered while the winner was
// in flight replay in arrival order once it commits. A timed-out
// navigation falls back to a full page load.
func (s *Socket) Navigate(ctx context.Context, href string) error {
	var (
		push  *channel.Push
		topic string
		token uint64
		v     *View
	)
	if err := s.prepare(func() error {
		if s.rootView == nil || s.rootView.destroyed {
			return errors.New("no root view to navigate")
		}
		v = s.rootView
		topic = v.channel.Topic()
		s.linkToken++
		token = s.linkToken
		s.pendingLink = token
		p, err := v.channel.Push("link", map[string]any{"url": href}, s.cfg.NavigationTimeout)
		if err != nil {
			s.resumeAfterLink(token)
			return err
		}
		push = p
		return nil
	}); err != nil {
		return err
	}

	reply, err := push.Await(ctx)
	if err != nil {
		s.locked(func() { s.resumeAfterLink(token) })
		return err
	}

	var (
		superseded bool
		timedOut   bool
		outcome    error
	)
	s.locked(func() {
		if token != s.linkToken {
			superseded = true
			s.metrics.IncrementNavigationSuperseded()
			return
		}
		switch reply.Status {
		case channel.StatusOK:
			s.commitLink(token, href)
		case channel.StatusTimeout:
			timedOut = true
		default:
			s.resumeAfterLink(token)
			dom.AddClass(v.el, classError)
			outcome = &ChannelError{Topic: topic, Event: "link", Reason: replyReason(reply)}
		}
	})
	if superseded {
		return nil
	}
	if timedOut {
		return s.hardNavigateSync(ctx, href)
	}
	return outcome
}

// commitLink installs token's navigation and replays buffered diffs.
// Mutex held.
func (s *Socket) commitLink(token uint64, href string) {
	s.committedToken = token
	s.pendingLink = 0
	s.href = s.resolveURL(href)
	s.metrics.IncrementNavigationCommitted()
	glog.V(1).Infof("navigated to %s", s.href)
	s.replayBuffered()
}

// resolveURL resolves a possibly relative location against the current
// page, since redirect payloads usually carry just a path. Mutex held.
func (s *Socket) resolveURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	base, err := url.Parse(s.href)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// resumeAfterLink clears a failed navigation's pending flag and releases
// the diffs it was holding back. Mutex held.
func (s *Socket) resumeAfterLink(token uint64) {
	if s.pendingLink != token {
		return
	}
	s.pendingLink = 0
	s.replayBuffered()
}

func (s *Socket) replayBuffered() {
	for _, v := range s.viewList() {
		if !v.destroyed {
			v.replayPending()
		}
	}
}

// commitLiveRedirect installs a server-pushed location change. Mutex
// held.
func (s *Socket) commitLiveRedirect(to string) {
	s.linkToken++
	s.committedToken = s.linkToken
	s.pendingLink = 0
	s.href = s.resolveURL(to)
	s.metrics.IncrementNavigationCommitted()
	s.replayBuffered()
}

// hardNavigate schedules a full page load from a transport callback,
// which must not block on HTTP.
func (s *Socket) hardNavigate(to string) {
	go func() {
		if err := s.hardNavigateSync(context.Background(), to); err != nil {
			glog.Errorf("fallback load %s: %v", to, err)
		}
	}()
}

// hardNavigateSync performs a full non-live page load: every view is torn
// down, the document replaced, and the new document's views joined.
func (s *Socket) hardNavigateSync(ctx context.Context, to string) error {
	var (
		token  uint64
		target string
	)
	s.locked(func() {
		s.linkToken++
		token = s.linkToken
		s.pendingLink = token
		target = s.resolveURL(to)
	})
	s.metrics.IncrementFallbackLoad()
	markup, err := s.fetchPage(ctx, target)
	if err != nil {
		s.locked(func() { s.resumeAfterLink(token) })
		return err
	}
	doc, err := dom.Parse(markup)
	if err != nil {
		s.locked(func() { s.resumeAfterLink(token) })
		return fmt.Errorf("parse page: %w", err)
	}
	s.installPage(token, target, doc)
	return nil
}

// startRootReplacement handles an external live redirect: the new page is
// fetched over HTTP off the transport goroutine and swapped in whole,
// unless a newer navigation takes over meanwhile.
func (s *Socket) startRootReplacement(to string) {
	s.linkToken++
	token := s.linkToken
	s.pendingLink = token
	target := s.resolveURL(to)
	go func() {
		markup, err := s.fetchPage(context.Background(), target)
		if err != nil {
			glog.Errorf("root replacement %s: %v", target, err)
			s.locked(func() { s.resumeAfterLink(token) })
			return
		}
		doc, err := dom.Parse(markup)
		if err != nil {
			glog.Errorf("root replacement %s: %v", target, err)
			s.locked(func() { s.resumeAfterLink(token) })
			return
		}
		s.installPage(token, target, doc)
	}()
}

// installPage swaps in a freshly fetched document when token is still the
// newest navigation, tearing down the old views and joining the new ones.
func (s *Socket) installPage(token uint64, href string, doc *dom.Document) {
	s.locked(func() {
		if token != s.linkToken {
			s.metrics.IncrementNavigationSuperseded()
			return
		}
		for _, v := range s.viewList() {
			v.destroy("page replaced")
		}
		s.doc = doc
		s.href = href
		s.rootView = nil
		s.rootJoin = nil
		s.committedToken = token
		s.pendingLink = 0
		s.metrics.IncrementNavigationCommitted()
		s.discoverViews(s.doc.Body(), "")
	})
}

// Href returns the current logical location.
func (s *Socket) Href() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.href
}

// Connected reports whether the transport currently holds a live
// connection.
func (s *Socket) Connected() bool {
	return s.transport != nil && s.transport.Connected()
}

// HTML serializes the whole live document.
func (s *Socket) HTML() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dom.OuterHTML(s.doc.Root())
}

// Find returns the serialized first match of selector.
func (s *Socket) Find(selector string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, err := dom.Query(s.doc.Root(), selector)
	if err != nil || el == nil {
		return "", false
	}
	return dom.OuterHTML(el), true
}

// Views returns the ids of the tracked views in stable order.
func (s *Socket) Views() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.views))
	for _, v := range s.viewList() {
		ids = append(ids, v.id)
	}
	return ids
}

// ViewState returns the lifecycle state of one view.
func (s *Socket) ViewState(viewID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.views[viewID]
	if v == nil {
		return "", false
	}
	return v.state.String(), true
}

// Metrics returns a snapshot of the client counters.
func (s *Socket) Metrics() metrics.ClientMetrics {
	return s.metrics.GetMetrics()
}

// Close leaves every view, stops the transport, and releases the
// journal. Safe to call more than once.
func (s *Socket) Close() error {
	s.locked(func() {
		if s.closed {
			return
		}
		s.closed = true
		for _, v := range s.viewList() {
			v.destroy("client close")
		}
	})
	s.awaitLeaves()
	if s.transport != nil {
		s.transport.Close()
	}
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

// awaitLeaves blocks until every pending leave resolved, bounded by the
// push timeout that resolves stragglers anyway.
func (s *Socket) awaitLeaves() {
	done := make(chan struct{})
	go func() {
		s.leaveWG.Wait()
		close(done)
	}()
	limit := s.cfg.PushTimeout
	if limit <= 0 {
		limit = time.Second
	}
	select {
	case <-done:
	case <-time.After(limit):
	}
}

// socketObserver feeds transport lifecycle into metrics, the journal, and
// the view layer. Frame callbacks run on transport goroutines and must
// not take the socket mutex, which pushing code may hold.
type socketObserver struct {
	s *Socket
}

func (o *socketObserver) FrameSent(m *channel.Message) {
	o.s.metrics.IncrementFrameSent()
	if j := o.s.journal; j != nil {
		j.RecordFrame("out", m.Topic, m.Event, m.Ref, m.Payload)
	}
}

func (o *socketObserver) FrameReceived(m *channel.Message) {
	o.s.metrics.IncrementFrameReceived()
	if j := o.s.journal; j != nil {
		j.RecordFrame("in", m.Topic, m.Event, m.Ref, m.Payload)
	}
}

func (o *socketObserver) BinarySent(topic, ref string, size int) {
	if j := o.s.journal; j != nil {
		j.RecordFrame("out", topic, "chunk", ref, nil)
	}
}

func (o *socketObserver) SocketDisconnected(err error) {
	o.s.metrics.IncrementDisconnect()
	glog.Warningf("transport lost: %v", err)
	o.s.locked(func() {
		for _, v := range o.s.viewList() {
			if v.destroyed {
				continue
			}
			v.showDisconnected(false)
			v.hooks.broadcast("disconnected")
		}
	})
}

func (o *socketObserver) SocketReconnected(attempts int) {
	o.s.metrics.IncrementReconnect()
	glog.Infof("transport reconnected after %d attempts", attempts)
}
