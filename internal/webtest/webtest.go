// Package webtest hosts an in-process live application for exercising the
// client against a real server end of the protocol: a rendered page carrying
// a signed session token, and a websocket endpoint speaking the channel
// framing with per-connection view state. The dockerized browser harness in
// this package drives parse-conformance checks against the same pages.
package webtest

import (
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/livefir/liveclient/internal/channel"
	"github.com/livefir/liveclient/internal/token"
)

const (
	// AppID is the application id minted into fixture session tokens.
	AppID = "webtest"
	// CounterViewID is the element id of the fixture's single live view.
	CounterViewID = "counter-1"

	counterTopic = "lv:" + CounterViewID
)

// counterStatics is the static skeleton of the counter view. The page
// handler and the join reply must linearize to the same markup so the
// client's first patch is a no-op. Dynamic 0 is the count, dynamic 1 the
// greeting name.
var counterStatics = []string{
	`<h1>Counter</h1><p id="count">Count: `,
	`</p><button id="inc" lvt-click="inc" lvt-value-step="1">+1</button>` +
		`<form id="who" lvt-change="rename"><input id="name" type="text" name="name" value=""></form>` +
		`<p id="greet">Hello, `,
	`!</p>`,
}

const pageShell = `<!DOCTYPE html>
<html><head><title>Counter Fixture</title></head>
<body><div id="%s" data-lvt-view="Counter" data-lvt-session="%s" data-lvt-static="">%s</div></body></html>`

func renderCounter(count int, name string) string {
	return counterStatics[0] + strconv.Itoa(count) + counterStatics[1] + html.EscapeString(name) + counterStatics[2]
}

// Server is a miniature live application: one counter view per connection,
// rendered server-side and updated over the channel protocol. It listens on
// all interfaces so a dockerized browser can reach it through host
// networking.
type Server struct {
	mint     *token.Mint
	http     *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	mu    sync.Mutex
	live  map[*websocket.Conn]struct{}
	joins int
}

// NewServer starts the fixture on an ephemeral port.
func NewServer() (*Server, error) {
	mint, err := token.NewMint(0)
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("webtest: listen: %w", err)
	}
	s := &Server{
		mint:     mint,
		listener: l,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		live:     make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePage)
	mux.HandleFunc("/live/websocket", s.handleLive)
	s.http = &http.Server{Handler: mux}
	go func() {
		if err := s.http.Serve(l); err != nil && err != http.ErrServerClosed {
			glog.V(2).Infof("webtest: serve: %v", err)
		}
	}()
	return s, nil
}

// URL returns the loopback address clients connect to.
func (s *Server) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port())
}

// Port returns the bound port, reachable on any interface.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Joins reports how many view sessions have successfully joined.
func (s *Server) Joins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

// DropConnections severs every live websocket while keeping the server up,
// simulating a network partition the client should recover from.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.live {
		conn.Close()
	}
}

// Close shuts the HTTP server down and drops every live websocket. Upgraded
// connections are hijacked, so the HTTP close alone would leave them open.
func (s *Server) Close() error {
	err := s.http.Close()
	s.mu.Lock()
	for conn := range s.live {
		conn.Close()
	}
	s.live = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	return err
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	session, err := s.mint.Session(AppID, CounterViewID)
	if err != nil {
		http.Error(w, "session mint failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, pageShell, CounterViewID, session, renderCounter(0, ""))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("webtest: upgrade: %v", err)
		return
	}
	s.mu.Lock()
	s.live[conn] = struct{}{}
	s.mu.Unlock()

	sess := &liveSession{srv: s, conn: conn}
	sess.serve()

	s.mu.Lock()
	delete(s.live, conn)
	s.mu.Unlock()
	conn.Close()
}

// liveSession is one websocket connection's view state. Frames are handled
// on the read goroutine, so no locking is needed around the fields.
type liveSession struct {
	srv   *Server
	conn  *websocket.Conn
	count int
	name  string
}

func (ls *liveSession) serve() {
	for {
		kind, data, err := ls.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			// The fixture has no upload fields, so binary frames are noise.
			continue
		}
		var msg channel.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			glog.Warningf("webtest: malformed frame: %v", err)
			return
		}
		if err := ls.handle(&msg); err != nil {
			glog.V(2).Infof("webtest: session ended: %v", err)
			return
		}
	}
}

func (ls *liveSession) handle(msg *channel.Message) error {
	switch {
	case msg.Topic == channel.ControlTopic && msg.Event == channel.EventHeartbeat:
		return ls.reply(msg, channel.StatusOK, nil)
	case msg.Event == channel.EventJoin:
		return ls.handleJoin(msg)
	case msg.Event == channel.EventLeave:
		return ls.reply(msg, channel.StatusOK, nil)
	case msg.Event == "event":
		return ls.handleEvent(msg)
	default:
		glog.V(2).Infof("webtest: ignoring %s", msg)
		return nil
	}
}

func (ls *liveSession) handleJoin(msg *channel.Message) error {
	var params struct {
		Session string `json:"session"`
	}
	if err := msg.DecodePayload(&params); err != nil {
		return ls.reply(msg, channel.StatusError, map[string]any{"reason": "malformed join"})
	}
	claims, err := ls.srv.mint.Verify(params.Session)
	if err != nil || claims.ViewID != CounterViewID || msg.Topic != counterTopic {
		glog.V(1).Infof("webtest: rejecting join on %s: %v", msg.Topic, err)
		return ls.reply(msg, channel.StatusError, map[string]any{"reason": "unauthorized"})
	}
	ls.srv.mu.Lock()
	ls.srv.joins++
	ls.srv.mu.Unlock()
	rendered := map[string]any{
		"s": counterStatics,
		"0": strconv.Itoa(ls.count),
		"1": html.EscapeString(ls.name),
	}
	return ls.reply(msg, channel.StatusOK, map[string]any{"rendered": rendered})
}

func (ls *liveSession) handleEvent(msg *channel.Message) error {
	var ev struct {
		Type  string          `json:"type"`
		Event string          `json:"event"`
		Value json.RawMessage `json:"value"`
	}
	if err := msg.DecodePayload(&ev); err != nil {
		return ls.reply(msg, channel.StatusError, map[string]any{"reason": "malformed event"})
	}
	switch ev.Event {
	case "inc":
		step := 1
		var vals map[string]string
		if err := json.Unmarshal(ev.Value, &vals); err == nil {
			if n, err := strconv.Atoi(vals["step"]); err == nil {
				step = n
			}
		}
		ls.count += step
		diff := map[string]any{"0": strconv.Itoa(ls.count)}
		return ls.reply(msg, channel.StatusOK, map[string]any{"diff": diff})
	case "rename":
		// Form events arrive as a urlencoded string.
		var encoded string
		if err := json.Unmarshal(ev.Value, &encoded); err != nil {
			return ls.reply(msg, channel.StatusError, map[string]any{"reason": "malformed form value"})
		}
		vals, err := url.ParseQuery(encoded)
		if err != nil {
			return ls.reply(msg, channel.StatusError, map[string]any{"reason": "malformed form value"})
		}
		ls.name = vals.Get("name")
		diff := map[string]any{"1": html.EscapeString(ls.name)}
		return ls.reply(msg, channel.StatusOK, map[string]any{"diff": diff})
	default:
		return ls.reply(msg, channel.StatusError, map[string]any{"reason": "no handler for " + ev.Event})
	}
}

func (ls *liveSession) reply(to *channel.Message, status string, response any) error {
	payload := channel.Reply{Status: status}
	if response != nil {
		raw, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("webtest: marshal response: %w", err)
		}
		payload.Response = raw
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return fmt.Errorf("webtest: marshal reply: %w", err)
	}
	out := &channel.Message{
		JoinRef: to.JoinRef,
		Ref:     to.Ref,
		Topic:   to.Topic,
		Event:   channel.EventReply,
		Payload: body,
	}
	buf, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("webtest: marshal frame: %w", err)
	}
	return ls.conn.WriteMessage(websocket.TextMessage, buf)
}
