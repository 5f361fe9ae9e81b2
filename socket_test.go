package liveclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livefir/liveclient/internal/channel"
	"github.com/livefir/liveclient/internal/upload"
)

var liveUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stubServer serves live pages over plain HTTP and speaks the channel
// envelope protocol on the websocket endpoint. Heartbeats are
// acknowledged automatically; every other frame goes to the scenario
// handler.
type stubServer struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(c *serverConn, msg channel.Message)
	binary func(c *serverConn, joinRef, ref, topic string, chunk []byte)

	mu    sync.Mutex
	pages map[string]string
	conns []*serverConn
}

// serverConn is one accepted websocket with serialized writes.
type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newStubServer(t *testing.T, handle func(c *serverConn, msg channel.Message)) *stubServer {
	t.Helper()
	s := &stubServer{t: t, handle: handle, pages: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultLiveWSPath, s.serveWS)
	mux.HandleFunc("/", s.servePage)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubServer) page(path, markup string) {
	s.mu.Lock()
	s.pages[path] = markup
	s.mu.Unlock()
}

func (s *stubServer) url(path string) string { return s.srv.URL + path }

func (s *stubServer) servePage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	markup, ok := s.pages[r.URL.Path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(markup))
}

func (s *stubServer) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{ws: ws}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	defer ws.Close()
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			joinRef, ref, topic, chunk, derr := upload.DecodeChunkFrame(data)
			if derr != nil {
				s.t.Errorf("server got bad chunk frame: %v", derr)
				return
			}
			if s.binary != nil {
				s.binary(c, joinRef, ref, topic, chunk)
			}
			continue
		}
		var msg channel.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.t.Errorf("server got malformed frame: %v", err)
			return
		}
		if msg.Event == channel.EventHeartbeat {
			c.reply(s.t, msg, channel.StatusOK, `{}`)
			continue
		}
		if s.handle != nil {
			s.handle(c, msg)
		}
	}
}

// conn waits for the i'th accepted websocket.
func (s *stubServer) conn(t *testing.T, i int) *serverConn {
	t.Helper()
	var c *serverConn
	waitFor(t, "websocket connection", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.conns) > i {
			c = s.conns[i]
			return true
		}
		return false
	})
	return c
}

// dropConns severs every live websocket from the server side.
func (s *stubServer) dropConns() {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// reply answers msg with a reply frame.
func (c *serverConn) reply(t *testing.T, msg channel.Message, status, response string) {
	t.Helper()
	c.send(t, channel.Message{
		JoinRef: msg.JoinRef,
		Ref:     msg.Ref,
		Topic:   msg.Topic,
		Event:   channel.EventReply,
		Payload: json.RawMessage(`{"status":"` + status + `","response":` + response + `}`),
	})
}

// ack answers a binary chunk frame.
func (c *serverConn) ack(t *testing.T, joinRef, ref, topic, status string) {
	t.Helper()
	c.send(t, channel.Message{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   channel.EventReply,
		Payload: json.RawMessage(`{"status":"` + status + `","response":{}}`),
	})
}

// push writes a server-initiated frame on topic.
func (c *serverConn) push(t *testing.T, topic, event, payload string) {
	t.Helper()
	c.send(t, channel.Message{
		Topic:   topic,
		Event:   event,
		Payload: json.RawMessage(payload),
	})
}

func (c *serverConn) send(t *testing.T, msg channel.Message) {
	t.Helper()
	data, err := json.Marshal(&msg)
	if err != nil {
		t.Errorf("marshal server frame: %v", err)
		return
	}
	c.mu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		// The client may legitimately be gone already.
		t.Logf("server write: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// mustConnect opens path on the stub server and connects the socket.
func mustConnect(t *testing.T, s *stubServer, path string, opts ...Option) *Socket {
	t.Helper()
	sock, err := Open(context.Background(), s.url(path), opts...)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := sock.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

// capturedEvent is the decoded payload of one pushed render event.
type capturedEvent struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Value     json.RawMessage `json:"value"`
	FileCount int             `json:"file_count"`
	FileData  []upload.Entry  `json:"file_data"`
}

const counterPage = `<!DOCTYPE html>
<html>
<head><title>Counter</title></head>
<body>
<div id="view-1" data-lvt-view="CounterLive" data-lvt-session="sess-1" data-lvt-static="cache-1">
  <p>loading...</p>
</div>
</body>
</html>`

// counterRendered is the counter view's full render tree with one
// dynamic slot.
func counterRendered(count string) string {
	return `{"s":["<p id=\"count\">count: ","</p><button id=\"inc\" lvt-click=\"inc\" lvt-value-step=\"2\">+</button>"],"0":"` + count + `"}`
}

// counterHandler joins the counter view and acknowledges leaves.
func counterHandler(t *testing.T) func(c *serverConn, msg channel.Message) {
	return func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	}
}

func TestConnectJoinsRootView(t *testing.T) {
	type joinParams struct {
		URL     string         `json:"url"`
		Params  map[string]any `json:"params"`
		Session string         `json:"session"`
		Static  string         `json:"static"`
	}
	joins := make(chan joinParams, 1)
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			var p joinParams
			if err := msg.DecodePayload(&p); err != nil {
				t.Errorf("decode join payload: %v", err)
			}
			joins <- p
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/counter", counterPage)

	sock := mustConnect(t, s, "/counter", WithParams(map[string]any{"user": "u1"}))

	var p joinParams
	select {
	case p = <-joins:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a join")
	}
	if p.Session != "sess-1" || p.Static != "cache-1" {
		t.Errorf("join carried session %q static %q", p.Session, p.Static)
	}
	if p.URL != s.url("/counter") {
		t.Errorf("join url = %q, want %q", p.URL, s.url("/counter"))
	}
	if p.Params["user"] != "u1" {
		t.Errorf("join params = %v, want user=u1", p.Params)
	}

	if got, ok := sock.Find("#count"); !ok || !strings.Contains(got, "count: 0") {
		t.Fatalf("document not rendered after join: %q", got)
	}
	if got, _ := sock.Find("#view-1"); !strings.Contains(got, classConnected) {
		t.Errorf("root element missing connected class: %q", got)
	}
	if state, _ := sock.ViewState("view-1"); state != "joined" {
		t.Errorf("view state = %q, want joined", state)
	}
	m := sock.Metrics()
	if m.ViewsJoined != 1 {
		t.Errorf("ViewsJoined = %d, want 1", m.ViewsJoined)
	}
	if m.FramesSent == 0 || m.FramesReceived == 0 {
		t.Errorf("frame counters not advancing: sent %d received %d", m.FramesSent, m.FramesReceived)
	}
}

func TestConnectFailsWithoutLiveViews(t *testing.T) {
	s := newStubServer(t, nil)
	s.page("/static", `<!DOCTYPE html><html><head><title>s</title></head><body><p>nothing live here</p></body></html>`)

	sock, err := Open(context.Background(), s.url("/static"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	err = sock.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no live view") {
		t.Fatalf("connect error = %v, want no live view", err)
	}
}

func TestClickPushesEventAndAppliesReplyDiff(t *testing.T) {
	events := make(chan capturedEvent, 4)
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case "event":
			var ev capturedEvent
			if err := msg.DecodePayload(&ev); err != nil {
				t.Errorf("decode event payload: %v", err)
			}
			events <- ev
			c.reply(t, msg, channel.StatusOK, `{"diff":{"0":"1"}}`)
		}
	})
	s.page("/counter", counterPage)

	sock := mustConnect(t, s, "/counter")

	if err := sock.Click(context.Background(), "#inc"); err != nil {
		t.Fatalf("click failed: %v", err)
	}

	ev := <-events
	if ev.Type != "click" || ev.Event != "inc" {
		t.Errorf("event = %s/%s, want click/inc", ev.Type, ev.Event)
	}
	var vals map[string]string
	if err := json.Unmarshal(ev.Value, &vals); err != nil {
		t.Fatalf("click value is not an object: %v", err)
	}
	if vals["step"] != "2" {
		t.Errorf("click value = %v, want step=2", vals)
	}

	if got, _ := sock.Find("#count"); !strings.Contains(got, "count: 1") {
		t.Fatalf("reply diff not applied: %q", got)
	}
	m := sock.Metrics()
	if m.EventsPushed != 1 || m.DiffsApplied != 1 || m.RepliesOK == 0 {
		t.Errorf("metrics: pushed %d applied %d ok %d", m.EventsPushed, m.DiffsApplied, m.RepliesOK)
	}
}

func TestClickWithoutBindingFails(t *testing.T) {
	s := newStubServer(t, counterHandler(t))
	s.page("/counter", counterPage)
	sock := mustConnect(t, s, "/counter")

	err := sock.Click(context.Background(), "#count")
	if err == nil || !strings.Contains(err.Error(), "lvt-click") {
		t.Fatalf("click on unbound element = %v, want missing binding error", err)
	}
}

func TestServerPushedDiffSignalsUpdate(t *testing.T) {
	s := newStubServer(t, counterHandler(t))
	s.page("/counter", counterPage)

	updates := make(chan string, 16)
	sock := mustConnect(t, s, "/counter", OnUpdate(func(viewID string) { updates <- viewID }))

	// The join itself signals once.
	select {
	case id := <-updates:
		if id != "view-1" {
			t.Fatalf("join update signal for %q, want view-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update signal for the join")
	}

	s.conn(t, 0).push(t, "lv:view-1", "diff", `{"0":"42"}`)

	select {
	case id := <-updates:
		if id != "view-1" {
			t.Errorf("diff update signal for %q, want view-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update signal for the pushed diff")
	}
	if got, _ := sock.Find("#count"); !strings.Contains(got, "count: 42") {
		t.Fatalf("pushed diff not applied: %q", got)
	}
	if m := sock.Metrics(); m.DiffsApplied != 1 {
		t.Errorf("DiffsApplied = %d, want 1", m.DiffsApplied)
	}
}

const searchPage = `<!DOCTYPE html>
<html>
<head><title>Search</title></head>
<body>
<div id="view-2" data-lvt-view="SearchLive" data-lvt-session="sess-2">
  <p>loading...</p>
</div>
</body>
</html>`

func searchRendered(result string) string {
	return `{"s":["<form id=\"f\" lvt-change=\"validate\" lvt-submit=\"search\"><input id=\"q\" type=\"text\" name=\"q\" value=\"\"><span id=\"out\">","</span></form>"],"0":"` + result + `"}`
}

func TestInputSerializesFormAndKeepsFocusedValue(t *testing.T) {
	events := make(chan capturedEvent, 4)
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+searchRendered("")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case "event":
			var ev capturedEvent
			_ = msg.DecodePayload(&ev)
			events <- ev
			c.reply(t, msg, channel.StatusOK, `{"diff":{"0":"12 results"}}`)
		}
	})
	s.page("/search", searchPage)

	sock := mustConnect(t, s, "/search")

	if err := sock.Input(context.Background(), "#q", "hello"); err != nil {
		t.Fatalf("input failed: %v", err)
	}

	ev := <-events
	if ev.Type != "form" || ev.Event != "validate" {
		t.Errorf("event = %s/%s, want form/validate", ev.Type, ev.Event)
	}
	var form string
	if err := json.Unmarshal(ev.Value, &form); err != nil {
		t.Fatalf("form value is not a string: %v", err)
	}
	if form != "q=hello&_target=q" {
		t.Errorf("form value = %q, want q=hello&_target=q", form)
	}

	if got, _ := sock.Find("#out"); !strings.Contains(got, "12 results") {
		t.Fatalf("validation diff not applied: %q", got)
	}
	// The full re-render carries value="" in the statics; the focused
	// control keeps what was typed.
	if got, _ := sock.Find("#q"); !strings.Contains(got, `value="hello"`) {
		t.Errorf("focused input lost its value: %q", got)
	}
}

const widgetsPage = `<!DOCTYPE html>
<html>
<head><title>Widgets</title></head>
<body>
<div id="view-4" data-lvt-view="WidgetsLive" data-lvt-session="sess-4">
  <p>loading...</p>
</div>
</body>
</html>`

const widgetsRendered = `{"s":["<input id=\"ki\" type=\"text\" name=\"ki\" value=\"abc\" lvt-keydown=\"shortcut\" lvt-keyup=\"lifted\"><input id=\"fi\" type=\"text\" name=\"fi\" lvt-focus=\"focused\" lvt-blur=\"blurred\">"]}`

func TestKeyAndFocusEventsCarryBindings(t *testing.T) {
	events := make(chan capturedEvent, 8)
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+widgetsRendered+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case "event":
			var ev capturedEvent
			_ = msg.DecodePayload(&ev)
			events <- ev
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/widgets", widgetsPage)

	sock := mustConnect(t, s, "/widgets")
	ctx := context.Background()

	if err := sock.Keydown(ctx, "#ki", "Enter"); err != nil {
		t.Fatalf("keydown failed: %v", err)
	}
	if err := sock.Keyup(ctx, "#ki", "Enter"); err != nil {
		t.Fatalf("keyup failed: %v", err)
	}
	if err := sock.Focus(ctx, "#fi"); err != nil {
		t.Fatalf("focus failed: %v", err)
	}
	if err := sock.Blur(ctx, "#fi"); err != nil {
		t.Fatalf("blur failed: %v", err)
	}

	want := []struct{ typ, event string }{
		{"keydown", "shortcut"},
		{"keyup", "lifted"},
		{"focus", "focused"},
		{"blur", "blurred"},
	}
	for i, w := range want {
		ev := <-events
		if ev.Type != w.typ || ev.Event != w.event {
			t.Errorf("event %d = %s/%s, want %s/%s", i, ev.Type, ev.Event, w.typ, w.event)
		}
		if w.typ == "keydown" {
			var vals map[string]string
			if err := json.Unmarshal(ev.Value, &vals); err != nil {
				t.Fatalf("keydown value is not an object: %v", err)
			}
			if vals["key"] != "Enter" || vals["value"] != "abc" {
				t.Errorf("keydown value = %v, want key=Enter value=abc", vals)
			}
		}
	}
}

const uploadPage = `<!DOCTYPE html>
<html>
<head><title>Upload</title></head>
<body>
<div id="view-5" data-lvt-view="UploadLive" data-lvt-session="sess-5">
  <p>loading...</p>
</div>
</body>
</html>`

const uploadRendered = `{"s":["<form id=\"uf\" lvt-submit=\"save\"><input type=\"text\" name=\"title\" value=\"pic\"><input id=\"av\" type=\"file\" name=\"avatar\"><button id=\"sb\" type=\"submit\" data-lvt-disable-with=\"Saving...\">Save</button></form>"]}`

func TestSubmitUploadsFilesBeforeForm(t *testing.T) {
	var (
		opsMu sync.Mutex
		ops   []string
	)
	add := func(op string) {
		opsMu.Lock()
		ops = append(ops, op)
		opsMu.Unlock()
	}
	snapshot := func() []string {
		opsMu.Lock()
		defer opsMu.Unlock()
		return append([]string(nil), ops...)
	}

	formEvents := make(chan capturedEvent, 1)
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			if strings.HasPrefix(msg.Topic, upload.TopicPrefix) {
				add("join " + msg.Topic)
				c.reply(t, msg, channel.StatusOK, `{}`)
				return
			}
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+uploadRendered+`}`)
		case channel.EventLeave:
			if strings.HasPrefix(msg.Topic, upload.TopicPrefix) {
				add("leave " + msg.Topic)
			}
			c.reply(t, msg, channel.StatusOK, `{}`)
		case upload.EventGetUploadRef:
			add("ref")
			c.reply(t, msg, channel.StatusOK, `{"ref":"u1","chunk_size":4}`)
		case "event":
			var ev capturedEvent
			_ = msg.DecodePayload(&ev)
			add("form")
			formEvents <- ev
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.binary = func(c *serverConn, joinRef, ref, topic string, chunk []byte) {
		add(fmt.Sprintf("chunk %d", len(chunk)))
		c.ack(t, joinRef, ref, topic, channel.StatusOK)
	}
	s.page("/upload", uploadPage)

	var (
		progMu   sync.Mutex
		progress []int64
	)
	sock := mustConnect(t, s, "/upload", WithUploadProgress(func(field, name string, sent, total int64) {
		progMu.Lock()
		progress = append(progress, sent)
		progMu.Unlock()
	}))

	err := sock.Submit(context.Background(), "#uf", FormFile{
		Field:   "avatar",
		Name:    "a.bin",
		Type:    "application/octet-stream",
		Size:    10,
		Content: strings.NewReader("0123456789"),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// The server-negotiated chunk size of 4 splits 10 bytes into 4+4+2,
	// each acknowledged before the next is read.
	want := []string{"ref", "join lvu:u1", "chunk 4", "chunk 4", "chunk 2", "leave lvu:u1", "form"}
	got := snapshot()
	if len(got) != len(want) {
		t.Fatalf("server saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("operation %d = %q, want %q (full order %v)", i, got[i], want[i], got)
		}
	}

	ev := <-formEvents
	if ev.Type != "form" || ev.Event != "save" {
		t.Errorf("form event = %s/%s, want form/save", ev.Type, ev.Event)
	}
	var form string
	if err := json.Unmarshal(ev.Value, &form); err != nil {
		t.Fatalf("form value is not a string: %v", err)
	}
	if form != "title=pic" {
		t.Errorf("form value = %q, want title=pic", form)
	}
	if ev.FileCount != 1 || len(ev.FileData) != 1 {
		t.Fatalf("form carried %d/%d file entries, want 1", ev.FileCount, len(ev.FileData))
	}
	entry := ev.FileData[0]
	if entry.Ref != "u1" || entry.Field != "avatar" || entry.Name != "a.bin" || entry.Size != 10 {
		t.Errorf("file entry = %+v", entry)
	}

	progMu.Lock()
	gotProgress := append([]int64(nil), progress...)
	progMu.Unlock()
	if len(gotProgress) != 3 || gotProgress[0] != 4 || gotProgress[1] != 8 || gotProgress[2] != 10 {
		t.Errorf("progress = %v, want [4 8 10]", gotProgress)
	}

	if got, _ := sock.Find("#uf"); strings.Contains(got, classLoading) {
		t.Errorf("form still disabled after reply: %q", got)
	}
	if got, _ := sock.Find("#sb"); !strings.Contains(got, ">Save<") {
		t.Errorf("submit label not restored: %q", got)
	}
	m := sock.Metrics()
	if m.UploadsStarted != 1 || m.UploadsCompleted != 1 || m.UploadBytes != 10 {
		t.Errorf("upload metrics: started %d completed %d bytes %d", m.UploadsStarted, m.UploadsCompleted, m.UploadBytes)
	}
}

func TestUploadFailureAbortsSubmit(t *testing.T) {
	var sentForm atomic.Bool
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			if strings.HasPrefix(msg.Topic, upload.TopicPrefix) {
				c.reply(t, msg, channel.StatusOK, `{}`)
				return
			}
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+uploadRendered+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case upload.EventGetUploadRef:
			c.reply(t, msg, channel.StatusOK, `{"ref":"u2","chunk_size":4}`)
		case "event":
			sentForm.Store(true)
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	var chunks int32
	s.binary = func(c *serverConn, joinRef, ref, topic string, chunk []byte) {
		if atomic.AddInt32(&chunks, 1) == 2 {
			c.ack(t, joinRef, ref, topic, channel.StatusError)
			return
		}
		c.ack(t, joinRef, ref, topic, channel.StatusOK)
	}
	s.page("/upload", uploadPage)

	sock := mustConnect(t, s, "/upload")

	err := sock.Submit(context.Background(), "#uf", FormFile{
		Field:   "avatar",
		Name:    "big.bin",
		Type:    "application/octet-stream",
		Size:    10,
		Content: strings.NewReader("0123456789"),
	})
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("submit error = %v, want UploadError", err)
	}
	if ue.Field != "avatar" || ue.Name != "big.bin" {
		t.Errorf("upload error names %s/%s", ue.Field, ue.Name)
	}
	if sentForm.Load() {
		t.Error("form event pushed despite failed upload")
	}
	if got, _ := sock.Find("#uf"); strings.Contains(got, classLoading) {
		t.Errorf("form not restored after failed upload: %q", got)
	}
	m := sock.Metrics()
	if m.UploadsFailed != 1 || m.UploadsCompleted != 0 {
		t.Errorf("upload metrics: failed %d completed %d", m.UploadsFailed, m.UploadsCompleted)
	}
}

func TestSubmitRejectsUnknownFileField(t *testing.T) {
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+uploadRendered+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/upload", uploadPage)

	sock := mustConnect(t, s, "/upload")

	err := sock.Submit(context.Background(), "#uf", FormFile{
		Field:   "banner",
		Name:    "b.png",
		Size:    3,
		Content: strings.NewReader("abc"),
	})
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("submit error = %v, want UploadError for unknown field", err)
	}
	if got, _ := sock.Find("#uf"); strings.Contains(got, classLoading) {
		t.Errorf("form left disabled: %q", got)
	}
}

func TestNavigateCommitsAndReplaysBufferedDiffs(t *testing.T) {
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case "link":
			var p struct {
				URL string `json:"url"`
			}
			_ = msg.DecodePayload(&p)
			if p.URL != "/next" {
				t.Errorf("link url = %q, want /next", p.URL)
			}
			// Diffs land before the reply; the client holds them back
			// until the navigation commits.
			c.push(t, "lv:view-1", "diff", `{"0":"7"}`)
			c.push(t, "lv:view-1", "diff", `{"0":"8"}`)
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/counter", counterPage)

	sock := mustConnect(t, s, "/counter")

	if err := sock.Navigate(context.Background(), "/next"); err != nil {
		t.Fatalf("navigate failed: %v", err)
	}
	if sock.Href() != s.url("/next") {
		t.Errorf("href = %q, want %q", sock.Href(), s.url("/next"))
	}
	if got, _ := sock.Find("#count"); !strings.Contains(got, "count: 8") {
		t.Fatalf("buffered diffs not replayed in order: %q", got)
	}
	m := sock.Metrics()
	if m.DiffsBuffered != 2 || m.DiffsReplayed != 2 || m.NavigationsCommitted != 1 {
		t.Errorf("metrics: buffered %d replayed %d committed %d", m.DiffsBuffered, m.DiffsReplayed, m.NavigationsCommitted)
	}
}

func TestRapidNavigationLastWriterWins(t *testing.T) {
	gotA := make(chan struct{})
	releaseA := make(chan struct{})
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case "link":
			var p struct {
				URL string `json:"url"`
			}
			_ = msg.DecodePayload(&p)
			switch p.URL {
			case "/a":
				// Held until /b has been answered, so /a resolves second.
				go func(c *serverConn, msg channel.Message) {
					<-releaseA
					c.reply(t, msg, channel.StatusOK, `{}`)
				}(c, msg)
				close(gotA)
			case "/b":
				c.reply(t, msg, channel.StatusOK, `{}`)
				close(releaseA)
			}
		}
	})
	s.page("/counter", counterPage)

	sock := mustConnect(t, s, "/counter")

	navA := make(chan error, 1)
	go func() { navA <- sock.Navigate(context.Background(), "/a") }()
	select {
	case <-gotA:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the first navigation")
	}

	if err := sock.Navigate(context.Background(), "/b"); err != nil {
		t.Fatalf("second navigate failed: %v", err)
	}
	select {
	case err := <-navA:
		if err != nil {
			t.Errorf("superseded navigate = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first navigate never resolved")
	}

	if sock.Href() != s.url("/b") {
		t.Errorf("href = %q, want %q", sock.Href(), s.url("/b"))
	}
	m := sock.Metrics()
	if m.NavigationsCommitted != 1 || m.NavigationsSuperseded != 1 {
		t.Errorf("metrics: committed %d superseded %d", m.NavigationsCommitted, m.NavigationsSuperseded)
	}
}

func TestNavigateErrorResumesBufferedDiffs(t *testing.T) {
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case "link":
			c.push(t, "lv:view-1", "diff", `{"0":"9"}`)
			c.reply(t, msg, channel.StatusError, `{"reason":"not_found"}`)
		}
	})
	s.page("/counter", counterPage)

	sock := mustConnect(t, s, "/counter")

	err := sock.Navigate(context.Background(), "/missing")
	var ce *ChannelError
	if !errors.As(err, &ce) {
		t.Fatalf("navigate error = %v, want ChannelError", err)
	}
	if ce.Reason != "not_found" {
		t.Errorf("reason = %q, want not_found", ce.Reason)
	}
	if sock.Href() != s.url("/counter") {
		t.Errorf("href moved to %q on failed navigation", sock.Href())
	}
	// The held diff is released once the navigation fails.
	if got, _ := sock.Find("#count"); !strings.Contains(got, "count: 9") {
		t.Fatalf("buffered diff lost after failed navigation: %q", got)
	}
	if got, _ := sock.Find("#view-1"); !strings.Contains(got, classError) {
		t.Errorf("root element missing error class: %q", got)
	}
}

func TestServerCloseTearsDownViewWithoutLeave(t *testing.T) {
	var leaves int32
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
		case channel.EventLeave:
			atomic.AddInt32(&leaves, 1)
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/counter", counterPage)

	sock := mustConnect(t, s, "/counter")

	s.conn(t, 0).push(t, "lv:view-1", channel.EventClose, `{}`)

	waitFor(t, "view teardown", func() bool { return len(sock.Views()) == 0 })
	if n := atomic.LoadInt32(&leaves); n != 0 {
		t.Errorf("server-closed view pushed %d leaves, want 0", n)
	}
	if m := sock.Metrics(); m.ViewsDestroyed != 1 {
		t.Errorf("ViewsDestroyed = %d, want 1", m.ViewsDestroyed)
	}
}

const nestedPage = `<!DOCTYPE html>
<html>
<head><title>Nested</title></head>
<body>
<div id="view-p" data-lvt-view="ParentLive" data-lvt-session="ps-1">
  <p>loading...</p>
</div>
</body>
</html>`

func parentRendered(childSession string) string {
	return `{"s":["<p id=\"plabel\">parent</p><div id=\"view-c\" data-lvt-view=\"ChildLive\" data-lvt-parent=\"view-p\" data-lvt-session=\"` + childSession + `\"></div>"]}`
}

func childRendered(body string) string {
	return `{"s":["<p id=\"cbody\">` + body + `</p>"]}`
}

func TestNestedViewJoinsAndRejoinsOnSessionChange(t *testing.T) {
	var (
		sessMu   sync.Mutex
		sessions []string
	)
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			switch msg.Topic {
			case "lv:view-p":
				c.reply(t, msg, channel.StatusOK, `{"rendered":`+parentRendered("cs-1")+`}`)
			case "lv:view-c":
				var p struct {
					Session string `json:"session"`
				}
				_ = msg.DecodePayload(&p)
				sessMu.Lock()
				sessions = append(sessions, p.Session)
				n := len(sessions)
				sessMu.Unlock()
				c.reply(t, msg, channel.StatusOK, `{"rendered":`+childRendered(fmt.Sprintf("child render %d", n))+`}`)
			default:
				t.Errorf("join on unexpected topic %q", msg.Topic)
			}
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/nested", nestedPage)

	sock := mustConnect(t, s, "/nested")

	// The child placeholder appears in the parent's first render and
	// joins on its own channel.
	waitFor(t, "child join", func() bool {
		state, ok := sock.ViewState("view-c")
		return ok && state == "joined"
	})
	if got, _ := sock.Find("#cbody"); !strings.Contains(got, "child render 1") {
		t.Fatalf("child content missing: %q", got)
	}

	// A parent re-render with a fresh child session token forces the
	// child through a full leave and rejoin.
	s.conn(t, 0).push(t, "lv:view-p", "diff", parentRendered("cs-2"))
	waitFor(t, "child rejoin", func() bool {
		got, _ := sock.Find("#cbody")
		return strings.Contains(got, "child render 2")
	})

	sessMu.Lock()
	gotSessions := append([]string(nil), sessions...)
	sessMu.Unlock()
	if len(gotSessions) != 2 || gotSessions[0] != "cs-1" || gotSessions[1] != "cs-2" {
		t.Errorf("child join sessions = %v, want [cs-1 cs-2]", gotSessions)
	}
	m := sock.Metrics()
	if m.ViewsJoined != 3 {
		t.Errorf("ViewsJoined = %d, want 3 (parent + child twice)", m.ViewsJoined)
	}
	if m.ViewsDestroyed != 1 {
		t.Errorf("ViewsDestroyed = %d, want 1", m.ViewsDestroyed)
	}
}

const hookPage = `<!DOCTYPE html>
<html>
<head><title>Hooked</title></head>
<body>
<div id="view-h" data-lvt-view="HookedLive" data-lvt-session="sess-h">
  <p>loading...</p>
</div>
</body>
</html>`

func hookRendered(msg string) string {
	return `{"s":["<span id=\"st\" data-lvt-hook=\"Status\">st</span><em id=\"hmsg\">","</em>"],"0":"` + msg + `"}`
}

// statusHook records its lifecycle callbacks.
type statusHook struct {
	BaseHook
	mu     sync.Mutex
	events []string
}

func (h *statusHook) record(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *statusHook) Mounted(*HookContext)      { h.record("mounted") }
func (h *statusHook) Disconnected(*HookContext) { h.record("disconnected") }
func (h *statusHook) Reconnected(*HookContext)  { h.record("reconnected") }
func (h *statusHook) Destroyed(*HookContext)    { h.record("destroyed") }

func (h *statusHook) count(ev string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == ev {
			n++
		}
	}
	return n
}

func TestDisconnectFlagsViewsAndReconnectRejoins(t *testing.T) {
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+hookRendered("idle")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/hooked", hookPage)

	hook := &statusHook{}
	sock := mustConnect(t, s, "/hooked",
		WithHook("Status", func() Hook { return hook }),
		WithReconnectDelay(25*time.Millisecond, 200*time.Millisecond),
	)

	waitFor(t, "hook mount", func() bool { return hook.count("mounted") == 1 })

	s.dropConns()

	waitFor(t, "disconnected state", func() bool {
		got, _ := sock.Find("#view-h")
		return strings.Contains(got, classDisconnected)
	})
	waitFor(t, "hook disconnect callback", func() bool { return hook.count("disconnected") >= 1 })

	// The transport reconnects on its own and rejoins the surviving view.
	waitFor(t, "reconnected state", func() bool {
		got, _ := sock.Find("#view-h")
		return strings.Contains(got, classConnected) && !strings.Contains(got, classDisconnected)
	})
	waitFor(t, "hook reconnect callback", func() bool { return hook.count("reconnected") >= 1 })

	if n := hook.count("mounted"); n != 1 {
		t.Errorf("hook mounted %d times across reconnect, want 1", n)
	}
	m := sock.Metrics()
	if m.Disconnects == 0 || m.Reconnects == 0 {
		t.Errorf("metrics: disconnects %d reconnects %d", m.Disconnects, m.Reconnects)
	}
}

// tickHook pushes an event as soon as it mounts.
type tickHook struct {
	statusHook
}

func (h *tickHook) Mounted(ctx *HookContext) {
	h.record("mounted")
	if err := ctx.PushEvent("tick", map[string]any{"n": 1}); err != nil {
		h.record("push failed")
	}
}

func TestHookPushesEventAndIsDestroyedOnRemoval(t *testing.T) {
	events := make(chan capturedEvent, 4)
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+hookRendered("idle")+`}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case "event":
			var ev capturedEvent
			_ = msg.DecodePayload(&ev)
			events <- ev
			c.reply(t, msg, channel.StatusOK, `{"diff":{"0":"ticked"}}`)
		}
	})
	s.page("/hooked", hookPage)

	hook := &tickHook{}
	sock := mustConnect(t, s, "/hooked", WithHook("Status", func() Hook { return hook }))

	var ev capturedEvent
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("hook event never reached the server")
	}
	if ev.Type != "hook" || ev.Event != "tick" {
		t.Errorf("event = %s/%s, want hook/tick", ev.Type, ev.Event)
	}
	waitFor(t, "hook event reply diff", func() bool {
		got, _ := sock.Find("#hmsg")
		return strings.Contains(got, "ticked")
	})

	// A render without the hook element destroys its binding exactly once.
	s.conn(t, 0).push(t, "lv:view-h", "diff", `{"s":["<em id=\"hmsg\">","</em>"],"0":"bye"}`)
	waitFor(t, "hook destroy", func() bool { return hook.count("destroyed") == 1 })

	if got, _ := sock.Find("#hmsg"); !strings.Contains(got, "bye") {
		t.Errorf("replacement render not applied: %q", got)
	}
	m := sock.Metrics()
	if m.HooksMounted != 1 || m.HooksDestroyed != 1 {
		t.Errorf("hook metrics: mounted %d destroyed %d", m.HooksMounted, m.HooksDestroyed)
	}
}

func TestMalformedDiffIsFatal(t *testing.T) {
	s := newStubServer(t, counterHandler(t))
	s.page("/counter", counterPage)

	fatals := make(chan error, 1)
	sock := mustConnect(t, s, "/counter", OnFatal(func(err error) { fatals <- err }))

	s.conn(t, 0).push(t, "lv:view-1", "diff", `[1,2,3]`)

	var err error
	select {
	case err = <-fatals:
	case <-time.After(2 * time.Second):
		t.Fatal("fatal callback never fired")
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("fatal error = %v, want ProtocolError", err)
	}
	if pe.ViewID != "view-1" {
		t.Errorf("protocol error names view %q, want view-1", pe.ViewID)
	}
	if sock.Err() == nil {
		t.Error("Err() not latched after fatal")
	}
	if err := sock.Click(context.Background(), "#inc"); err == nil {
		t.Error("operations still succeed after fatal")
	}
	if got, _ := sock.Find("#view-1"); !strings.Contains(got, classError) {
		t.Errorf("root element missing error class: %q", got)
	}
}

func TestJoinErrorSurfacesOnConnect(t *testing.T) {
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusError, `{"reason":"unauthorized"}`)
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/counter", counterPage)

	sock, err := Open(context.Background(), s.url("/counter"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	err = sock.Connect(context.Background())
	var ce *ChannelError
	if !errors.As(err, &ce) {
		t.Fatalf("connect error = %v, want ChannelError", err)
	}
	if ce.Reason != "unauthorized" {
		t.Errorf("reason = %q, want unauthorized", ce.Reason)
	}
	if state, _ := sock.ViewState("view-1"); state != "errored" {
		t.Errorf("view state = %q, want errored", state)
	}
	if got, _ := sock.Find("#view-1"); !strings.Contains(got, classError) || !strings.Contains(got, classDisconnected) {
		t.Errorf("root element missing error state classes: %q", got)
	}
	if m := sock.Metrics(); m.JoinFailures == 0 {
		t.Error("JoinFailures not counted")
	}
}

const plainPage = `<!DOCTYPE html>
<html>
<head><title>Other</title></head>
<body>
<div id="view-9" data-lvt-view="OtherLive" data-lvt-session="sess-9">
  <p>loading...</p>
</div>
</body>
</html>`

const plainRendered = `{"s":["<p id=\"other\">other page</p>"]}`

func TestEventReplyRedirectLoadsNewPage(t *testing.T) {
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			switch msg.Topic {
			case "lv:view-1":
				c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
			case "lv:view-9":
				c.reply(t, msg, channel.StatusOK, `{"rendered":`+plainRendered+`}`)
			}
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		case "event":
			c.reply(t, msg, channel.StatusOK, `{"redirect":{"to":"/plain"}}`)
		}
	})
	s.page("/counter", counterPage)
	s.page("/plain", plainPage)

	sock := mustConnect(t, s, "/counter")

	if err := sock.Click(context.Background(), "#inc"); err != nil {
		t.Fatalf("click failed: %v", err)
	}

	// The redirect runs as a full page load off the reply path.
	waitFor(t, "redirect page load", func() bool { return sock.Href() == s.url("/plain") })
	waitFor(t, "new root join", func() bool {
		state, ok := sock.ViewState("view-9")
		return ok && state == "joined"
	})
	if got, _ := sock.Find("#other"); !strings.Contains(got, "other page") {
		t.Fatalf("new page not rendered: %q", got)
	}
	if _, ok := sock.ViewState("view-1"); ok {
		t.Error("old view still tracked after page replacement")
	}
	if m := sock.Metrics(); m.FallbackLoads != 1 {
		t.Errorf("FallbackLoads = %d, want 1", m.FallbackLoads)
	}
}

func TestExternalLiveRedirectSwapsDocument(t *testing.T) {
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			switch msg.Topic {
			case "lv:view-1":
				c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
			case "lv:view-9":
				c.reply(t, msg, channel.StatusOK, `{"rendered":`+plainRendered+`}`)
			}
		case channel.EventLeave:
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/counter", counterPage)
	s.page("/plain", plainPage)

	sock := mustConnect(t, s, "/counter")

	s.conn(t, 0).push(t, "lv:view-1", "external_live_redirect", `{"to":"/plain"}`)

	waitFor(t, "document swap", func() bool { return sock.Href() == s.url("/plain") })
	waitFor(t, "replacement root join", func() bool {
		state, ok := sock.ViewState("view-9")
		return ok && state == "joined"
	})
	if got, _ := sock.Find("#other"); !strings.Contains(got, "other page") {
		t.Fatalf("replacement page not rendered: %q", got)
	}
	if m := sock.Metrics(); m.NavigationsCommitted != 1 {
		t.Errorf("NavigationsCommitted = %d, want 1", m.NavigationsCommitted)
	}
}

func TestCloseLeavesViews(t *testing.T) {
	leaves := make(chan string, 4)
	s := newStubServer(t, func(c *serverConn, msg channel.Message) {
		switch msg.Event {
		case channel.EventJoin:
			c.reply(t, msg, channel.StatusOK, `{"rendered":`+counterRendered("0")+`}`)
		case channel.EventLeave:
			leaves <- msg.Topic
			c.reply(t, msg, channel.StatusOK, `{}`)
		}
	})
	s.page("/counter", counterPage)

	sock, err := Open(context.Background(), s.url("/counter"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := sock.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := sock.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Close waits for the leave handshake before dropping the transport.
	select {
	case topic := <-leaves:
		if topic != "lv:view-1" {
			t.Errorf("leave on %q, want lv:view-1", topic)
		}
	default:
		t.Error("no leave observed before Close returned")
	}
	if err := sock.Close(); err != nil {
		t.Errorf("second close = %v, want nil", err)
	}
	if m := sock.Metrics(); m.ViewsDestroyed != 1 {
		t.Errorf("ViewsDestroyed = %d, want 1", m.ViewsDestroyed)
	}
}

func TestOpenReportsFetchError(t *testing.T) {
	s := newStubServer(t, nil)

	_, err := Open(context.Background(), s.url("/missing"))
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("open error = %v, want FetchError", err)
	}
	if fe.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", fe.StatusCode)
	}
}
