package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrSocketClosed reports use of a socket after Close.
	ErrSocketClosed = errors.New("channel: socket closed")
	// ErrNotConnected reports a push attempted while the transport is down.
	ErrNotConnected = errors.New("channel: not connected")
)

// Settings tunes one socket's transport behavior.
type Settings struct {
	// HeartbeatInterval spaces keepalive pushes on the control topic. A
	// heartbeat that goes unanswered for a full interval tears the
	// connection down so the reconnect loop can take over.
	HeartbeatInterval time.Duration

	// PushTimeout bounds pushes whose caller did not set an explicit one.
	PushTimeout time.Duration

	// ReconnectMinDelay and ReconnectMaxDelay bound the jittered
	// exponential backoff between reconnect attempts.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts gives up after this many consecutive failed
	// dials. Zero means retry forever.
	MaxReconnectAttempts int

	// Header is sent with the websocket handshake.
	Header http.Header

	// Dialer performs the websocket handshake. Nil uses the default.
	Dialer *websocket.Dialer
}

// DefaultSettings returns the transport defaults.
func DefaultSettings() *Settings {
	return &Settings{
		HeartbeatInterval: 30 * time.Second,
		PushTimeout:       10 * time.Second,
		ReconnectMinDelay: 250 * time.Millisecond,
		ReconnectMaxDelay: 15 * time.Second,
	}
}

// Observer receives transport-level notifications. All methods are called
// from socket-owned goroutines and must not block.
type Observer interface {
	FrameSent(m *Message)
	FrameReceived(m *Message)
	BinarySent(topic, ref string, size int)
	SocketDisconnected(err error)
	SocketReconnected(attempts int)
}

type outFrame struct {
	messageType int
	data        []byte
}

// Socket multiplexes channels over one websocket connection. All inbound
// frames are dispatched from a single goroutine, so channel callbacks and
// push completions never run concurrently with each other.
type Socket struct {
	endpoint string
	settings *Settings
	observer Observer
	id       string

	onOpen func(reconnected bool)

	refCounter atomic.Uint64

	mu           sync.Mutex
	conn         *websocket.Conn
	channels     map[string]*Channel
	pending      map[string]*Push
	heartbeatRef string
	connected    bool
	closed       bool

	sendCh chan outFrame
	cancel context.CancelFunc
}

// NewSocket prepares a socket for endpoint. Nil settings use defaults;
// observer may be nil. onOpen, when set, runs after every successful
// (re)connect, before any frame is dispatched from the new connection.
func NewSocket(endpoint string, settings *Settings, observer Observer, onOpen func(reconnected bool)) *Socket {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Socket{
		endpoint: endpoint,
		settings: settings,
		observer: observer,
		onOpen:   onOpen,
		id:       ulid.Make().String(),
		channels: make(map[string]*Channel),
		pending:  make(map[string]*Push),
		sendCh:   make(chan outFrame, 64),
	}
}

// ID returns the socket instance id, assigned once per NewSocket.
func (s *Socket) ID() string {
	return s.id
}

// Connected reports whether the transport is currently up.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// NextRef returns the next monotone frame reference as a decimal string.
func (s *Socket) NextRef() string {
	return strconv.FormatUint(s.refCounter.Add(1), 10)
}

// Connect dials the endpoint. The initial dial failure is returned to the
// caller; once connected, drops are healed by the reconnect loop until
// Close or ctx cancellation.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.mu.Unlock()

	conn, _, err := s.dialer().DialContext(ctx, s.endpoint, s.settings.Header)
	if err != nil {
		return fmt.Errorf("channel: dial %s: %w", s.endpoint, err)
	}
	glog.V(1).Infof("socket %s connected to %s", s.id, s.endpoint)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.attach(conn)
	if s.onOpen != nil {
		s.onOpen(false)
	}
	go s.run(runCtx, conn)
	return nil
}

// attach installs conn as the live connection so pushes issued from open
// callbacks go out on it.
func (s *Socket) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.heartbeatRef = ""
	s.mu.Unlock()
}

// Close tears the socket down permanently.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Socket) dialer() *websocket.Dialer {
	if s.settings.Dialer != nil {
		return s.settings.Dialer
	}
	return websocket.DefaultDialer
}

// run supervises one connection at a time, reconnecting with jittered
// exponential backoff when a session ends.
func (s *Socket) run(ctx context.Context, conn *websocket.Conn) {
	attempts := 0
	for {
		err := s.session(conn)
		if s.observer != nil {
			s.observer.SocketDisconnected(err)
		}
		if ctx.Err() != nil || s.isClosed() {
			return
		}
		glog.Warningf("socket %s disconnected: %v", s.id, err)

		var next *websocket.Conn
		for next == nil {
			attempts++
			if s.settings.MaxReconnectAttempts > 0 && attempts > s.settings.MaxReconnectAttempts {
				glog.Errorf("socket %s giving up after %d reconnect attempts", s.id, attempts-1)
				return
			}
			select {
			case <-time.After(s.backoff(attempts)):
			case <-ctx.Done():
				return
			}
			c, _, err := s.dialer().DialContext(ctx, s.endpoint, s.settings.Header)
			if err != nil {
				glog.V(1).Infof("socket %s reconnect attempt %d failed: %v", s.id, attempts, err)
				continue
			}
			next = c
		}

		glog.Infof("socket %s reconnected after %d attempts", s.id, attempts)
		s.attach(next)
		if s.observer != nil {
			s.observer.SocketReconnected(attempts)
		}
		if s.onOpen != nil {
			s.onOpen(true)
		}
		conn = next
		attempts = 0
	}
}

// backoff doubles from the minimum delay per attempt, capped at the
// maximum, with up to 10% jitter.
func (s *Socket) backoff(attempt int) time.Duration {
	d := s.settings.ReconnectMinDelay << (attempt - 1)
	if d > s.settings.ReconnectMaxDelay || d <= 0 {
		d = s.settings.ReconnectMaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}

// session owns one live connection: a write loop with heartbeats plus the
// read loop that dispatches every inbound frame. The connection is already
// attached; returns when it dies.
func (s *Socket) session(conn *websocket.Conn) error {
	stop := make(chan struct{})
	go s.writeLoop(conn, stop)

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		s.dispatch(data)
	}

	close(stop)
	_ = conn.Close()

	s.mu.Lock()
	s.connected = false
	s.conn = nil
	s.mu.Unlock()
	s.drainSend()
	return readErr
}

// writeLoop serializes all writes to the connection and paces heartbeats.
// Gorilla connections allow a single writer at a time.
func (s *Socket) writeLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.sendCh:
			if err := conn.WriteMessage(frame.messageType, frame.data); err != nil {
				glog.V(1).Infof("socket %s write failed: %v", s.id, err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if !s.sendHeartbeat(conn) {
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

// sendHeartbeat pushes a keepalive on the control topic. A previous
// heartbeat still outstanding means the connection is stale; report false
// so the caller tears it down.
func (s *Socket) sendHeartbeat(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.heartbeatRef != "" {
		s.mu.Unlock()
		glog.Warningf("socket %s heartbeat timeout", s.id)
		return false
	}
	ref := s.NextRef()
	s.heartbeatRef = ref
	s.mu.Unlock()

	msg := &Message{Ref: ref, Topic: ControlTopic, Event: EventHeartbeat}
	data, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false
	}
	if s.observer != nil {
		s.observer.FrameSent(msg)
	}
	return true
}

// drainSend discards frames queued for a connection that no longer exists.
// Their pushes resolve through their own timeouts.
func (s *Socket) drainSend() {
	for {
		select {
		case <-s.sendCh:
		default:
			return
		}
	}
}

// dispatch routes one inbound text frame: replies resolve their pending
// push, everything else lands on the owning channel.
func (s *Socket) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		glog.Warningf("socket %s dropping malformed frame: %v", s.id, err)
		return
	}
	glog.V(2).Infof("socket %s received %s", s.id, &msg)
	if s.observer != nil {
		s.observer.FrameReceived(&msg)
	}

	if msg.Event == EventReply {
		s.resolvePending(&msg)
		return
	}

	s.mu.Lock()
	ch := s.channels[msg.Topic]
	s.mu.Unlock()
	if ch == nil {
		glog.V(2).Infof("socket %s dropping frame for unknown topic %q", s.id, msg.Topic)
		return
	}
	ch.handleMessage(&msg)
}

func (s *Socket) resolvePending(msg *Message) {
	s.mu.Lock()
	if msg.Ref != "" && msg.Ref == s.heartbeatRef {
		s.heartbeatRef = ""
		s.mu.Unlock()
		return
	}
	p := s.pending[msg.Ref]
	delete(s.pending, msg.Ref)
	s.mu.Unlock()

	if p == nil {
		glog.V(2).Infof("socket %s reply for unknown ref %q", s.id, msg.Ref)
		return
	}
	var reply Reply
	if err := msg.DecodePayload(&reply); err != nil {
		glog.Warningf("socket %s malformed reply payload for ref %q: %v", s.id, msg.Ref, err)
		reply = Reply{Status: StatusError}
	}
	p.resolve(reply)
}

// timeoutPending resolves a push with StatusTimeout when its timer fires
// before any reply.
func (s *Socket) timeoutPending(ref string) {
	s.mu.Lock()
	p := s.pending[ref]
	delete(s.pending, ref)
	s.mu.Unlock()
	if p != nil {
		p.resolve(Reply{Status: StatusTimeout})
	}
}

// push registers the pending future and enqueues the frame.
func (s *Socket) push(msg *Message, timeout time.Duration) (*Push, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("channel: encode frame: %w", err)
	}
	p := newPush(msg.Topic, msg.Event, msg.Ref)
	if err := s.register(msg.Ref, p); err != nil {
		return nil, err
	}
	if err := s.enqueue(outFrame{messageType: websocket.TextMessage, data: data}); err != nil {
		s.unregister(msg.Ref)
		return nil, err
	}
	glog.V(2).Infof("socket %s sent %s", s.id, msg)
	if s.observer != nil {
		s.observer.FrameSent(msg)
	}
	s.armTimeout(p, timeout)
	return p, nil
}

// pushBinary registers the pending future and enqueues a binary frame.
// The server acknowledges binary pushes with a normal reply frame carrying
// the same ref.
func (s *Socket) pushBinary(topic, ref string, frame []byte, timeout time.Duration) (*Push, error) {
	p := newPush(topic, "", ref)
	if err := s.register(ref, p); err != nil {
		return nil, err
	}
	if err := s.enqueue(outFrame{messageType: websocket.BinaryMessage, data: frame}); err != nil {
		s.unregister(ref)
		return nil, err
	}
	if s.observer != nil {
		s.observer.BinarySent(topic, ref, len(frame))
	}
	s.armTimeout(p, timeout)
	return p, nil
}

func (s *Socket) armTimeout(p *Push, timeout time.Duration) {
	if timeout <= 0 {
		timeout = s.settings.PushTimeout
	}
	p.startTimeout(timeout, s.timeoutPending)
}

func (s *Socket) register(ref string, p *Push) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	if !s.connected {
		return ErrNotConnected
	}
	s.pending[ref] = p
	return nil
}

func (s *Socket) unregister(ref string) {
	s.mu.Lock()
	delete(s.pending, ref)
	s.mu.Unlock()
}

func (s *Socket) enqueue(frame outFrame) error {
	select {
	case s.sendCh <- frame:
		return nil
	default:
		return fmt.Errorf("channel: send queue full")
	}
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
