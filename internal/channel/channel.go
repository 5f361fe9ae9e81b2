package channel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Channel scopes pushes and server messages to one topic on a shared
// socket. OnMessage runs on the socket's read goroutine for every
// non-reply frame addressed to the topic, including lvt_close and
// lvt_error.
type Channel struct {
	socket    *Socket
	topic     string
	onMessage func(event string, payload json.RawMessage)

	mu      sync.Mutex
	joinRef string
	joined  bool
}

// Channel registers a channel for topic. A previous registration for the
// same topic is replaced; its pending pushes still resolve.
func (s *Socket) Channel(topic string, onMessage func(event string, payload json.RawMessage)) *Channel {
	c := &Channel{
		socket:    s,
		topic:     topic,
		onMessage: onMessage,
	}
	s.mu.Lock()
	s.channels[topic] = c
	s.mu.Unlock()
	return c
}

// Remove drops the channel's topic registration. Frames for the topic are
// discarded afterwards.
func (s *Socket) Remove(c *Channel) {
	s.mu.Lock()
	if s.channels[c.topic] == c {
		delete(s.channels, c.topic)
	}
	s.mu.Unlock()
}

// Topic returns the channel's topic.
func (c *Channel) Topic() string {
	return c.topic
}

// JoinRef returns the ref of the join push, or "" before Join.
func (c *Channel) JoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef
}

// Joined reports whether a join push has been sent since the last Leave.
func (c *Channel) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Join pushes lvt_join with payload. The join's own ref doubles as the
// channel's join ref; every later push on the topic carries it so the
// server can tie the frames to this membership.
func (c *Channel) Join(payload any, timeout time.Duration) (*Push, error) {
	ref := c.socket.NextRef()
	c.mu.Lock()
	c.joinRef = ref
	c.joined = true
	c.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("channel: encode join payload: %w", err)
	}
	msg := &Message{
		JoinRef: ref,
		Ref:     ref,
		Topic:   c.topic,
		Event:   EventJoin,
		Payload: data,
	}
	glog.V(1).Infof("channel %s joining with ref %s", c.topic, ref)
	return c.socket.push(msg, timeout)
}

// Push sends an event on the topic and returns the reply future.
func (c *Channel) Push(event string, payload any, timeout time.Duration) (*Push, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("channel: encode %s payload: %w", event, err)
	}
	msg := &Message{
		JoinRef: c.JoinRef(),
		Ref:     c.socket.NextRef(),
		Topic:   c.topic,
		Event:   event,
		Payload: data,
	}
	return c.socket.push(msg, timeout)
}

// PushBinary sends one binary frame built by encode, which receives the
// identifiers the frame header must carry. The reply arrives as a normal
// text frame with the same ref.
func (c *Channel) PushBinary(encode func(joinRef, ref, topic string) ([]byte, error), timeout time.Duration) (*Push, error) {
	ref := c.socket.NextRef()
	frame, err := encode(c.JoinRef(), ref, c.topic)
	if err != nil {
		return nil, fmt.Errorf("channel: encode binary frame: %w", err)
	}
	return c.socket.pushBinary(c.topic, ref, frame, timeout)
}

// Leave pushes lvt_leave and marks the channel unjoined. The caller
// removes the channel from the socket once the reply (or timeout)
// resolves.
func (c *Channel) Leave(timeout time.Duration) (*Push, error) {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()
	glog.V(1).Infof("channel %s leaving", c.topic)
	return c.Push(EventLeave, struct{}{}, timeout)
}

// handleMessage forwards a non-reply frame to the channel callback.
func (c *Channel) handleMessage(msg *Message) {
	if c.onMessage == nil {
		return
	}
	c.onMessage(msg.Event, msg.Payload)
}
