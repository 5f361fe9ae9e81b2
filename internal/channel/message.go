// Package channel implements the multiplexed channel protocol the client
// speaks over one websocket connection: topic-scoped join/push/leave with
// {ok, error, timeout} completion, server pushes, heartbeat, and
// reconnection with capped exponential backoff.
package channel

import (
	"encoding/json"
	"fmt"
)

// Reserved protocol events.
const (
	EventJoin      = "lvt_join"
	EventLeave     = "lvt_leave"
	EventReply     = "lvt_reply"
	EventClose     = "lvt_close"
	EventError     = "lvt_error"
	EventHeartbeat = "heartbeat"
)

// Push completion statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// ControlTopic carries heartbeats and other connection-scoped traffic.
const ControlTopic = "lvt"

// Message is one text frame on the wire, serialized as the 5-tuple
// [join_ref, ref, topic, event, payload].
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

// MarshalJSON emits the positional array form.
func (m *Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{nullableRef(m.JoinRef), nullableRef(m.Ref), m.Topic, m.Event, payload})
}

// UnmarshalJSON parses the positional array form. Null refs normalize to "".
func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("channel: malformed frame: %w", err)
	}
	if len(parts) != 5 {
		return fmt.Errorf("channel: frame has %d elements, want 5", len(parts))
	}
	var err error
	if m.JoinRef, err = decodeRef(parts[0]); err != nil {
		return fmt.Errorf("channel: join_ref: %w", err)
	}
	if m.Ref, err = decodeRef(parts[1]); err != nil {
		return fmt.Errorf("channel: ref: %w", err)
	}
	if err := json.Unmarshal(parts[2], &m.Topic); err != nil {
		return fmt.Errorf("channel: topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &m.Event); err != nil {
		return fmt.Errorf("channel: event: %w", err)
	}
	m.Payload = parts[4]
	return nil
}

// DecodePayload unmarshals the frame payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// String provides a compact representation for trace logging.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s (join_ref: %q, ref: %q, %d payload bytes)",
		m.Topic, m.Event, m.JoinRef, m.Ref, len(m.Payload))
}

// Reply is the payload of an lvt_reply frame: {"status": ..., "response": ...}.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// DecodeResponse unmarshals the reply response into v. A missing response
// decodes as a no-op.
func (r *Reply) DecodeResponse(v any) error {
	if len(r.Response) == 0 {
		return nil
	}
	return json.Unmarshal(r.Response, v)
}

// IsOK reports a successful completion.
func (r *Reply) IsOK() bool {
	return r.Status == StatusOK
}

func nullableRef(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}

func decodeRef(raw json.RawMessage) (string, error) {
	if string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
