package liveclient

import (
	"errors"
	"fmt"
)

// ProtocolError reports a violation of the wire contract, such as a diff
// arriving before any full render or an unsupported update mode. Protocol
// errors are fatal for the affected view: state may no longer match the
// server, so they surface loudly instead of being absorbed.
type ProtocolError struct {
	ViewID string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error on view %s: %s: %v", e.ViewID, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error on view %s: %s", e.ViewID, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ChannelError reports a join, push, or leave that resolved error or
// timeout. Recoverable: the view displays a disconnected state and stays
// mounted unless the server closed it gracefully.
type ChannelError struct {
	Topic  string
	Event  string
	Reason string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel error on %s (%s): %s", e.Topic, e.Event, e.Reason)
}

// Timeout reports whether the push resolved by timing out.
func (e *ChannelError) Timeout() bool { return e.Reason == "timeout" }

// FetchError reports a failed page fetch during root replacement. The
// socket recovers by falling back to a full non-live load.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UploadError reports a failed file transfer. It fails the owning form
// submission; the view itself stays joined.
type UploadError struct {
	Field string
	Name  string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s (field %s): %v", e.Name, e.Field, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on a socket after Close.
var ErrClosed = errors.New("liveclient: socket closed")
