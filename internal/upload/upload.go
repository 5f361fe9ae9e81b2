package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"

	"github.com/livefir/liveclient/internal/channel"
)

// EventGetUploadRef asks the owning view channel for a one-time upload
// reference before any chunk is sent.
const EventGetUploadRef = "get_upload_ref"

// TopicPrefix scopes the dedicated per-file channels.
const TopicPrefix = "lvu:"

// DefaultChunkSize applies when the server does not negotiate one.
const DefaultChunkSize = 64 * 1024

// File describes one file queued on a form field.
type File struct {
	Field   string
	Name    string
	Type    string
	Size    int64
	Content io.Reader
}

// Entry is the completed transfer's metadata, merged into the form
// submission payload.
type Entry struct {
	Ref   string `json:"ref"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Type  string `json:"type"`
	Field string `json:"field"`
}

// Progress reports cumulative acknowledged bytes for one file.
type Progress struct {
	Field string
	Name  string
	Sent  int64
	Total int64
}

// Config tunes one transfer.
type Config struct {
	// ChunkSize caps the bytes per frame. The server's negotiated size,
	// when present in the ref reply, takes precedence. Zero means
	// DefaultChunkSize.
	ChunkSize int

	// RefTimeout bounds the ref allocation push, JoinTimeout the upload
	// channel join, and ChunkTimeout each chunk acknowledgment. Zero
	// falls back to the socket default.
	RefTimeout   time.Duration
	JoinTimeout  time.Duration
	ChunkTimeout time.Duration

	// OnProgress, when set, runs after every acknowledged chunk.
	OnProgress func(Progress)
}

type refReply struct {
	Ref       string `json:"ref"`
	ChunkSize int    `json:"chunk_size"`
}

// Run transfers one file: it allocates a reference on the view channel,
// joins the dedicated lvu: channel, streams fixed-size chunks strictly in
// order (each awaiting its acknowledgment before the next read), and
// returns the entry for the form payload. Any failed or timed-out step
// fails the transfer.
func Run(ctx context.Context, sock *channel.Socket, view *channel.Channel, file File, cfg Config) (*Entry, error) {
	ref, chunkSize, err := allocateRef(ctx, view, file, cfg)
	if err != nil {
		return nil, err
	}

	topic := TopicPrefix + ref
	ch := sock.Channel(topic, nil)
	defer sock.Remove(ch)

	join, err := ch.Join(map[string]any{"ref": ref}, cfg.JoinTimeout)
	if err != nil {
		return nil, fmt.Errorf("upload %s: join %s: %w", file.Name, topic, err)
	}
	reply, err := join.Await(ctx)
	if err != nil {
		return nil, fmt.Errorf("upload %s: join %s: %w", file.Name, topic, err)
	}
	if !reply.IsOK() {
		return nil, fmt.Errorf("upload %s: join %s: status %s", file.Name, topic, reply.Status)
	}

	if err := streamChunks(ctx, ch, file, chunkSize, cfg); err != nil {
		return nil, err
	}

	// Completion is implied by the final chunk's ack; the leave is a
	// courtesy and its outcome does not affect the entry.
	if leave, err := ch.Leave(cfg.ChunkTimeout); err == nil {
		_, _ = leave.Await(ctx)
	}

	glog.V(1).Infof("upload %s complete on %s (%d bytes)", file.Name, topic, file.Size)
	return &Entry{
		Ref:   ref,
		Name:  file.Name,
		Size:  file.Size,
		Type:  file.Type,
		Field: file.Field,
	}, nil
}

func allocateRef(ctx context.Context, view *channel.Channel, file File, cfg Config) (string, int, error) {
	push, err := view.Push(EventGetUploadRef, map[string]any{
		"field": file.Field,
		"name":  file.Name,
		"size":  file.Size,
		"type":  file.Type,
	}, cfg.RefTimeout)
	if err != nil {
		return "", 0, fmt.Errorf("upload %s: allocate ref: %w", file.Name, err)
	}
	reply, err := push.Await(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("upload %s: allocate ref: %w", file.Name, err)
	}
	if !reply.IsOK() {
		return "", 0, fmt.Errorf("upload %s: allocate ref: status %s", file.Name, reply.Status)
	}
	var alloc refReply
	if err := reply.DecodeResponse(&alloc); err != nil {
		return "", 0, fmt.Errorf("upload %s: allocate ref: %w", file.Name, err)
	}
	if alloc.Ref == "" {
		return "", 0, fmt.Errorf("upload %s: allocate ref: empty ref in reply", file.Name)
	}

	chunkSize := cfg.ChunkSize
	if alloc.ChunkSize > 0 {
		chunkSize = alloc.ChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return alloc.Ref, chunkSize, nil
}

// streamChunks reads and sends one chunk at a time. The next read starts
// only after the previous chunk's acknowledgment, bounding memory and
// preserving byte order.
func streamChunks(ctx context.Context, ch *channel.Channel, file File, chunkSize int, cfg Config) error {
	buf := make([]byte, chunkSize)
	var sent int64
	for {
		n, err := io.ReadFull(file.Content, buf)
		if n == 0 {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("upload %s: read: %w", file.Name, err)
			}
		}
		chunk := buf[:n]

		push, perr := ch.PushBinary(func(joinRef, ref, topic string) ([]byte, error) {
			return EncodeChunkFrame(joinRef, ref, topic, chunk)
		}, cfg.ChunkTimeout)
		if perr != nil {
			return fmt.Errorf("upload %s: chunk at %d: %w", file.Name, sent, perr)
		}
		reply, aerr := push.Await(ctx)
		if aerr != nil {
			return fmt.Errorf("upload %s: chunk at %d: %w", file.Name, sent, aerr)
		}
		if !reply.IsOK() {
			return fmt.Errorf("upload %s: chunk at %d: status %s", file.Name, sent, reply.Status)
		}

		sent += int64(n)
		if cfg.OnProgress != nil {
			cfg.OnProgress(Progress{Field: file.Field, Name: file.Name, Sent: sent, Total: file.Size})
		}
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("upload %s: read: %w", file.Name, err)
		}
	}
}
