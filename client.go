// Package liveclient keeps a parsed HTML document synchronized with
// server-rendered view state delivered as structured diffs over a
// persistent websocket channel, while preserving focus, selection,
// in-flight input values, and client-side hook state across every patch.
package liveclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultBindingPrefix prefixes the event binding attributes, as in
// lvt-click or lvt-submit.
const DefaultBindingPrefix = "lvt-"

// DefaultLiveWSPath is appended to the page origin to reach the live
// websocket endpoint when no explicit endpoint is configured.
const DefaultLiveWSPath = "/live/websocket"

// Config carries the tunables of one Socket. Zero values are filled with
// defaults before validation.
type Config struct {
	// Endpoint overrides the websocket URL derived from the page URL.
	Endpoint string `validate:"omitempty,uri"`

	// BindingPrefix replaces the default lvt- event attribute prefix.
	BindingPrefix string `validate:"required"`

	// Params is sent verbatim inside every join payload.
	Params map[string]any

	// JoinTimeout bounds view joins, PushTimeout event pushes, and
	// NavigationTimeout live navigation requests.
	JoinTimeout       time.Duration `validate:"min=0"`
	PushTimeout       time.Duration `validate:"min=0"`
	NavigationTimeout time.Duration `validate:"min=0"`
	HeartbeatInterval time.Duration `validate:"min=0"`

	// ReconnectMinDelay and ReconnectMaxDelay bound the jittered backoff
	// between reconnect attempts. Zero keeps the transport defaults.
	ReconnectMinDelay time.Duration `validate:"min=0"`
	ReconnectMaxDelay time.Duration `validate:"min=0"`

	// UploadChunkSize caps upload frame payloads unless the server
	// negotiates its own size.
	UploadChunkSize int `validate:"min=0"`

	// JournalPath enables sqlite session recording when non-empty.
	JournalPath string

	// HTTPClient performs root-replacement page fetches.
	HTTPClient *http.Client

	// Header is sent with the websocket handshake.
	Header http.Header
}

func defaultConfig() *Config {
	return &Config{
		BindingPrefix:     DefaultBindingPrefix,
		JoinTimeout:       10 * time.Second,
		PushTimeout:       10 * time.Second,
		NavigationTimeout: 10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HTTPClient:        http.DefaultClient,
	}
}

var configValidator = validator.New()

// validate checks the config and folds field failures into one error.
func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Option configures a Socket at construction.
type Option func(*Socket) error

// WithEndpoint sets an explicit websocket endpoint instead of deriving it
// from the page URL.
func WithEndpoint(endpoint string) Option {
	return func(s *Socket) error {
		s.cfg.Endpoint = endpoint
		return nil
	}
}

// WithBindingPrefix replaces the default lvt- attribute prefix.
func WithBindingPrefix(prefix string) Option {
	return func(s *Socket) error {
		if prefix == "" {
			return fmt.Errorf("binding prefix cannot be empty")
		}
		s.cfg.BindingPrefix = prefix
		return nil
	}
}

// WithParams sets the connection params sent in every join payload.
func WithParams(params map[string]any) Option {
	return func(s *Socket) error {
		s.cfg.Params = params
		return nil
	}
}

// WithJoinTimeout bounds view join pushes.
func WithJoinTimeout(d time.Duration) Option {
	return func(s *Socket) error {
		s.cfg.JoinTimeout = d
		return nil
	}
}

// WithPushTimeout bounds event pushes.
func WithPushTimeout(d time.Duration) Option {
	return func(s *Socket) error {
		s.cfg.PushTimeout = d
		return nil
	}
}

// WithNavigationTimeout bounds live navigation requests; past it the
// socket falls back to a full non-live load.
func WithNavigationTimeout(d time.Duration) Option {
	return func(s *Socket) error {
		s.cfg.NavigationTimeout = d
		return nil
	}
}

// WithHeartbeatInterval paces transport keepalives.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Socket) error {
		s.cfg.HeartbeatInterval = d
		return nil
	}
}

// WithReconnectDelay bounds the jittered backoff between reconnect
// attempts.
func WithReconnectDelay(min, max time.Duration) Option {
	return func(s *Socket) error {
		if min > max {
			return fmt.Errorf("reconnect min delay %v exceeds max %v", min, max)
		}
		s.cfg.ReconnectMinDelay = min
		s.cfg.ReconnectMaxDelay = max
		return nil
	}
}

// WithUploadChunkSize caps upload chunk payload bytes.
func WithUploadChunkSize(n int) Option {
	return func(s *Socket) error {
		s.cfg.UploadChunkSize = n
		return nil
	}
}

// WithJournal records the session to a sqlite database at path.
func WithJournal(path string) Option {
	return func(s *Socket) error {
		s.cfg.JournalPath = path
		return nil
	}
}

// WithHTTPClient sets the client used for root-replacement fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Socket) error {
		if client == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		s.cfg.HTTPClient = client
		return nil
	}
}

// WithHeader sets headers sent with the websocket handshake.
func WithHeader(header http.Header) Option {
	return func(s *Socket) error {
		s.cfg.Header = header
		return nil
	}
}

// WithHook registers a hook constructor by name, matched against the
// hook-name attribute in rendered markup.
func WithHook(name string, ctor func() Hook) Option {
	return func(s *Socket) error {
		if ctor == nil {
			return fmt.Errorf("hook constructor for %q cannot be nil", name)
		}
		s.hookCtors[name] = ctor
		return nil
	}
}

// WithUploadProgress observes cumulative upload progress.
func WithUploadProgress(fn func(field, name string, sent, total int64)) Option {
	return func(s *Socket) error {
		s.onUploadProgress = fn
		return nil
	}
}

// OnUpdate registers the update-complete signal, fired with the view id
// after every applied patch, focus restoration included. Set it before
// Connect.
func OnUpdate(fn func(viewID string)) Option {
	return func(s *Socket) error {
		s.onUpdate = fn
		return nil
	}
}

// OnFatal observes protocol errors. Set it before Connect.
func OnFatal(fn func(err error)) Option {
	return func(s *Socket) error {
		s.onFatal = fn
		return nil
	}
}
