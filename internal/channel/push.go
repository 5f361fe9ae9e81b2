package channel

import (
	"context"
	"sync"
	"time"
)

// Push is the in-flight half of one pushed frame: a future resolving to
// exactly one Reply with status ok, error, or timeout. Callbacks registered
// with Receive run on the socket's dispatch goroutine, in registration
// order, so no two completions for the same view interleave.
type Push struct {
	Event string

	topic string
	ref   string

	mu       sync.Mutex
	resolved bool
	reply    Reply
	hooks    []receiveHook
	timer    *time.Timer
	done     chan struct{}
}

type receiveHook struct {
	status string
	fn     func(Reply)
}

func newPush(topic, event, ref string) *Push {
	return &Push{
		Event: event,
		topic: topic,
		ref:   ref,
		done:  make(chan struct{}),
	}
}

// Receive registers fn for one completion status. A hook registered after
// resolution still fires when the status matches, on its own goroutine so
// that callers holding locks are safe. Chainable.
func (p *Push) Receive(status string, fn func(Reply)) *Push {
	p.mu.Lock()
	if p.resolved {
		reply := p.reply
		p.mu.Unlock()
		if reply.Status == status {
			go fn(reply)
		}
		return p
	}
	p.hooks = append(p.hooks, receiveHook{status: status, fn: fn})
	p.mu.Unlock()
	return p
}

// Await blocks until the push resolves or ctx ends, returning the reply.
func (p *Push) Await(ctx context.Context) (Reply, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// resolve completes the push once; later calls are ignored.
func (p *Push) resolve(reply Reply) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.reply = reply
	hooks := p.hooks
	p.hooks = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	for _, h := range hooks {
		if h.status == reply.Status {
			h.fn(reply)
		}
	}
	close(p.done)
}

// startTimeout arms the timeout that resolves the push with StatusTimeout
// if no reply lands first.
func (p *Push) startTimeout(d time.Duration, onTimeout func(ref string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.timer = time.AfterFunc(d, func() {
		onTimeout(p.ref)
	})
}
