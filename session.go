package liveclient

import (
	"sync"

	"github.com/golang/glog"

	"github.com/livefir/liveclient/internal/token"
)

// sessionCache keeps the latest session token per view. The server rotates
// tokens with session pushes; rejoins after a hard navigation consult the
// cache so a stale markup attribute does not resurrect an old session.
type sessionCache struct {
	tokens map[string]string
	mu     sync.RWMutex
}

func newSessionCache() *sessionCache {
	return &sessionCache{tokens: make(map[string]string)}
}

// get returns the cached token for a view, or "" when none is cached.
func (c *sessionCache) get(viewID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[viewID]
}

// set stores a rotated token for a view.
func (c *sessionCache) set(viewID, tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[viewID] = tok

	if claims, err := token.Inspect(tok); err == nil && claims.ViewID != "" && claims.ViewID != viewID {
		glog.Warningf("session token for view %s claims view %s", viewID, claims.ViewID)
	}
}

// forget drops a destroyed view's token.
func (c *sessionCache) forget(viewID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, viewID)
}
