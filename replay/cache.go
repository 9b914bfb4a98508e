// Package replay implements the durable Replay Cache: the set of consumed
// mandate identifiers, with TTL-based cleanup.
package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache records mandate_id consumption. CheckAndStore returns true the
// first time a given id is seen, false on every subsequent call.
type Cache interface {
	CheckAndStore(ctx context.Context, mandateID string, expiresAt time.Time) (bool, error)
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

type entry struct {
	expiresAt time.Time
}

// MemoryCache is an in-process implementation. This must only be used when
// the deployment explicitly signals a non-production/dev mode; production
// construction without that signal logs a critical warning, and a
// production profile hard-requires the durable backend (store.DurableReplayCache)
// instead.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryCache constructs an in-memory cache. devMode must be true for
// this to be used outside of tests; if false, a critical log line is
// emitted once at construction, warning loudly rather than refusing to
// start.
func NewMemoryCache(devMode bool) *MemoryCache {
	if !devMode {
		slog.Error("replay cache: in-memory backend selected outside development mode; consumed mandate ids will not survive a restart and duplicate settlement becomes possible")
	}
	return &MemoryCache{entries: make(map[string]entry)}
}

// CheckAndStore implements Cache.
func (c *MemoryCache) CheckAndStore(_ context.Context, mandateID string, expiresAt time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.entries[mandateID]; seen {
		return false, nil
	}
	c.entries[mandateID] = entry{expiresAt: expiresAt}
	return true, nil
}

// Cleanup removes entries whose expiry has passed and returns the count
// removed.
func (c *MemoryCache) Cleanup(_ context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Size reports the current number of tracked mandate ids (test/ops helper).
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
