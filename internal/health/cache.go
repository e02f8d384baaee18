package health

import (
	"sync"
	"time"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/models"
)

type availability struct {
	state  models.ConnectionState
	seenAt time.Time
}

// AvailabilityCache mirrors instance session states reported by webhooks
// and gateway answers. It is advisory; the store and actual sends decide.
type AvailabilityCache struct {
	mu         sync.RWMutex
	entries    map[string]availability
	ttl        time.Duration
	staleAfter time.Duration
	blockFor   time.Duration
	clock      clock.Clock
}

// NewAvailabilityCache creates a cache. Entries expire after ttl, are
// reported stale after staleAfter, and a closed entry blocks sends for
// blockFor.
func NewAvailabilityCache(ttl, staleAfter, blockFor time.Duration, clk clock.Clock) *AvailabilityCache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &AvailabilityCache{
		entries:    make(map[string]availability),
		ttl:        ttl,
		staleAfter: staleAfter,
		blockFor:   blockFor,
		clock:      clk,
	}
}

// Set records the state of an instance handle
func (c *AvailabilityCache) Set(handle string, state models.ConnectionState) {
	c.mu.Lock()
	c.entries[handle] = availability{state: state, seenAt: c.clock.Now()}
	c.mu.Unlock()
}

// Get returns the cached state. ok is false for missing or expired
// entries; stale is true once the entry is older than staleAfter.
func (c *AvailabilityCache) Get(handle string) (state models.ConnectionState, stale, ok bool) {
	c.mu.RLock()
	e, found := c.entries[handle]
	c.mu.RUnlock()
	if !found {
		return "", false, false
	}

	age := c.clock.Now().Sub(e.seenAt)
	if age > c.ttl {
		c.mu.Lock()
		if cur, still := c.entries[handle]; still && cur.seenAt.Equal(e.seenAt) {
			delete(c.entries, handle)
		}
		c.mu.Unlock()
		return "", false, false
	}
	return e.state, age > c.staleAfter, true
}

// Blocked reports a closed entry recent enough to skip the instance
func (c *AvailabilityCache) Blocked(handle string) bool {
	c.mu.RLock()
	e, found := c.entries[handle]
	c.mu.RUnlock()
	if !found || e.state != models.StateClosed {
		return false
	}
	return c.clock.Now().Sub(e.seenAt) <= c.blockFor
}

// Len returns the number of cached entries, expired ones included
func (c *AvailabilityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
