package oracle

import (
	"strings"
	"sync"
	"time"
)

// Cache is a read-through quote cache scoped to one settlement pass. It is
// constructed fresh per pass and handed to the resolver explicitly; nothing
// in this package holds cache state at module level.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]Quote
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		ttl:     ttl,
		entries: map[string]Quote{},
	}
}

func (c *Cache) Get(asset string) (Quote, bool) {
	if c == nil {
		return Quote{}, false
	}
	key := strings.ToLower(strings.TrimSpace(asset))
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.entries[key]
	if !ok {
		return Quote{}, false
	}
	if time.Since(q.FetchedAt) > c.ttl {
		delete(c.entries, key)
		return Quote{}, false
	}
	return q, true
}

func (c *Cache) Put(q Quote) {
	if c == nil || q.Asset == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[strings.ToLower(strings.TrimSpace(q.Asset))] = q
}
