package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Av7danger/insider-detect/internal/ensemble"
)

// MemoryCache is an in-process Cache. Expired entries are treated as misses
// immediately; a periodic sweep reclaims their memory.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry

	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	verdict    ensemble.Verdict
	insertedAt time.Time
}

// MemoryOption customizes a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates a memory cache with the given TTL. A ttl <= 0
// falls back to DefaultTTL. The sweep goroutine runs until Close.
func NewMemoryCache(ttl time.Duration, opts ...MemoryOption) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &MemoryCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweep()
	return c
}

func (c *MemoryCache) Get(ctx context.Context, fingerprint string) (ensemble.Verdict, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		return ensemble.Verdict{}, false, nil
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		// Lazy eviction: expiry is a miss even before the sweep runs.
		c.mu.Lock()
		if cur, still := c.entries[fingerprint]; still && cur.insertedAt.Equal(e.insertedAt) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		return ensemble.Verdict{}, false, nil
	}
	return e.verdict, true, nil
}

func (c *MemoryCache) Put(ctx context.Context, fingerprint string, v ensemble.Verdict) error {
	c.mu.Lock()
	c.entries[fingerprint] = memoryEntry{verdict: v, insertedAt: c.now()}
	c.mu.Unlock()
	return nil
}

// Len reports live (unexpired) entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.Sub(e.insertedAt) < c.ttl {
			n++
		}
	}
	return n
}

// sweep reclaims expired entries periodically.
func (c *MemoryCache) sweep() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for fp, e := range c.entries {
				if now.Sub(e.insertedAt) >= c.ttl {
					delete(c.entries, fp)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

var _ Cache = (*MemoryCache)(nil)
