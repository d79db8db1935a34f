// ABOUTME: Thread-safe TTL cache for deduplicating inbound bus deliveries.
// ABOUTME: Bounded by an LRU so memory stays fixed under a flood of unique ids.

package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Defaults applied by New for non-positive arguments.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 2048
)

// Cache tracks seen keys for a TTL window. When full, the least recently
// marked key is evicted first.
type Cache struct {
	mu   sync.Mutex
	seen *lru.Cache[string, time.Time]
	ttl  time.Duration
	now  func() time.Time
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	// lru.New only errors on a non-positive size, which is guarded above.
	seen, _ := lru.New[string, time.Time](maxSize)
	return &Cache{seen: seen, ttl: ttl, now: time.Now}
}

// Check returns true if the key has been seen and is not expired. It does not
// affect eviction order.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.seen.Peek(key)
	return ok && c.now().Sub(ts) < c.ttl
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it is new and
// now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ts, ok := c.seen.Peek(key); ok {
		if now.Sub(ts) < c.ttl {
			return true
		}
		c.seen.Remove(key)
	}
	c.seen.Add(key, now)
	return false
}

// Mark records that a key has been seen, refreshing its timestamp.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Add(key, c.now())
}

// Forget removes a key so the next delivery is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Remove(key)
}

// Len returns the number of tracked keys, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Len()
}
