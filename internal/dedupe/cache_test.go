// ABOUTME: Tests for the dedupe cache used to prevent duplicate message processing.
// ABOUTME: Validates TTL expiration, size limits, eviction order, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clock.Now
	return c, clock
}

func TestCache_Check_NotSeen(t *testing.T) {
	cache := New(5*time.Minute, 100)

	// Key that was never marked should return false
	assert.False(t, cache.Check("never-seen-key"))
}

func TestCache_Check_Seen(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Mark("my-key")

	assert.True(t, cache.Check("my-key"))
}

func TestCache_Check_Expired(t *testing.T) {
	cache, clock := newTestCache(10*time.Millisecond, 100)

	cache.Mark("expiring-key")
	assert.True(t, cache.Check("expiring-key"))

	clock.Advance(20 * time.Millisecond)

	// Should no longer be seen after TTL
	assert.False(t, cache.Check("expiring-key"))
}

func TestCache_Mark_UpdatesTimestamp(t *testing.T) {
	cache, clock := newTestCache(100*time.Millisecond, 100)

	cache.Mark("key")
	clock.Advance(60 * time.Millisecond)
	cache.Mark("key")
	clock.Advance(60 * time.Millisecond)

	// 120ms after the first mark but only 60ms after the second
	assert.True(t, cache.Check("key"))
}

func TestCache_Forget(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Mark("key")
	cache.Forget("key")
	assert.False(t, cache.Check("key"))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_ConfiguredDefaults(t *testing.T) {
	cache := New(0, 0)
	assert.Equal(t, DefaultTTL, cache.ttl)

	for i := 0; i < DefaultMaxSize+10; i++ {
		cache.Mark(fmt.Sprintf("key-%d", i))
	}
	assert.Equal(t, DefaultMaxSize, cache.Len())
}

func TestCache_CheckAndMark_NewKey(t *testing.T) {
	cache := New(5*time.Minute, 100)

	assert.False(t, cache.CheckAndMark("new-key"), "first sighting is not a duplicate")
	assert.True(t, cache.Check("new-key"))
}

func TestCache_CheckAndMark_SeenKey(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Mark("seen-key")
	assert.True(t, cache.CheckAndMark("seen-key"))
}

func TestCache_CheckAndMark_Expired(t *testing.T) {
	cache, clock := newTestCache(10*time.Millisecond, 100)

	assert.False(t, cache.CheckAndMark("key"))
	clock.Advance(20 * time.Millisecond)

	// Expired entries are treated as new and re-marked
	assert.False(t, cache.CheckAndMark("key"))
	assert.True(t, cache.CheckAndMark("key"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)

	const numGoroutines = 100

	var successCount int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-key") {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), successCount,
		"exactly one goroutine should win the race for CheckAndMark")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(time.Minute, 50)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", n, j)
				cache.Mark(key)
				cache.Check(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 50)
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)

	cache.Mark("first")
	cache.Mark("second")
	cache.Mark("third")

	// Check does not refresh recency
	assert.True(t, cache.Check("first"))
	assert.True(t, cache.Check("second"))
	assert.True(t, cache.Check("third"))

	// Add fourth - should evict "first" (oldest)
	cache.Mark("fourth")

	assert.False(t, cache.Check("first"), "first should be evicted")
	assert.True(t, cache.Check("second"))
	assert.True(t, cache.Check("third"))
	assert.True(t, cache.Check("fourth"))

	// Add fifth - should evict "second"
	cache.Mark("fifth")

	assert.False(t, cache.Check("second"), "second should be evicted")
	assert.True(t, cache.Check("third"))
	assert.True(t, cache.Check("fourth"))
	assert.True(t, cache.Check("fifth"))
}
