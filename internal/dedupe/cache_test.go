// ABOUTME: Tests for the idempotency key cache
// ABOUTME: Validates claims, TTL expiry, size limits, eviction, cleanup and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newTestCache returns a cache driven by a manual clock.
func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *time.Time) {
	t.Helper()
	cache := New(ttl, maxSize)
	t.Cleanup(cache.Close)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	return cache, &now
}

func TestCache_ClaimNewKey(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 10)

	value, claimed := cache.Claim("key-1")
	assert.True(t, claimed)
	assert.Empty(t, value)

	// Second claim while in flight
	value, claimed = cache.Claim("key-1")
	assert.False(t, claimed)
	assert.Empty(t, value)
}

func TestCache_ClaimAfterSet(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 10)

	_, claimed := cache.Claim("key-1")
	assert.True(t, claimed)
	cache.Set("key-1", "rt_abc")

	value, claimed := cache.Claim("key-1")
	assert.False(t, claimed)
	assert.Equal(t, "rt_abc", value)

	got, ok := cache.Lookup("key-1")
	assert.True(t, ok)
	assert.Equal(t, "rt_abc", got)
}

func TestCache_LookupInFlightIsMiss(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 10)
	cache.Claim("key-1")

	_, ok := cache.Lookup("key-1")
	assert.False(t, ok)
	_, ok = cache.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	cache, now := newTestCache(t, time.Minute, 10)
	cache.Claim("key-1")
	cache.Set("key-1", "rt_abc")

	*now = now.Add(2 * time.Minute)

	_, ok := cache.Lookup("key-1")
	assert.False(t, ok)
	_, claimed := cache.Claim("key-1")
	assert.True(t, claimed, "an expired key can be claimed again")
}

func TestCache_Forget(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute, 10)
	cache.Claim("key-1")
	cache.Forget("key-1")

	_, claimed := cache.Claim("key-1")
	assert.True(t, claimed)
	cache.Forget("missing")
}

func TestCache_EvictsOldest(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour, 3)

	for i := range 4 {
		key := fmt.Sprintf("key-%d", i)
		cache.Claim(key)
		cache.Set(key, "rt_"+key)
	}

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Lookup("key-0")
	assert.False(t, ok, "oldest entry evicted")
	_, ok = cache.Lookup("key-3")
	assert.True(t, ok)
}

func TestCache_RunCleanup(t *testing.T) {
	cache, now := newTestCache(t, time.Minute, 10)
	cache.Set("old", "rt_old")
	*now = now.Add(30 * time.Second)
	cache.Set("new", "rt_new")
	*now = now.Add(45 * time.Second)

	cache.runCleanup()

	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Lookup("new")
	assert.True(t, ok)
}

func TestCache_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, claimed := cache.Claim("shared"); claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
