// Package cache provides an in-memory TTL cache with LRU eviction for
// query results. Entries expire lazily on access and are also reaped
// by a background sweep.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/factfeed/factfeed/config"
	appcfg "github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/logging"
)

var log = logging.Component("cache")

// entry is one cached value with its expiry.
type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// Cache is a TTL + LRU cache safe for concurrent use. Values are
// stored as-is; callers own any copying.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	ttl        time.Duration
	maxEntries int

	hits   int64
	misses int64

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// New creates a Cache and starts its background sweep.
func New(cfg appcfg.CacheConfig) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = config.DefaultCacheMaxEntries
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = config.DefaultCacheSweepInterval
	}

	c := &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		sweepDone:  make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	go c.sweepLoop(ctx, sweep)

	return c
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.sweepCancel()
	<-c.sweepDone
}

// Get returns the cached value for a key. Expired entries count as
// misses and are removed on access.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores a value under a key with the cache-wide TTL. At capacity
// the least recently used entry is evicted.
func (c *Cache) Set(key string, value interface{}) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL stores a value with an explicit TTL.
func (c *Cache) SetTTL(key string, value interface{}, ttl time.Duration) {
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	el := c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = el
}

// Delete removes a key. Missing keys are a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Exists reports whether a key is present and unexpired, without
// touching recency or hit counters.
func (c *Cache) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	return !time.Now().After(el.Value.(*entry).expiresAt)
}

// ClearAll drops every entry and returns how many were dropped.
func (c *Cache) ClearAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	return n
}

// InvalidateTicker removes every entry whose key references a ticker.
// Used after a refresh so readers never see stale query results.
func (c *Cache) InvalidateTicker(ticker string) int {
	needle := ":" + strings.ToUpper(ticker)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if strings.Contains(el.Value.(*entry).key, needle) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}

	if removed > 0 {
		log.Debug("invalidated cached entries", "ticker", ticker, "removed", removed)
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// removeLocked unlinks one element. Caller holds c.mu.
func (c *Cache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}

// sweepLoop reaps expired entries on an interval until Close.
func (c *Cache) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(c.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes every expired entry.
func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}

	if removed > 0 {
		log.Debug("swept expired entries", "removed", removed)
	}
}
