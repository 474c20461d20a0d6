// Package cache provides the risk result caches for Kestrel.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// LRUCache is a bounded in-process cache. Entries expire lazily on read and
// the least recently read entry is evicted once the cache is full.
// Used as the Community tier cache and as the near tier of a TieredCache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[lruKey]*list.Element
	recency  *list.List // front is most recently used
	hits     int64
	misses   int64
	now      func() time.Time
}

type lruKey struct {
	tenantID string
	key      string
}

type lruEntry struct {
	key     lruKey
	value   []byte
	expires time.Time
}

// Stats is a point-in-time view of an LRUCache.
type Stats struct {
	Size     int
	Capacity int
	Hits     int64
	Misses   int64
}

// NewLRUCache creates an LRU cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[lruKey]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[lruKey{tenantID, key}]
	if ok && c.now().After(elem.Value.(*lruEntry).expires) {
		c.evict(elem)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, nil
	}

	c.hits++
	c.recency.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, nil
}

// Set stores value until ttl elapses. A non-positive TTL stores nothing.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if ttl <= 0 {
		return nil
	}

	k := lruKey{tenantID, key}
	expires := c.now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[k]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value, entry.expires = value, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.index[k] = c.recency.PushFront(&lruEntry{key: k, value: value, expires: expires})
	for c.recency.Len() > c.capacity {
		c.evict(c.recency.Back())
	}
	return nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.index)
	c.recency.Init()
	return nil
}

// Stats reports size, capacity and hit counters.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:     c.recency.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func (c *LRUCache) evict(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*lruEntry).key)
}
