// Package lru implements a generic, thread-safe LRU cache with optional
// per-entry expiry.
//
// Time complexity: O(1) for Get, Put, Take, Delete, Len; O(n) for Sweep.
// Space complexity: O(n) where n is capacity.
//
// Implementation uses a hash map for O(1) key lookup combined with
// a doubly linked list for O(1) eviction ordering. Expired entries are
// removed lazily on access and eagerly by Sweep.
package lru

import (
	"sync"
	"time"
)

// node is a doubly linked list node holding a key-value pair.
type node[K comparable, V any] struct {
	key       K
	val       V
	expiresAt time.Time // zero means no expiry
	prev      *node[K, V]
	next      *node[K, V]
}

func (n *node[K, V]) expired(now time.Time) bool {
	return !n.expiresAt.IsZero() && !now.Before(n.expiresAt)
}

// Metrics is a snapshot of cache counters.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithTTL sets the default lifetime applied by Put.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.ttl = ttl }
}

// WithOnEvict registers a callback invoked for entries dropped by capacity
// pressure or expiry. It is not called for Delete, Take or Clear. The
// callback runs after the cache lock is released.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// WithClock overrides the time source.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// Cache is a generic, thread-safe LRU cache.
// K must be comparable (map key constraint), V can be any type.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	onEvict  func(K, V)
	now      func() time.Time
	items    map[K]*node[K, V]
	head     *node[K, V] // most recently used (sentinel)
	tail     *node[K, V] // least recently used (sentinel)
	metrics  Metrics
}

type evicted[K comparable, V any] struct {
	key K
	val V
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	c := &Cache[K, V]{
		capacity: capacity,
		now:      time.Now,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a live value by key and promotes it. O(1).
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	n, ok, gone := c.lookup(key)
	var val V
	if ok {
		c.moveToFront(n)
		val = n.val
	}
	c.mu.Unlock()

	c.fire(gone)
	return val, ok
}

// Take removes and returns a live value in one step, so two concurrent
// callers can never both receive the same entry. O(1).
func (c *Cache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	n, ok, gone := c.lookup(key)
	var val V
	if ok {
		c.remove(n)
		delete(c.items, key)
		val = n.val
	}
	c.mu.Unlock()

	c.fire(gone)
	return val, ok
}

// Put inserts or updates a key-value pair with the default TTL. If the cache
// is at capacity, the least recently used entry is evicted. O(1).
// Returns the evicted key, value and true if an eviction occurred.
func (c *Cache[K, V]) Put(key K, val V) (K, V, bool) {
	return c.PutWithTTL(key, val, c.ttl)
}

// PutWithTTL is Put with an explicit lifetime; ttl <= 0 means no expiry.
func (c *Cache[K, V]) PutWithTTL(key K, val V, ttl time.Duration) (K, V, bool) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()

	// Update existing
	if n, ok := c.items[key]; ok {
		n.val = val
		n.expiresAt = expiresAt
		c.moveToFront(n)
		c.mu.Unlock()
		var zk K
		var zv V
		return zk, zv, false
	}

	// Evict if at capacity
	var victim *node[K, V]
	if len(c.items) >= c.capacity {
		victim = c.tail.prev
		c.remove(victim)
		delete(c.items, victim.key)
		c.metrics.Evictions++
	}

	n := &node[K, V]{key: key, val: val, expiresAt: expiresAt}
	c.items[key] = n
	c.pushFront(n)
	c.mu.Unlock()

	if victim == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	c.fire([]evicted[K, V]{{victim.key, victim.val}})
	return victim.key, victim.val, true
}

// Delete removes a key from the cache. Returns true if the key existed. O(1).
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}

	c.remove(n)
	delete(c.items, key)
	return true
}

// Len returns the current number of entries, expired or not. O(1).
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Peek retrieves a live value without updating access order. O(1).
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	n, ok, gone := c.lookup(key)
	var val V
	if ok {
		val = n.val
	}
	c.mu.Unlock()

	c.fire(gone)
	return val, ok
}

// Keys returns live keys in order from most to least recently used. O(n).
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]K, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		if !cur.expired(now) {
			keys = append(keys, cur.key)
		}
	}
	return keys
}

// Sweep drops every expired entry and returns how many were removed. O(n).
func (c *Cache[K, V]) Sweep() int {
	return c.RemoveFunc(func(K, V) bool { return false })
}

// RemoveFunc drops every entry that is expired or for which pred returns
// true. Entries removed by pred do not count as expirations and do not fire
// OnEvict. O(n).
func (c *Cache[K, V]) RemoveFunc(pred func(K, V) bool) int {
	c.mu.Lock()
	now := c.now()
	var gone []evicted[K, V]
	removed := 0
	for cur := c.head.next; cur != c.tail; {
		next := cur.next
		switch {
		case cur.expired(now):
			gone = append(gone, evicted[K, V]{cur.key, cur.val})
			c.metrics.Expirations++
		case pred(cur.key, cur.val):
		default:
			cur = next
			continue
		}
		c.remove(cur)
		delete(c.items, cur.key)
		removed++
		cur = next
	}
	c.mu.Unlock()

	c.fire(gone)
	return removed
}

// Clear removes all entries from the cache. O(n).
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*node[K, V], c.capacity)
}

// Metrics returns a snapshot of the counters.
func (c *Cache[K, V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// --- internal operations (caller must hold lock) ---

// lookup finds a live node, dropping it if expired. The returned slice holds
// any entry that must be reported to OnEvict once the lock is released.
func (c *Cache[K, V]) lookup(key K) (*node[K, V], bool, []evicted[K, V]) {
	n, ok := c.items[key]
	if !ok {
		c.metrics.Misses++
		return nil, false, nil
	}
	if n.expired(c.now()) {
		c.remove(n)
		delete(c.items, key)
		c.metrics.Misses++
		c.metrics.Expirations++
		return nil, false, []evicted[K, V]{{n.key, n.val}}
	}
	c.metrics.Hits++
	return n, true, nil
}

func (c *Cache[K, V]) fire(gone []evicted[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range gone {
		c.onEvict(e.key, e.val)
	}
}

// remove detaches a node from the list.
func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

// pushFront inserts a node right after head sentinel.
func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

// moveToFront detaches and reinserts a node at front.
func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
