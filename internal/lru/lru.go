// Package lru implements a bounded least-recently-used cache whose entries
// carry per-consumer add and clear listeners.
//
// A Cache is not safe for concurrent use. Owners serialize access, usually
// through the session loop.
package lru

import (
	"container/list"
	"errors"
	"fmt"
)

// ErrConsistency is the panic value raised when the cache's internal index
// and recency list disagree. It signals a programming error.
var ErrConsistency = errors.New("lru: cache consistency violation")

// Listener receives notifications for entries it was attached to. A
// consumer creates its listener once and passes the same pointer on every
// Add; pointer identity is what de-duplicates attachments per key.
type Listener[K comparable, V any] struct {
	OnAdd   func(key K, value V)
	OnClear func(key K)
}

// Observer is notified of cache traffic. *metrics.CacheObserver satisfies it.
type Observer interface {
	Hit()
	Miss()
	Evict()
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	listeners []*Listener[K, V]
}

// Cache is a fixed-capacity LRU cache.
type Cache[K comparable, V any] struct {
	capacity int
	equal    func(a, b V) bool
	order    *list.List // front is most recently used
	items    map[K]*list.Element
	observer Observer
}

// New returns a cache holding at most capacity entries. equal decides
// whether a re-added value replaces the cached one.
func New[K comparable, V any](capacity int, equal func(a, b V) bool) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	if equal == nil {
		panic("lru: nil equality function")
	}
	return &Cache[K, V]{
		capacity: capacity,
		equal:    equal,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// NewComparable returns a cache for comparable values using ==.
func NewComparable[K comparable, V comparable](capacity int) *Cache[K, V] {
	return New[K, V](capacity, func(a, b V) bool { return a == b })
}

// SetObserver installs a traffic observer.
func (c *Cache[K, V]) SetObserver(o Observer) {
	c.observer = o
}

// Capacity returns the maximum number of entries.
func (c *Cache[K, V]) Capacity() int { return c.capacity }

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int { return len(c.items) }

// Contains reports whether key is cached without touching its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.items[key]
	return ok
}

// Keys returns the keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Get returns the cached value and marks key most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	el, ok := c.items[key]
	if !ok {
		if c.observer != nil {
			c.observer.Miss()
		}
		var zero V
		return zero, false
	}
	if c.observer != nil {
		c.observer.Hit()
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Add caches value under key and attaches l (which may be nil).
//
// Re-adding an equal value keeps the entry and attaches l if it is not
// attached yet, calling its OnAdd right away. A different value clears the
// old entry first. Inserting a new key into a full cache evicts exactly one
// least recently used entry.
func (c *Cache[K, V]) Add(key K, value V, l *Listener[K, V]) {
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		if c.equal(e.value, value) {
			c.order.MoveToFront(el)
			c.attach(e, l)
			return
		}
		c.ClearKey(key)
	}

	if len(c.items) >= c.capacity {
		c.evictOldest()
	}

	e := &entry[K, V]{key: key, value: value}
	c.items[key] = c.order.PushFront(e)
	c.attach(e, l)
	c.check()
}

// AddIfRoom adds key only when it is already cached or the cache has a free
// slot, so background work never evicts entries in active use.
func (c *Cache[K, V]) AddIfRoom(key K, value V, l *Listener[K, V]) bool {
	if _, ok := c.items[key]; !ok && len(c.items) >= c.capacity {
		return false
	}
	c.Add(key, value, l)
	return true
}

func (c *Cache[K, V]) attach(e *entry[K, V], l *Listener[K, V]) {
	if l == nil {
		return
	}
	for _, existing := range e.listeners {
		if existing == l {
			return
		}
	}
	e.listeners = append(e.listeners, l)
	if l.OnAdd != nil {
		l.OnAdd(e.key, e.value)
	}
}

func (c *Cache[K, V]) evictOldest() {
	el := c.order.Back()
	if el == nil {
		panic(fmt.Errorf("%w: full cache with empty recency list", ErrConsistency))
	}
	if c.observer != nil {
		c.observer.Evict()
	}
	c.ClearKey(el.Value.(*entry[K, V]).key)
}

// ClearKey fires every clear listener of key once and removes it.
func (c *Cache[K, V]) ClearKey(key K) {
	el, ok := c.items[key]
	if !ok {
		return
	}
	e := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, key)

	listeners := e.listeners
	e.listeners = nil
	for _, l := range listeners {
		if l.OnClear != nil {
			l.OnClear(key)
		}
	}
}

// Clear removes every entry, firing clear listeners in recency order.
func (c *Cache[K, V]) Clear() {
	for _, key := range c.Keys() {
		c.ClearKey(key)
	}
	c.check()
}

func (c *Cache[K, V]) check() {
	if c.order.Len() != len(c.items) || len(c.items) > c.capacity {
		panic(fmt.Errorf("%w: %d listed, %d indexed, capacity %d",
			ErrConsistency, c.order.Len(), len(c.items), c.capacity))
	}
}
