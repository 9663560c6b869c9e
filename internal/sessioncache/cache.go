// ABOUTME: Thread-safe, lazily filled cache of insertion-ordered lists keyed by string.
// ABOUTME: Holds pairwise sessions per sender key for the crypto store.

package sessioncache

import (
	"container/list"
	"sync"
)

// List is an insertion-ordered collection of values identified by keyOf.
// Adding a value whose identity is already present replaces it in place.
type List[V any] struct {
	mu    sync.RWMutex
	order *list.List // values in insertion order
	index map[string]*list.Element
	keyOf func(V) string
}

func newList[V any](keyOf func(V) string) *List[V] {
	return &List[V]{
		order: list.New(),
		index: make(map[string]*list.Element),
		keyOf: keyOf,
	}
}

// Snapshot returns the values in insertion order. The slice is a copy; the
// values themselves are shared with the cache.
func (l *List[V]) Snapshot() []V {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]V, 0, l.order.Len())
	for e := l.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(V))
	}
	return out
}

// Len returns the number of values in the list.
func (l *List[V]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.order.Len()
}

// Contains reports whether a value with the given identity is present.
func (l *List[V]) Contains(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[key]
	return ok
}

// Append adds v to the back of the list, or replaces the value with the same
// identity without changing its position.
func (l *List[V]) Append(v V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(v)
}

// appendLocked must be called with mu held.
func (l *List[V]) appendLocked(v V) {
	key := l.keyOf(v)
	if elem, exists := l.index[key]; exists {
		elem.Value = v
		return
	}
	l.index[key] = l.order.PushBack(v)
}

// Cache maps a string key to a List. Lists are created lazily and never
// replaced once present, so callers holding a *List keep seeing updates.
type Cache[V any] struct {
	mu    sync.RWMutex
	lists map[string]*List[V]
	keyOf func(V) string
}

// New creates an empty cache. keyOf returns the identity of a value within
// its list.
func New[V any](keyOf func(V) string) *Cache[V] {
	return &Cache[V]{
		lists: make(map[string]*List[V]),
		keyOf: keyOf,
	}
}

// Get returns the list for key, or nil if nothing is cached for it.
func (c *Cache[V]) Get(key string) *List[V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lists[key]
}

// Has reports whether a list is cached for key.
func (c *Cache[V]) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.lists[key]
	return ok
}

// Fill caches values under key unless a list is already present, and returns
// the list now cached. An empty values slice is never recorded; Fill then
// returns the existing list or nil.
func (c *Cache[V]) Fill(key string, values []V) *List[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.lists[key]; ok {
		return l
	}
	if len(values) == 0 {
		return nil
	}

	l := newList(c.keyOf)
	for _, v := range values {
		l.appendLocked(v)
	}
	c.lists[key] = l
	return l
}

// Add appends v to the list for key, creating the list if needed.
func (c *Cache[V]) Add(key string, v V) {
	c.mu.Lock()
	l, ok := c.lists[key]
	if !ok {
		l = newList(c.keyOf)
		c.lists[key] = l
	}
	c.mu.Unlock()

	l.Append(v)
}

// Len returns the number of cached keys.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.lists)
}

// Clear drops every cached list.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists = make(map[string]*List[V])
}
