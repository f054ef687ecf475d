// Package cache provides a bounded least-recently-used cache for compiled behavior bodies.
package cache

import (
	"container/list"
	"sync"
)

// LRU is a concurrency-safe cache evicting the least recently used entry beyond its capacity.
type LRU[V any] struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type item[V any] struct {
	key   string
	value V
}

// New creates a cache holding at most capacity entries. A capacity below one yields a cache
// that stores nothing.
func New[V any](capacity int) *LRU[V] {
	return &LRU[V]{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, max(capacity, 0)),
	}
}

// Get returns the value for key and marks it as recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(item[V]).value, true
}

// Add stores value under key.
func (c *LRU[V]) Add(key string, value V) {
	if c.max < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = item[V]{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(item[V]{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(item[V]).key)
	}
}

// Len returns the number of cached entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops every entry.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, max(c.max, 0))
}
