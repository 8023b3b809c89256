package spancache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	touched time.Time
}

// Cache is a thread-safe map whose entries are stamped on every access.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	now     func() time.Time
}

func newCache[K comparable, V any](now func() time.Time) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*entry[V]),
		now:     now,
	}
}

// Load returns the value stored for k.
func (c *Cache[K, V]) Load(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	e.touched = c.now()
	return e.value, true
}

// Store sets the value for k.
func (c *Cache[K, V]) Store(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[k] = &entry[V]{value: v, touched: c.now()}
}

// LoadOrStore returns the existing value for k if present. Otherwise it
// stores v and returns it. loaded reports whether the value was present.
func (c *Cache[K, V]) LoadOrStore(k K, v V) (actual V, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		e.touched = c.now()
		return e.value, true
	}
	c.entries[k] = &entry[V]{value: v, touched: c.now()}
	return v, false
}

// LoadOrCompute returns the existing value for k, or stores and returns the
// result of fn. fn runs under the cache lock and must not use this cache.
func (c *Cache[K, V]) LoadOrCompute(k K, fn func() V) (actual V, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		e.touched = c.now()
		return e.value, true
	}
	v := fn()
	c.entries[k] = &entry[V]{value: v, touched: c.now()}
	return v, false
}

// LoadOrTryCompute is LoadOrCompute for computations that may produce
// nothing. When fn reports false nothing is stored and ok is false.
func (c *Cache[K, V]) LoadOrTryCompute(k K, fn func() (V, bool)) (actual V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, found := c.entries[k]; found {
		e.touched = c.now()
		return e.value, true
	}
	v, ok := fn()
	if !ok {
		var zero V
		return zero, false
	}
	c.entries[k] = &entry[V]{value: v, touched: c.now()}
	return v, true
}

// LoadAndDelete removes k and returns its previous value.
func (c *Cache[K, V]) LoadAndDelete(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.entries, k)
	return e.value, true
}

// Delete removes k.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	return c.size()
}

// Range calls fn for a snapshot of the entries until fn returns false.
func (c *Cache[K, V]) Range(fn func(K, V) bool) {
	c.mu.Lock()
	snapshot := make(map[K]V, len(c.entries))
	for k, e := range c.entries {
		snapshot[k] = e.value
	}
	c.mu.Unlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (c *Cache[K, V]) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[K]*entry[V])
	return n
}

func (c *Cache[K, V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, V]) sweep(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for k, e := range c.entries {
		if e.touched.Before(cutoff) {
			delete(c.entries, k)
			evicted++
		}
	}
	return evicted
}

// Ref holds a single value with the same lifetime rules as cache entries.
type Ref[V any] struct {
	mu      sync.Mutex
	value   V
	set     bool
	touched time.Time
	now     func() time.Time
}

// Get returns the held value, if any.
func (r *Ref[V]) Get() (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.set {
		var zero V
		return zero, false
	}
	r.touched = r.now()
	return r.value, true
}

// Set replaces the held value.
func (r *Ref[V]) Set(v V) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.value = v
	r.set = true
	r.touched = r.now()
}

func (r *Ref[V]) clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.set {
		return 0
	}
	var zero V
	r.value = zero
	r.set = false
	return 1
}

func (r *Ref[V]) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set {
		return 1
	}
	return 0
}

func (r *Ref[V]) sweep(cutoff time.Time) int {
	r.mu.Lock()
	stale := r.set && r.touched.Before(cutoff)
	r.mu.Unlock()
	if !stale {
		return 0
	}
	return r.clear()
}
