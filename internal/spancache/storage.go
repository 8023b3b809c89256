// Package spancache provides the centralized storage that holds every span
// association made by the correlators.
//
// All lookup tables live here so that a reconfiguration of the tracing
// backend can discard every in-flight span in one synchronous Flush, ensuring
// the new backend is never asked to handle spans created by the previous one.
//
// Entries are grouped by owner. An owner (typically one execution) is
// released deterministically when it completes. Since completion is not
// guaranteed to be reported, a periodic Sweep evicts entries that have not
// been touched for a bounded time, and unregisters owners left with nothing.
// Owners that live as long as the process are pinned and never unregistered.
package spancache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type key struct {
	owner         string
	discriminator string
}

// store is implemented by every Cache and Ref instantiation.
type store interface {
	clear() int
	size() int
	sweep(cutoff time.Time) int
}

// Storage owns all caches and references.
type Storage struct {
	mu     sync.Mutex
	caches map[key]store
	refs   map[key]store
	pinned map[string]struct{}
	now    func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// New creates an empty Storage.
func New(opts ...Option) *Storage {
	s := &Storage{
		caches: make(map[key]store),
		refs:   make(map[key]store),
		pinned: make(map[string]struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pin keeps the caches of owner registered when a sweep empties them.
// Holders of a long-lived cache pin its owner so that Flush keeps reaching it.
func (s *Storage) Pin(owner string) {
	s.mu.Lock()
	s.pinned[owner] = struct{}{}
	s.mu.Unlock()
}

// CacheFor returns the cache registered for (owner, discriminator), creating
// it on first use. Requesting an existing cache with different type
// parameters is a programming error and panics.
func CacheFor[K comparable, V any](s *Storage, owner, discriminator string) *Cache[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{owner: owner, discriminator: discriminator}
	if existing, ok := s.caches[k]; ok {
		c, ok := existing.(*Cache[K, V])
		if !ok {
			panic(fmt.Sprintf("spancache: cache %s/%s requested with mismatched types", owner, discriminator))
		}
		return c
	}
	c := newCache[K, V](s.now)
	s.caches[k] = c
	return c
}

// RefFor registers a reference holding value for (owner, discriminator).
// A previous reference under the same key is replaced.
func RefFor[V any](s *Storage, owner, discriminator string, value V) *Ref[V] {
	r := &Ref[V]{now: s.now}
	r.Set(value)

	s.mu.Lock()
	s.refs[key{owner: owner, discriminator: discriminator}] = r
	s.mu.Unlock()
	return r
}

// Flush clears every cache and reference. Caches stay registered so that
// holders keep working against empty tables.
func (s *Storage) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for _, c := range s.caches {
		cleared += c.clear()
	}
	for k, r := range s.refs {
		cleared += r.clear()
		delete(s.refs, k)
	}
	return cleared
}

// Release clears and unregisters everything owned by owner.
func (s *Storage) Release(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for k, c := range s.caches {
		if k.owner == owner {
			released += c.clear()
			delete(s.caches, k)
		}
	}
	for k, r := range s.refs {
		if k.owner == owner {
			released += r.clear()
			delete(s.refs, k)
		}
	}
	return released
}

// Sweep evicts entries not touched within maxAge. An unpinned owner whose
// caches are all empty and whose references are all gone afterwards is
// unregistered, as if released.
func (s *Storage) Sweep(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	live := make(map[string]struct{})
	for k, c := range s.caches {
		evicted += c.sweep(cutoff)
		if c.size() > 0 {
			live[k.owner] = struct{}{}
		}
	}
	for k, r := range s.refs {
		if n := r.sweep(cutoff); n > 0 {
			evicted += n
			delete(s.refs, k)
			continue
		}
		live[k.owner] = struct{}{}
	}

	for k := range s.caches {
		if _, ok := live[k.owner]; ok {
			continue
		}
		if _, ok := s.pinned[k.owner]; ok {
			continue
		}
		delete(s.caches, k)
	}
	return evicted
}

// Size returns the number of live entries and references.
func (s *Storage) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.caches {
		total += c.size()
	}
	for _, r := range s.refs {
		total += r.size()
	}
	return total
}

// Stats summarizes the storage for diagnostics.
type Stats struct {
	Caches  int `json:"caches"`
	Refs    int `json:"refs"`
	Owners  int `json:"owners"`
	Entries int `json:"entries"`
}

// Stats returns a snapshot of the storage layout.
func (s *Storage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners := make(map[string]struct{})
	st := Stats{Caches: len(s.caches), Refs: len(s.refs)}
	for k, c := range s.caches {
		owners[k.owner] = struct{}{}
		st.Entries += c.size()
	}
	for k, r := range s.refs {
		owners[k.owner] = struct{}{}
		st.Entries += r.size()
	}
	st.Owners = len(owners)
	return st
}

// Run sweeps the storage every interval until ctx is done. onSweep, when
// set, receives the number of evicted entries and the remaining size.
func (s *Storage) Run(ctx context.Context, interval, maxAge time.Duration, onSweep func(evicted, size int)) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := s.Sweep(maxAge)
			if onSweep != nil {
				onSweep(evicted, s.Size())
			}
		}
	}
}
