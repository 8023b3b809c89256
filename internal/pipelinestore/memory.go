package pipelinestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	numbers map[string]int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:    make(map[string]*Definition),
		numbers: make(map[string]int),
	}
}

// Put saves a definition.
func (s *MemoryStore) Put(ctx context.Context, req *PutRequest) (*Definition, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	def, ok := s.defs[req.Name]
	if !ok {
		def = &Definition{Name: req.Name, CreatedAt: now, CreatedBy: req.CreatedBy}
		s.defs[req.Name] = def
	}
	def.Description = req.Description
	def.Pipeline = append(def.Pipeline[:0:0], req.Pipeline...)
	def.Version++
	def.UpdatedAt = now

	c := *def
	return &c, nil
}

// Get retrieves a definition by name.
func (s *MemoryStore) Get(ctx context.Context, name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[name]
	if !ok {
		return nil, ErrNotFound
	}
	c := *def
	return &c, nil
}

// Delete removes a definition.
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[name]; !ok {
		return ErrNotFound
	}
	delete(s.defs, name)
	delete(s.numbers, name)
	return nil
}

// List returns definitions matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*Definition, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	defs := make([]*Definition, 0, len(s.defs))
	for _, def := range s.defs {
		if opts.CreatedBy != "" && def.CreatedBy != opts.CreatedBy {
			continue
		}
		c := *def
		defs = append(defs, &c)
	}
	s.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return page(defs, opts), nil
}

// NextNumber allocates the next build number.
func (s *MemoryStore) NextNumber(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[name]; !ok {
		return 0, ErrNotFound
	}
	s.numbers[name]++
	return s.numbers[name], nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
