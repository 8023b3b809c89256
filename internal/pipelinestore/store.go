// Package pipelinestore persists pipeline definitions that can be replayed
// through the simulator.
package pipelinestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound = errors.New("pipeline not found")
	ErrInvalid  = errors.New("invalid pipeline definition")
)

// Definition is a saved pipeline.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     int             `json:"version"`
	Pipeline    json.RawMessage `json:"pipeline"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// PutRequest creates or replaces a definition.
type PutRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Pipeline    json.RawMessage `json:"pipeline"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	CreatedBy string // Filter by creator
}

// Store defines pipeline definition persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put saves a definition, replacing an existing one of the same name
	// and bumping its version.
	Put(ctx context.Context, req *PutRequest) (*Definition, error)

	// Get retrieves a definition by name. Returns ErrNotFound if not found.
	Get(ctx context.Context, name string) (*Definition, error)

	// Delete removes a definition and its build counter. Returns
	// ErrNotFound if not found.
	Delete(ctx context.Context, name string) error

	// List returns definitions sorted by name.
	List(ctx context.Context, opts *ListOptions) ([]*Definition, error)

	// NextNumber allocates the next build number of a pipeline.
	NextNumber(ctx context.Context, name string) (int, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if a PutRequest is valid.
func (r *PutRequest) Validate() error {
	if r.Name == "" {
		return errors.New("pipeline name is required")
	}
	if len(r.Pipeline) == 0 {
		return errors.New("pipeline body is required")
	}
	if !json.Valid(r.Pipeline) {
		return errors.New("pipeline body is not valid JSON")
	}
	return nil
}

func page(defs []*Definition, opts *ListOptions) []*Definition {
	if opts.Offset > 0 {
		if opts.Offset >= len(defs) {
			return []*Definition{}
		}
		defs = defs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(defs) {
		defs = defs[:opts.Limit]
	}
	return defs
}
