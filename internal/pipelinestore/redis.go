package pipelinestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "pipeline:"
	listKey   = "pipelines"
)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store using an existing Redis client. The client
// is shared with the event ingestion and is not closed by the store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func defKey(name string) string     { return keyPrefix + name }
func counterKey(name string) string { return keyPrefix + name + ":builds" }

// Put saves a definition.
func (s *RedisStore) Put(ctx context.Context, req *PutRequest) (*Definition, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	now := time.Now().UTC()
	def, err := s.Get(ctx, req.Name)
	switch {
	case errors.Is(err, ErrNotFound):
		def = &Definition{Name: req.Name, CreatedAt: now, CreatedBy: req.CreatedBy}
	case err != nil:
		return nil, err
	}
	def.Description = req.Description
	def.Pipeline = req.Pipeline
	def.Version++
	def.UpdatedAt = now

	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, defKey(req.Name), data, 0)
	pipe.SAdd(ctx, listKey, req.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("save pipeline: %w", err)
	}
	return def, nil
}

// Get retrieves a definition by name.
func (s *RedisStore) Get(ctx context.Context, name string) (*Definition, error) {
	data, err := s.client.Get(ctx, defKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &def, nil
}

// Delete removes a definition and its build counter.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	exists, err := s.client.Exists(ctx, defKey(name)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, defKey(name), counterKey(name))
	pipe.SRem(ctx, listKey, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	return nil
}

// List returns definitions matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*Definition, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	names, err := s.client.SMembers(ctx, listKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := s.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			// Stale reference, clean up
			s.client.SRem(ctx, listKey, name)
			continue
		}
		if err != nil {
			continue
		}
		if opts.CreatedBy != "" && def.CreatedBy != opts.CreatedBy {
			continue
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return page(defs, opts), nil
}

// NextNumber allocates the next build number.
func (s *RedisStore) NextNumber(ctx context.Context, name string) (int, error) {
	exists, err := s.client.Exists(ctx, defKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	n, err := s.client.Incr(ctx, counterKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr build number: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
