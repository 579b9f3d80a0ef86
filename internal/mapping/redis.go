package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "threatpipe:mapping:"

// RedisStore persists mapping documents in Redis, one key per source
// name. SET replaces the value atomically, which gives the store its
// whole-document replace guarantee for free.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load reads and parses the document stored under name.
func (s *RedisStore) Load(ctx context.Context, name string) (*Document, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read mapping %s: %w", name, err)
	}
	return Parse(data)
}

// Save validates text and atomically replaces the document under name.
func (s *RedisStore) Save(ctx context.Context, name string, text []byte) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if _, err := Parse(text); err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+name, text, 0).Err(); err != nil {
		return fmt.Errorf("failed to store mapping %s: %w", name, err)
	}
	return nil
}

// List returns the names of all stored documents.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var names []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val()[len(redisKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return names, nil
}
