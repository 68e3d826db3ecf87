package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"videoloop/internal/apperrors"
)

// keyPrefix namespaces blob keys in a shared Redis instance.
const keyPrefix = "blob:"

// RedisStore stores blobs as Redis string values. Suitable for deployments
// where instances share no filesystem; segment payloads are a few MB at most.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed blob store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the stored bytes for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, apperrors.Validation("key", fmt.Sprintf("invalid blob key %q", key))
	}
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("blob", key)
	}
	if err != nil {
		return nil, apperrors.Internal("blob.get", err)
	}
	return data, nil
}

// Put stores data under key, overwriting any previous value.
func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	if !ValidKey(key) {
		return apperrors.Validation("key", fmt.Sprintf("invalid blob key %q", key))
	}
	if err := s.client.Set(ctx, keyPrefix+key, data, 0).Err(); err != nil {
		return apperrors.Internal("blob.put", err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if !ValidKey(key) {
		return false, apperrors.Validation("key", fmt.Sprintf("invalid blob key %q", key))
	}
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, apperrors.Internal("blob.exists", err)
	}
	return n > 0, nil
}

// Ready checks Redis is reachable (readiness probe hook).
func (s *RedisStore) Ready(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
