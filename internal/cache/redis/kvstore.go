package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RomanHuBoss/bybit-grid-trading-system-sub000/internal/domain"
)

// KVStore implements domain.KVStore over a shared Redis keyspace: anti-churn
// cooldown keys, last-seen WS sequence markers, kill-switch flags, and
// calibration JSON blobs.
type KVStore struct {
	rdb *redis.Client
}

// NewKVStore creates a KVStore backed by the given Client.
func NewKVStore(c *Client) *KVStore {
	return &KVStore{rdb: c.Underlying()}
}

// Get returns (value, true, nil) if key exists, (\"\", false, nil) if it is
// absent, or a non-nil error for any other Redis failure.
func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetEx writes key=value with the given TTL.
func (s *KVStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Set writes key=value with no expiry.
func (s *KVStore) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

// Del removes key; absence is not an error.
func (s *KVStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

var _ domain.KVStore = (*KVStore)(nil)
