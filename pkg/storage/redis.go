package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 100

// RedisStore is a KeyValueStore backed by Redis. A Redis instance running
// with maxmemory and the noeviction policy reports a full store the same
// way a browser reports an exceeded quota.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
	}
}

// GetItem implements KeyValueStore.
func (s *RedisStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	value, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

// SetItem implements KeyValueStore.
func (s *RedisStore) SetItem(ctx context.Context, key, value string) error {
	return s.SetItemTTL(ctx, key, value, 0)
}

// SetItemTTL stores value and lets Redis drop it after ttl. A ttl <= 0
// keeps the item until it is removed.
func (s *RedisStore) SetItemTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		if isOutOfMemory(err) {
			return fmt.Errorf("redis set: %w: %v", ErrQuotaExceeded, err)
		}
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// RemoveItem implements KeyValueStore.
func (s *RedisStore) RemoveItem(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys implements KeyValueStore using SCAN, so it does not block Redis.
// Keys are returned sorted.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.redis.Scan(ctx, 0, escapeGlob(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// isOutOfMemory matches the "OOM command not allowed when used memory >
// 'maxmemory'" reply.
func isOutOfMemory(err error) bool {
	return strings.HasPrefix(err.Error(), "OOM ")
}

// escapeGlob escapes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
