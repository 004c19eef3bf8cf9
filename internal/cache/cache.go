// Package cache holds short-lived shared values (snapshots, spread lists,
// reconciliation reports) in Redis with TTLs and produced-at stamps so
// consumers can discard stale entries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry wraps a cached value with provenance so readers can discard older
// produced_at values regardless of delivery order.
type Entry struct {
	Data       json.RawMessage `json:"data"`
	Source     string          `json:"source"`
	ProducedAt time.Time       `json:"produced_at"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// Cache is the shared K/V surface used by the aggregator and position
// manager.
type Cache interface {
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	// Get unmarshals the cached value into dest and reports whether the key
	// was present. The entry's produced-at time is returned for staleness
	// checks.
	Get(ctx context.Context, key string, dest any) (time.Time, bool, error)
	Delete(ctx context.Context, key string) error
}

// RedisCache implements Cache on a Redis client with a key prefix.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "perparb:"
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (r *RedisCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}
	entry := Entry{
		Data:       data,
		Source:     "perparb",
		ProducedAt: time.Now().UTC(),
		TTLSeconds: int(ttl.Seconds()),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry for %s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) Get(ctx context.Context, key string, dest any) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, r.keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	if dest != nil {
		if err := json.Unmarshal(entry.Data, dest); err != nil {
			return time.Time{}, false, fmt.Errorf("failed to decode cache value %s: %w", key, err)
		}
	}
	return entry.ProducedAt, true, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyPrefix+key).Err()
}

// MemoryCache is an in-process Cache for tests, honoring TTL by expiry time.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data       []byte
	producedAt time.Time
	expiresAt  time.Time
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (m *MemoryCache) Set(_ context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.mu.Lock()
	m.entries[key] = memoryEntry{data: data, producedAt: now, expiresAt: now.Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string, dest any) (time.Time, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return time.Time{}, false, nil
	}
	if dest != nil {
		if err := json.Unmarshal(entry.data, dest); err != nil {
			return time.Time{}, false, err
		}
	}
	return entry.producedAt, true, nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
