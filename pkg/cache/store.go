package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the store
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// StoredEntry is the serialized form of an Entry in a second-tier store.
type StoredEntry struct {
	Data       json.RawMessage `json:"data"`
	FetchedAt  time.Time       `json:"fetched_at"`
	StaleAfter time.Time       `json:"stale_after"`
	EvictAfter time.Time       `json:"evict_after"`
}

// Store is a second cache tier shared between processes. A Manager consults
// it when an identity is not held in memory.
type Store interface {
	// Load returns ErrCacheMiss if nothing is stored under key.
	Load(ctx context.Context, key string) (*StoredEntry, error)

	// Save stores entry under key for ttl.
	Save(ctx context.Context, key string, entry *StoredEntry, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// RedisStore keeps entries in Redis.
type RedisStore struct {
	redis redis.UniversalClient
}

// NewRedisStore creates a store on the given Redis client.
func NewRedisStore(redisClient redis.UniversalClient) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
	}
}

// Load retrieves an entry by key.
func (s *RedisStore) Load(ctx context.Context, key string) (*StoredEntry, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry StoredEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	return &entry, nil
}

// Save stores an entry. Redis drops it once ttl has elapsed.
func (s *RedisStore) Save(ctx context.Context, key string, entry *StoredEntry, ttl time.Duration) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if ttl <= 0 {
		// Already past eviction, don't store
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes an entry.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
