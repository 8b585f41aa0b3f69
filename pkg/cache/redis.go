package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/renderflow/errors"
)

// RedisStore persists entries in Redis so multiple worker processes share one
// cache. Entries are serialized as JSON ({data: base64, metadata: {...}}) and
// expiry is delegated to Redis key TTLs, so an expired entry is a pure miss.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig configures the Redis backing store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // defaults to "renderflow:cache:"
}

// NewRedisStore creates a Redis-backed store. The connection is verified with
// a ping bounded by the given timeout.
func NewRedisStore(ctx context.Context, cfg RedisConfig, pingTimeout time.Duration) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "RedisStore", "NewRedisStore", "addr required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "renderflow:cache:"
	}
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "RedisStore", "NewRedisStore", "ping")
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Get fetches and deserializes the entry for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "RedisStore", "Get", "redis get")
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry behaves like a miss; the writer will refill it.
		return nil, errors.ErrKeyNotFound
	}

	return &entry, nil
}

// Set serializes and stores the entry with a Redis key TTL.
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "RedisStore", "Set", "empty key")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "RedisStore", "Set", "marshal entry")
	}

	if err := s.client.Set(ctx, s.keyPrefix+key, data, ttl).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Set", "redis set")
	}

	return nil
}

// Delete removes an entry by key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Delete", "redis del")
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
