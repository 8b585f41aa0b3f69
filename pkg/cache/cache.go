// Package cache provides the content-addressed result cache for rendered
// artifacts.
//
// Identical render requests are common and renderer calls are expensive, so
// results are stored under a deterministic fingerprint of (content, format,
// options). The cache is strictly best-effort: a failing backing store
// degrades to pure pass-through (every lookup is a miss, every write is
// dropped) and never fails the surrounding request. Degraded-mode behavior
// is explicit in the returned PutResult so callers and tests can observe it.
//
// Two Store backends are provided: an in-memory TTL store with background
// cleanup, and a Redis store for multi-process deployments.
package cache

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/c360/renderflow/errors"
	"github.com/c360/renderflow/metric"
)

// Metadata describes a cached artifact.
type Metadata struct {
	CachedAt time.Time `json:"cachedAt"`
	Size     int       `json:"size"`
	Format   string    `json:"format"`
}

// Entry is one cached render result. Entries are immutable once written;
// a write for an existing fingerprint is an idempotent upsert of equivalent
// content, never a mutation.
type Entry struct {
	Data     []byte   `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// Store is the backing-store contract the cache facade needs. Implementations
// must treat a write for an existing key as an upsert and must make an entry
// expired past its TTL indistinguishable from a never-cached key.
type Store interface {
	// Get returns the entry for key, or errors.ErrKeyNotFound on a miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores entry under key with the given TTL.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes an entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases store resources.
	Close() error
}

// PutResult reports the outcome of a best-effort write. Stored is false when
// the backing store rejected or dropped the write; Err carries the swallowed
// cause for observability.
type PutResult struct {
	Stored bool
	Err    error
}

// Cache is the content cache facade: deterministic keys, best-effort
// reads/writes against a Store, and always-on hit/miss/set accounting.
type Cache struct {
	store     Store
	ttl       time.Duration
	opTimeout time.Duration
	stats     *Statistics
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// Option configures the cache facade.
type Option func(*Cache)

// WithMetrics exposes cache statistics through the platform metrics registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Cache) {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
	}
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOpTimeout bounds each store round-trip. A store call exceeding the
// timeout counts as a miss (get) or a dropped write (put).
func WithOpTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

// New creates a content cache over the given store with a default entry TTL.
func New(store Store, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		ttl:       ttl,
		opTimeout: 2 * time.Second,
		stats:     NewStatistics(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry for key, or nil and false on a miss. Backing
// store failures count as misses and are recorded as cache errors.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if !stderrors.Is(err, errors.ErrKeyNotFound) {
			c.stats.Error()
			if c.metrics != nil {
				c.metrics.CacheErrors.Inc()
			}
			c.logger.Warn("cache get degraded to miss", "key", key, "error", err)
		}
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return nil, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return entry, true
}

// Put stores data under key with the cache's TTL. Store failures are
// swallowed; caching is an optimization, never a correctness requirement.
// The returned PutResult makes the outcome observable.
func (c *Cache) Put(ctx context.Context, key string, data []byte, format string) PutResult {
	return c.PutTTL(ctx, key, data, format, c.ttl)
}

// PutTTL is Put with an explicit TTL override.
func (c *Cache) PutTTL(ctx context.Context, key string, data []byte, format string, ttl time.Duration) PutResult {
	entry := &Entry{
		Data: data,
		Metadata: Metadata{
			CachedAt: time.Now().UTC(),
			Size:     len(data),
			Format:   format,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.store.Set(ctx, key, entry, ttl); err != nil {
		c.stats.Error()
		if c.metrics != nil {
			c.metrics.CacheErrors.Inc()
		}
		c.logger.Warn("cache put dropped", "key", key, "error", err)
		return PutResult{Stored: false, Err: errors.WrapTransient(err, "Cache", "Put", "store write")}
	}

	c.stats.Set()
	if c.metrics != nil {
		c.metrics.CacheSets.Inc()
	}
	return PutResult{Stored: true}
}

// Invalidate removes an entry. Best-effort like every other cache operation.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.store.Delete(ctx, key); err != nil {
		c.stats.Error()
		c.logger.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

// Stats returns the cache statistics tracker.
func (c *Cache) Stats() *Statistics {
	return c.stats
}

// TTL returns the default entry TTL.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Close shuts down the backing store.
func (c *Cache) Close() error {
	return c.store.Close()
}
