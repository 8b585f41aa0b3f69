package cache

import (
	"context"
	"sync"
	"time"

	"github.com/c360/renderflow/errors"
)

// memoryEntry wraps an entry with its expiry.
type memoryEntry struct {
	entry     *Entry
	expiresAt time.Time
}

func (e *memoryEntry) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// MemoryStore is a thread-safe in-process TTL store. Expired entries are
// evicted lazily on read and periodically by a background cleanup goroutine.
type MemoryStore struct {
	mu              sync.RWMutex
	items           map[string]*memoryEntry
	cleanupInterval time.Duration

	// Background cleanup coordination
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewMemoryStore creates an in-memory store. The cleanup goroutine runs until
// ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context, cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &MemoryStore{
		items:           make(map[string]*memoryEntry),
		cleanupInterval: cleanupInterval,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go s.cleanup(ctx)

	return s
}

// Get returns the entry for key, treating an expired entry as absent.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	item, exists := s.items[key]
	s.mu.RUnlock()

	if !exists {
		return nil, errors.ErrKeyNotFound
	}

	if item.isExpired() {
		s.mu.Lock()
		// Double-check it's still there and still expired
		if current, stillExists := s.items[key]; stillExists && current.isExpired() {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return nil, errors.ErrKeyNotFound
	}

	return item.entry, nil
}

// Set upserts the entry under key with the given TTL.
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidPayload, "MemoryStore", "Set", "empty key")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	s.mu.Lock()
	s.items[key] = &memoryEntry{
		entry:     entry,
		expiresAt: time.Now().Add(ttl),
	}
	s.mu.Unlock()

	return nil
}

// Delete removes an entry by key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of resident entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.once.Do(func() {
		close(s.shutdown)
	})

	select {
	case <-s.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown, "MemoryStore", "Close",
			"wait for cleanup goroutine")
	}
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *MemoryStore) removeExpired() {
	now := time.Now()

	s.mu.Lock()
	for key, item := range s.items {
		if now.After(item.expiresAt) {
			delete(s.items, key)
		}
	}
	s.mu.Unlock()
}
