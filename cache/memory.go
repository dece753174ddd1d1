package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMemoryTTL is the sliding expiration used when no TTL is given
const DefaultMemoryTTL = time.Second

type memoryEntry struct {
	value     any
	ttl       time.Duration
	expiresAt time.Time
}

// MemoryCache is an in-process store with sliding expiration. Every read of
// an entry extends its lifetime by its TTL.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// MemoryOption configures the memory cache
type MemoryOption func(*MemoryCache)

// WithDefaultTTL sets the expiration used when Set is called without a TTL
func WithDefaultTTL(ttl time.Duration) MemoryOption {
	return func(c *MemoryCache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(c *MemoryCache) {
		c.logger = logger
	}
}

func withClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// NewMemoryCache creates an empty memory cache
func NewMemoryCache(options ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		entries:    make(map[string]*memoryEntry),
		defaultTTL: DefaultMemoryTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Get returns the value stored under key
func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	entry.expiresAt = now.Add(entry.ttl)
	return entry.value, true
}

// Set stores value under key. A zero ttl uses the default TTL.
func (c *MemoryCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memoryEntry{value: value, ttl: ttl, expiresAt: c.now().Add(ttl)}
}

// Remove deletes key
func (c *MemoryCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Flush removes every entry
func (c *MemoryCache) Flush() {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*memoryEntry)
	c.mu.Unlock()

	c.logger.Info("memory cache flushed", "entries", n)
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrAdd returns the cached value for key or stores the result of load
func GetOrAdd[T any](ctx context.Context, c *MemoryCache, key string, ttl time.Duration, load func(ctx context.Context, key string) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	value, err := load(ctx, key)
	if err != nil {
		c.logger.Error("failed to load cache entry", "key", key, "error", err)
		var zero T
		return zero, err
	}
	c.Set(key, value, ttl)
	return value, nil
}
