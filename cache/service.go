package cache

import (
	"context"
	"log/slog"
	"time"
)

// RemoteStore is the shared tier behind the memory cache
type RemoteStore interface {
	GetObject(ctx context.Context, key string, target any) (bool, error)
	SetObject(ctx context.Context, key string, value any, expiry time.Duration) error
}

var _ RemoteStore = (*RedisCache)(nil)

// Service reads through the memory cache, then the remote store, then a loader
type Service struct {
	memory *MemoryCache
	remote RemoteStore
	logger *slog.Logger
}

// NewService creates a cache service. remote may be nil.
func NewService(memory *MemoryCache, remote RemoteStore, logger *slog.Logger) *Service {
	if memory == nil {
		memory = NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{memory: memory, remote: remote, logger: logger}
}

// Memory returns the in-process tier
func (s *Service) Memory() *MemoryCache {
	return s.memory
}

// Options controls one GetOrSet lookup
type Options[T any] struct {
	// TTL applies to both tiers. Zero uses the memory default and no Redis expiry.
	TTL time.Duration
	// UseRemote reads the remote store on a memory miss
	UseRemote bool
	// Load is called when both tiers miss
	Load func(ctx context.Context) (T, error)
	// WriteRemote stores loaded values in the remote store
	WriteRemote bool
}

// Option configures a GetOrSet lookup
type Option[T any] func(*Options[T])

// WithTTL sets the expiration of cached values
func WithTTL[T any](ttl time.Duration) Option[T] {
	return func(o *Options[T]) {
		o.TTL = ttl
	}
}

// WithRemote enables the remote tier
func WithRemote[T any]() Option[T] {
	return func(o *Options[T]) {
		o.UseRemote = true
	}
}

// WithLoader sets the function used when both tiers miss. writeRemote stores
// the loaded value in the remote store.
func WithLoader[T any](load func(ctx context.Context) (T, error), writeRemote bool) Option[T] {
	return func(o *Options[T]) {
		o.Load = load
		o.WriteRemote = writeRemote
	}
}

// GetOrSet returns the value for key from the first tier that has it. A remote
// hit is copied into memory. A loaded value is returned without being cached
// in memory and is written to the remote store when requested; a failed
// remote write is logged only. found is false when no tier produced a value.
func GetOrSet[T any](ctx context.Context, s *Service, key string, options ...Option[T]) (value T, found bool, err error) {
	opts := Options[T]{}
	for _, opt := range options {
		opt(&opts)
	}

	if v, ok := s.memory.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, true, nil
		}
	}

	if opts.UseRemote && s.remote != nil {
		var remote T
		ok, err := s.remote.GetObject(ctx, key, &remote)
		if err != nil {
			s.logger.Warn("remote cache read failed", "key", key, "error", err)
		} else if ok {
			s.memory.Set(key, remote, opts.TTL)
			return remote, true, nil
		}
	}

	if opts.Load == nil {
		return value, false, nil
	}

	loaded, err := opts.Load(ctx)
	if err != nil {
		return value, false, err
	}

	if opts.WriteRemote && s.remote != nil {
		if err := s.remote.SetObject(ctx, key, loaded, opts.TTL); err != nil {
			s.logger.Warn("remote cache write failed", "key", key, "error", err)
		}
	}
	return loaded, true, nil
}
