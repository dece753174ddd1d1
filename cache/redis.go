package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis connection
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection with PING
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// RedisCache stores JSON encoded values in Redis
type RedisCache struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// RedisOption configures the Redis cache
type RedisOption func(*RedisCache)

// WithRedisLogger sets the logger
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(c *RedisCache) {
		c.logger = logger
	}
}

// NewRedisCache wraps a Redis client
func NewRedisCache(client redis.UniversalClient, options ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, logger: slog.Default()}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// SetString stores value under key. A zero expiry keeps the key forever.
func (c *RedisCache) SetString(ctx context.Context, key, value string, expiry time.Duration) error {
	return c.client.Set(ctx, key, value, expiry).Err()
}

// SetObject stores value under key as JSON
func (c *RedisCache) SetObject(ctx context.Context, key string, value any, expiry time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, expiry).Err()
}

// GetString returns the string stored under key. A missing key is not an error.
func (c *RedisCache) GetString(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetObject decodes the JSON stored under key into target. It reports false
// when the key does not exist or holds an empty value.
func (c *RedisCache) GetObject(ctx context.Context, key string, target any) (bool, error) {
	value, ok, err := c.GetString(ctx, key)
	if err != nil || !ok || value == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), target); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Exists reports whether key exists
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Remove deletes key and reports whether it existed
func (c *RedisCache) Remove(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Del(ctx, key).Result()
	return n > 0, err
}

// Publish sends value as JSON on a pub/sub channel
func (c *RedisCache) Publish(ctx context.Context, channel string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", channel, err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// Subscribe calls handle with the payload of every message on channel until
// ctx is cancelled or the returned close function is called
func (c *RedisCache) Subscribe(ctx context.Context, channel string, handle func(payload []byte)) (func() error, error) {
	sub := c.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	go func() {
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				handle([]byte(msg.Payload))
			}
		}
	}()

	return sub.Close, nil
}
