// Package cache provides an optional Redis-backed cache with per-namespace
// TTLs. When Redis is unreachable at startup the cache degrades to a no-op
// so the service keeps running without it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Namespaces group cached values and carry their TTLs.
const (
	NamespaceRequest    = "request"
	NamespaceMarketData = "market_data"
	NamespaceAnalysis   = "analysis"
	NamespaceSession    = "session"
	NamespaceMetrics    = "metrics"
	NamespaceConfig     = "config"
)

// ErrMiss is returned by Get when the key is absent or the cache is disabled.
var ErrMiss = errors.New("cache miss")

var namespaceTTLs = map[string]time.Duration{
	NamespaceRequest:    300 * time.Second,
	NamespaceMarketData: 300 * time.Second,
	NamespaceAnalysis:   1800 * time.Second,
	NamespaceSession:    3600 * time.Second,
	NamespaceMetrics:    60 * time.Second,
	NamespaceConfig:     86400 * time.Second,
}

const defaultTTL = 300 * time.Second

// Config holds cache connection settings.
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string
	Log      zerolog.Logger
}

// Cache wraps a Redis client. A nil client means the cache is disabled and
// every operation is a no-op.
type Cache struct {
	client *redis.Client
	log    zerolog.Logger
}

// Open connects to Redis and verifies the connection with a short ping.
// On any failure it returns a disabled cache rather than an error: caching
// is an optimization, not a dependency.
func Open(cfg Config) *Cache {
	log := cfg.Log.With().Str("component", "cache").Logger()

	if cfg.Host == "" {
		log.Info().Msg("Cache disabled, no host configured")
		return &Cache{log: log}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", client.Options().Addr).Msg("Cache unreachable, running without it")
		_ = client.Close()
		return &Cache{log: log}
	}

	log.Info().Str("addr", client.Options().Addr).Int("db", cfg.DB).Msg("Cache connected")
	return &Cache{client: client, log: log}
}

// Available reports whether the cache backend is usable.
func (c *Cache) Available() bool {
	return c != nil && c.client != nil
}

// key builds the namespaced storage key.
func key(namespace, k string) string {
	return "tacore:" + namespace + ":" + k
}

// ttlFor returns the TTL for a namespace, falling back to the default.
func ttlFor(namespace string) time.Duration {
	if ttl, ok := namespaceTTLs[namespace]; ok {
		return ttl
	}
	return defaultTTL
}

// Set stores a msgpack-encoded value under the namespace's TTL.
// A no-op when the cache is disabled.
func (c *Cache) Set(ctx context.Context, namespace, k string, value interface{}) error {
	if !c.Available() {
		return nil
	}
	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if err := c.client.Set(ctx, key(namespace, k), encoded, ttlFor(namespace)).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", k, err)
	}
	return nil
}

// Get decodes the cached value into out. Returns ErrMiss when absent or
// when the cache is disabled.
func (c *Cache) Get(ctx context.Context, namespace, k string, out interface{}) error {
	if !c.Available() {
		return ErrMiss
	}
	raw, err := c.client.Get(ctx, key(namespace, k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("failed to get cache key %s: %w", k, err)
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode cache value for %s: %w", k, err)
	}
	return nil
}

// Delete removes a key. A no-op when the cache is disabled.
func (c *Cache) Delete(ctx context.Context, namespace, k string) error {
	if !c.Available() {
		return nil
	}
	return c.client.Del(ctx, key(namespace, k)).Err()
}

// FlushNamespace removes all keys in a namespace with a cursor scan.
func (c *Cache) FlushNamespace(ctx context.Context, namespace string) (int64, error) {
	if !c.Available() {
		return 0, nil
	}
	var deleted int64
	iter := c.client.Scan(ctx, 0, key(namespace, "*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Err()
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if !c.Available() {
		return nil
	}
	return c.client.Close()
}
