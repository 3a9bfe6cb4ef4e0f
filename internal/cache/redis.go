// internal/cache/redis.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// ErrSharedMiss is returned by SharedCache.Get when the key is absent.
var ErrSharedMiss = errors.New("shared cache miss")

// SharedCache is a Redis-backed cache shared between cooperating worker
// processes, used for results worth reusing across pods (discovered
// directory URLs, learned extraction profiles). The in-process Manager
// remains the first-level cache; SharedCache is consulted on local miss.
type SharedCache struct {
	client    *redis.Client
	namespace string
	logger    utils.Logger
}

// SharedCacheConfig configures the Redis connection.
type SharedCacheConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// NewSharedCache connects to Redis and verifies the connection.
func NewSharedCache(ctx context.Context, cfg SharedCacheConfig) (*SharedCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "vitality"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &SharedCache{
		client:    client,
		namespace: cfg.Namespace,
		logger:    utils.NewComponentLogger("shared-cache"),
	}, nil
}

// newSharedCacheWithClient is used by tests to inject a miniredis-backed
// client.
func newSharedCacheWithClient(client *redis.Client, namespace string) *SharedCache {
	return &SharedCache{
		client:    client,
		namespace: namespace,
		logger:    utils.NewComponentLogger("shared-cache"),
	}
}

func (s *SharedCache) namespaced(key string) string {
	return s.namespace + ":" + key
}

// Get fetches a value; ErrSharedMiss on absence.
func (s *SharedCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSharedMiss
	}
	if err != nil {
		return nil, fmt.Errorf("shared cache get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value with the given TTL.
func (s *SharedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.namespaced(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("shared cache set %s: %w", key, err)
	}
	return nil
}

// Invalidate removes a key.
func (s *SharedCache) Invalidate(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.namespaced(key)).Err()
}

// Close releases the Redis connection.
func (s *SharedCache) Close() error {
	return s.client.Close()
}
