package domain

import (
	"context"
	"time"
)

// Cache is a tenant-scoped byte cache. Kestrel keeps scored uploads in it,
// so a value is only ever written once per digest and left to expire.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores value until ttl elapses. A non-positive ttl stores nothing.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `yaml:"localMaxSize"`
	LocalTTL     time.Duration `yaml:"localTTL"`

	// Redis settings (Pro tier)
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	// EnableTwoPhase fronts Redis with the local LRU; LocalTTL then bounds
	// how long a Redis hit is served locally.
	EnableTwoPhase bool `yaml:"enableTwoPhase"`
}
