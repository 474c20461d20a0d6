package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrTenantRequired is returned when a cache call carries no tenant.
var ErrTenantRequired = errors.New("tenantID is required")

// DefaultNearTTL bounds how long the near tier of a TieredCache keeps a value.
const DefaultNearTTL = 5 * time.Minute

// New builds the cache selected by cfg.Type: "memory" for an in-process LRU,
// "redis" for Redis, fronted by an LRU when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if !cfg.EnableTwoPhase {
			return remote, nil
		}
		return NewTieredCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TieredCache reads through a fast near cache to a shared far cache.
// Far-tier hits are copied into the near tier for at most nearTTL.
type TieredCache struct {
	near    domain.Cache
	far     domain.Cache
	nearTTL time.Duration
}

// NewTieredCache composes two caches. A zero nearTTL uses DefaultNearTTL.
func NewTieredCache(near, far domain.Cache, nearTTL time.Duration) *TieredCache {
	if nearTTL <= 0 {
		nearTTL = DefaultNearTTL
	}
	return &TieredCache{near: near, far: far, nearTTL: nearTTL}
}

// Get checks the near tier, then the far tier.
func (c *TieredCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.near.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}

	val, err := c.far.Get(ctx, tenantID, key)
	if err != nil || val == nil {
		return val, err
	}
	if err := c.near.Set(ctx, tenantID, key, val, c.nearTTL); err != nil {
		slog.Warn("failed to promote cache entry", "tenant_id", tenantID, "error", err)
	}
	return val, nil
}

// Set writes the far tier first so the near tier never holds a value the
// shared tier rejected.
func (c *TieredCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.far.Set(ctx, tenantID, key, value, ttl); err != nil {
		return err
	}
	return c.near.Set(ctx, tenantID, key, value, min(ttl, c.nearTTL))
}

// Ping checks both tiers.
func (c *TieredCache) Ping(ctx context.Context) error {
	if err := c.near.Ping(ctx); err != nil {
		return fmt.Errorf("near cache: %w", err)
	}
	if err := c.far.Ping(ctx); err != nil {
		return fmt.Errorf("far cache: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TieredCache) Close() error {
	return errors.Join(c.near.Close(), c.far.Close())
}
