package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RiskCache remembers scored uploads by content digest so that re-uploading
// the same file does not rescan it.
type RiskCache struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewRiskCache wraps a cache for risk results. A zero TTL disables caching.
func NewRiskCache(c domain.Cache, ttl time.Duration) *RiskCache {
	return &RiskCache{cache: c, ttl: ttl}
}

// Digest returns the hex SHA-256 of an upload.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for a digest, or nil on a miss.
func (r *RiskCache) Get(ctx context.Context, tenantID, digest string) (*domain.RiskResult, error) {
	data, err := r.cache.Get(ctx, tenantID, riskKey(digest))
	if err != nil || data == nil {
		return nil, err
	}

	var result domain.RiskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached risk result: %w", err)
	}
	return &result, nil
}

// Set stores a result under a digest.
func (r *RiskCache) Set(ctx context.Context, tenantID, digest string, result *domain.RiskResult) error {
	if r.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.cache.Set(ctx, tenantID, riskKey(digest), data, r.ttl)
}

func riskKey(digest string) string {
	return "risk:" + digest
}
