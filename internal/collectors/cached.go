package collectors

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"minerwatch/internal/metrics"
	"minerwatch/internal/models"
)

// Cache is the key/value store used by the cached collectors
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration) error
}

// CachedGeo caches resolved geo results per IP
type CachedGeo struct {
	next   GeoLookup
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedGeo wraps next with a cache
func NewCachedGeo(next GeoLookup, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedGeo {
	return &CachedGeo{next: next, cache: cache, ttl: ttl, logger: logger}
}

// Lookup returns the cached result when present
func (c *CachedGeo) Lookup(ctx context.Context, ip string) models.GeoResult {
	key := NameGeo + ":" + ip
	if v, ok := c.cache.Get(key); ok {
		if res, ok := v.(models.GeoResult); ok {
			metrics.RecordCacheLookup(NameGeo, true)
			return res
		}
	}
	metrics.RecordCacheLookup(NameGeo, false)

	res := c.next.Lookup(ctx, ip)
	if res.Resolved() {
		if err := c.cache.Set(key, res, c.ttl); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("Failed to cache geo result")
		}
	}
	return res
}

// CachedNetwork caches network scan results per IP
type CachedNetwork struct {
	next   NetworkScanner
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedNetwork wraps next with a cache
func NewCachedNetwork(next NetworkScanner, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedNetwork {
	return &CachedNetwork{next: next, cache: cache, ttl: ttl, logger: logger}
}

// Scan returns the cached result when present
func (c *CachedNetwork) Scan(ctx context.Context, ip string) models.NetworkResult {
	key := NameNetwork + ":" + ip
	if v, ok := c.cache.Get(key); ok {
		if res, ok := v.(models.NetworkResult); ok {
			metrics.RecordCacheLookup(NameNetwork, true)
			return res
		}
	}
	metrics.RecordCacheLookup(NameNetwork, false)

	res := c.next.Scan(ctx, ip)
	if !res.Empty() {
		if err := c.cache.Set(key, res, c.ttl); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("Failed to cache network result")
		}
	}
	return res
}
