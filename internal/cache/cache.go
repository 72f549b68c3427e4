// Package cache provides the fail-open forecast result cache.
//
// Backend failures are logged and counted, then treated as a miss on read
// and a no-op on write. A ResultCache never returns an error to its caller.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/i474232898/airquality-forecast/internal/airquality"
	"github.com/i474232898/airquality-forecast/internal/metrics"
)

// DefaultTTL is how long a cached forecast stays live.
const DefaultTTL = time.Hour

// ErrMiss is returned by a Backend when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is a byte-oriented key/value store with per-entry expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ResultCache stores serialized ForecastSeries keyed by location and horizon.
type ResultCache struct {
	backend Backend
	ttl     time.Duration
}

// New creates a ResultCache. A nil backend yields a cache that always misses.
func New(backend Backend, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{backend: backend, ttl: ttl}
}

// Key builds the cache key for a location and horizon.
func Key(locationID string, horizon int) string {
	return fmt.Sprintf("forecast:%s:%d", locationID, horizon)
}

// Get implements airquality.ForecastCache. The returned series is a fresh
// decode, so callers may modify it freely.
func (c *ResultCache) Get(ctx context.Context, locationID string, horizon int) (airquality.ForecastSeries, bool) {
	if c == nil || c.backend == nil {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return airquality.ForecastSeries{}, false
	}

	key := Key(locationID, horizon)
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.degrade("get", key, err)
		}
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return airquality.ForecastSeries{}, false
	}

	var series airquality.ForecastSeries
	if err := json.Unmarshal(data, &series); err != nil {
		c.degrade("decode", key, err)
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return airquality.ForecastSeries{}, false
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return series, true
}

// Put implements airquality.ForecastCache. Later writes replace earlier ones.
func (c *ResultCache) Put(ctx context.Context, locationID string, horizon int, series airquality.ForecastSeries) {
	if c == nil || c.backend == nil {
		return
	}
	key := Key(locationID, horizon)
	data, err := json.Marshal(series)
	if err != nil {
		c.degrade("encode", key, err)
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.degrade("set", key, err)
	}
}

func (c *ResultCache) degrade(op, key string, err error) {
	metrics.CacheErrors.WithLabelValues(op).Inc()
	slog.Warn("cache: degraded to "+missOrNoop(op), "op", op, "key", key,
		"err", fmt.Errorf("%w: %v", airquality.ErrCacheUnavailable, err))
}

func missOrNoop(op string) string {
	if op == "set" || op == "encode" {
		return "no-op"
	}
	return "miss"
}
