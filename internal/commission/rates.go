package commission

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateSource loads the configured rates from somewhere slow (a table, a
// config service).
type RateSource interface {
	Load(ctx context.Context) (Rates, error)
}

// StaticRates is a RateSource and RateProvider that never changes.
type StaticRates Rates

func (s StaticRates) Load(context.Context) (Rates, error) { return Rates(s), nil }
func (s StaticRates) Current(context.Context) Rates        { return Rates(s) }

// CachedRates caches a RateSource for ttl. A failed refresh keeps serving the
// last-known-good rates; before the first successful load the fallback rates
// are served.
type CachedRates struct {
	source   RateSource
	ttl      time.Duration
	fallback Rates
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	current   Rates
	loaded    bool
	fetchedAt time.Time
}

// NewCachedRates wraps source with a TTL cache.
func NewCachedRates(source RateSource, ttl time.Duration, fallback Rates, logger *slog.Logger) *CachedRates {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedRates{
		source:   source,
		ttl:      ttl,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Current returns cached rates, refreshing lazily once the TTL elapsed.
func (c *CachedRates) Current(ctx context.Context) Rates {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.loaded && now.Sub(c.fetchedAt) < c.ttl {
		return c.current
	}

	r, err := c.source.Load(ctx)
	if err == nil {
		err = r.Validate()
	}
	if err != nil {
		// Retry on the next TTL boundary rather than on every call.
		c.fetchedAt = now
		if c.loaded {
			c.logger.Warn("commission rate refresh failed, keeping last-known-good", "error", err)
			return c.current
		}
		c.logger.Warn("commission rate load failed, using fallback rates", "error", err)
		return c.fallback
	}

	c.current = r
	c.loaded = true
	c.fetchedAt = now
	return r
}

// Invalidate forces the next Current call to reload.
func (c *CachedRates) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
