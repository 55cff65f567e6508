package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend that can time a trip.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords. Expired
// entries are dropped on read and swept on write at most once per ttl.
type Cache struct {
	mu        sync.RWMutex
	store     map[string]cacheEntry
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f->%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) > c.ttl {
		for key, e := range c.store {
			if now.Sub(e.ts) > c.ttl {
				delete(c.store, key)
			}
		}
		c.lastSweep = now
	}
	c.store[k] = cacheEntry{v: v, ts: now}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Naive ETA: straight-line distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city speed
	}
	return geo.Haversine(from.Lat, from.Lng, to.Lat, to.Lng) / speedMps
}

// Estimator times trips with the routing client when there is one, falling
// back to the straight-line estimate.
type Estimator struct {
	client   Client
	cache    *Cache
	speedMps float64
	logger   *slog.Logger
}

// NewEstimator accepts a nil client and a nil cache.
func NewEstimator(client Client, cache *Cache, speedMps float64, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{client: client, cache: cache, speedMps: speedMps, logger: logger.With("component", "eta")}
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return v
		}
	}
	if e.client != nil {
		v, err := e.client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.cache != nil {
				e.cache.Set(from, to, v)
			}
			return v
		}
		e.logger.Warn("routing estimate failed, using straight line", "error", err)
	}
	return EstimateSeconds(from, to, e.speedMps)
}

// TravelTime formats the estimate the way bookings store it, e.g. "12 mins".
func (e *Estimator) TravelTime(ctx context.Context, from, to models.Coord) string {
	mins := int(math.Ceil(e.Seconds(ctx, from, to) / 60))
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("%d mins", mins)
}
