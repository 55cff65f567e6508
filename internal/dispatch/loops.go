package dispatch

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// RunSweeper evicts stale drivers and riders every interval until ctx is
// done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one eviction pass and reports how many drivers and riders it
// removed.
func (c *Coordinator) Sweep(ctx context.Context) (drivers, users int) {
	removed := c.presence.SweepStale(c.opts.DriverStaleAfter)
	for _, id := range removed {
		if err := c.geo.Remove(ctx, id); err != nil {
			c.logger.Warn("geo remove failed", "driver_id", id, "error", err)
		}
	}
	users = c.tracker.SweepStale(c.opts.UserStaleAfter)
	c.pruneRecent()

	observability.SweepEvictions.WithLabelValues("driver").Add(float64(len(removed)))
	observability.SweepEvictions.WithLabelValues("user").Add(float64(users))
	if len(removed) > 0 {
		c.broadcastOnlineDrivers()
	}
	if len(removed) > 0 || users > 0 {
		c.logger.Info("stale entries swept", "drivers", len(removed), "users", users)
	}
	return len(removed), users
}

func (c *Coordinator) pruneRecent() {
	now := c.now()
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	for k, rb := range c.recent {
		if now.After(rb.expires) {
			delete(c.recent, k)
		}
	}
}

// RunStatus refreshes the occupancy gauges every interval.
func (c *Coordinator) RunStatus(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.reportStatus()
		}
	}
}

func (c *Coordinator) reportStatus() {
	online, total := c.presence.Counts()
	sessions := c.sessions.Len()
	users := c.tracker.Len()
	observability.DriversOnline.Set(float64(online))
	observability.DriversTracked.Set(float64(total))
	observability.ActiveSessions.Set(float64(sessions))
	observability.TrackedUsers.Set(float64(users))
	c.logger.Debug("dispatch status", "drivers_online", online, "drivers_total", total, "sessions", sessions, "tracked_users", users)
}
