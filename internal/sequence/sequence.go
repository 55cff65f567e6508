// Package sequence issues human-facing ride identifiers from a persisted
// counter.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const counterName = "rideId"

type Config struct {
	Prefix  string
	Base    int64
	Ceiling int64
}

func DefaultConfig() Config {
	return Config{Prefix: "RID", Base: 100000, Ceiling: 999999}
}

type Generator struct {
	store  storage.SequenceStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewGenerator(store storage.SequenceStore, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, cfg: cfg, logger: logger.With("component", "sequence"), now: time.Now}
}

// Next returns the next ride id. Past the ceiling the counter is reset to
// the base and the base itself is issued. The reset is a second write, so
// a concurrent caller may still see a value above the ceiling.
//
// Next never fails: when the counter is unreachable it returns a
// timestamp-derived id that is not checked for uniqueness.
func (g *Generator) Next(ctx context.Context) string {
	n, err := g.store.NextSequence(ctx, counterName, g.cfg.Base)
	if err != nil {
		return g.fallback(err)
	}
	if n > g.cfg.Ceiling {
		if err := g.store.ResetSequence(ctx, counterName, g.cfg.Base); err != nil {
			return g.fallback(err)
		}
		g.logger.Info("ride id counter wrapped", "ceiling", g.cfg.Ceiling, "base", g.cfg.Base)
		n = g.cfg.Base
	}
	return g.format(n)
}

func (g *Generator) format(n int64) string {
	return fmt.Sprintf("%s%06d", g.cfg.Prefix, n)
}

func (g *Generator) fallback(cause error) string {
	ms := g.now().UnixMilli() % 1000000
	id := fmt.Sprintf("%s%06d%03d", g.cfg.Prefix, ms, rand.Intn(1000))
	observability.RideIDFallbacksTotal.Inc()
	g.logger.Warn("ride id counter unavailable, using fallback id", "ride_id", id, "error", cause)
	return id
}
