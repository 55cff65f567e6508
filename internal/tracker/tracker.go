// Package tracker keeps the last known location of riders.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type Entry struct {
	UserID    string
	RideID    string
	Location  models.Coord
	UpdatedAt time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry
	log     storage.LocationLog
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a tracker. locLog may be nil, in which case nothing is
// persisted.
func New(locLog storage.LocationLog, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		entries: make(map[string]Entry),
		log:     locLog,
		logger:  logger.With("component", "tracker"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Update overwrites the user's location and appends it to the location log.
// Log failures are reported but never returned.
func (t *Tracker) Update(ctx context.Context, userID string, loc models.Coord, rideID string) Entry {
	e := Entry{UserID: userID, RideID: rideID, Location: loc, UpdatedAt: t.now()}
	t.mu.Lock()
	if rideID == "" {
		// keep the ride association from an earlier update
		if prev, ok := t.entries[userID]; ok {
			e.RideID = prev.RideID
		}
	}
	t.entries[userID] = e
	t.mu.Unlock()

	if t.log != nil {
		snap := models.UserLocationSnapshot{UserID: userID, RideID: e.RideID, Location: loc, Timestamp: e.UpdatedAt}
		if err := t.log.AppendUserLocation(ctx, snap); err != nil {
			t.logger.Warn("user location not persisted", "user_id", userID, "error", err)
		}
	}
	return e
}

func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e, ok
}

// SweepStale evicts every entry older than staleAfter, whatever its ride
// state.
func (t *Tracker) SweepStale(staleAfter time.Duration) int {
	cutoff := t.now().Add(-staleAfter)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
