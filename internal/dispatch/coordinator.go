// Package dispatch is the ride lifecycle state machine: booking, broadcast to
// drivers, the accept race, status changes and location relay between a
// rider and the assigned driver.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/sequence"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracker"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrInvalidOTP  = errors.New("invalid otp")
	ErrNotAssigned = errors.New("ride is assigned to another driver")
)

const (
	RoomDrivers = "drivers"
	RoomRiders  = "riders"
)

func DriverRoom(driverID string) string { return "driver:" + driverID }
func UserRoom(userID string) string     { return "user:" + userID }

// Transport delivers events to connections and rooms. Delivery is
// fire-and-forget.
type Transport interface {
	Join(connID, room string)
	Leave(connID, room string)
	EmitToConn(connID, event string, data any)
	EmitTo(room, event string, data any)
	EmitToExcept(room, exceptConnID, event string, data any)
}

// Telemetry receives every persisted driver location snapshot.
type Telemetry interface {
	PublishLocation(ctx context.Context, snap models.DriverLocationSnapshot) error
}

// Payments holds a fare on accept and settles it when the ride ends.
// Amounts are in minor currency units.
type Payments interface {
	Hold(ctx context.Context, amount int64, customerID, rideID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

type TravelTimer interface {
	TravelTime(ctx context.Context, from, to models.Coord) string
}

type Deps struct {
	Store     storage.Store
	Presence  *presence.Registry
	Sessions  *session.Table
	Tracker   *tracker.Tracker
	Pricing   *pricing.Service
	Sequence  *sequence.Generator
	Geo       geo.Geo
	Transport Transport

	// Optional.
	Telemetry Telemetry
	Payments  Payments
	ETA       TravelTimer
	Logger    *slog.Logger
}

type Options struct {
	CompletedGrace       time.Duration
	AcceptResendDelay    time.Duration
	DedupWindow          time.Duration
	NearbyDefaultRadiusM float64
	DriverStaleAfter     time.Duration
	UserStaleAfter       time.Duration
	BackgroundTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		CompletedGrace:       5 * time.Second,
		AcceptResendDelay:    time.Second,
		DedupWindow:          30 * time.Second,
		NearbyDefaultRadiusM: 5000,
		DriverStaleAfter:     5 * time.Minute,
		UserStaleAfter:       30 * time.Minute,
		BackgroundTimeout:    5 * time.Second,
	}
}

type Coordinator struct {
	store     storage.Store
	presence  *presence.Registry
	sessions  *session.Table
	tracker   *tracker.Tracker
	pricing   *pricing.Service
	sequence  *sequence.Generator
	geo       geo.Geo
	transport Transport
	telemetry Telemetry
	payments  Payments
	eta       TravelTimer
	logger    *slog.Logger
	opts      Options

	bookings singleflight.Group
	recentMu sync.Mutex
	recent   map[string]recentBooking

	// holds maps ride id to the *fareHold taken when it was accepted.
	holds sync.Map

	bgMu   sync.Mutex
	closed bool
	bg     sync.WaitGroup
	timers sync.Map
	now    func() time.Time
}

type recentBooking struct {
	rideID  string
	expires time.Time
}

func New(d Deps, opts Options) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     d.Store,
		presence:  d.Presence,
		sessions:  d.Sessions,
		tracker:   d.Tracker,
		pricing:   d.Pricing,
		sequence:  d.Sequence,
		geo:       d.Geo,
		transport: d.Transport,
		telemetry: d.Telemetry,
		payments:  d.Payments,
		eta:       d.ETA,
		logger:    logger.With("component", "dispatch"),
		opts:      opts,
		recent:    make(map[string]recentBooking),
		now:       time.Now,
	}
}

// Close stops pending resends and waits for background writes to finish.
// Background work requested after Close is dropped.
func (c *Coordinator) Close() {
	c.bgMu.Lock()
	c.closed = true
	c.bgMu.Unlock()
	c.timers.Range(func(k, v any) bool {
		v.(*time.Timer).Stop()
		c.timers.Delete(k)
		return true
	})
	c.sessions.Stop()
	c.bg.Wait()
}

// background runs fn detached from the caller's context with its own
// timeout. Close waits for it. It reports false once Close has begun.
func (c *Coordinator) background(fn func(ctx context.Context)) bool {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closed {
		return false
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.BackgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func (c *Coordinator) after(d time.Duration, fn func()) {
	key := new(int)
	t := time.AfterFunc(d, func() {
		c.timers.Delete(key)
		fn()
	})
	c.timers.Store(key, t)
}
