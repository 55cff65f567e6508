package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	defaultPlaceLabel = "Selected Location"
	maxRideIDAttempts = 3
)

type BookingRequest struct {
	// RequestID is an optional client-generated key for retries.
	RequestID   string           `json:"requestId"`
	UserID      string           `json:"userId"`
	CustomerID  string           `json:"customerId"`
	UserName    string           `json:"userName"`
	UserMobile  string           `json:"userMobile"`
	Pickup      *models.Place    `json:"pickup"`
	Drop        *models.Place    `json:"drop"`
	VehicleType string           `json:"vehicleType"`
	Distance    models.FlexFloat `json:"distance"`
	TravelTime  string           `json:"travelTime"`
	WantReturn  bool             `json:"wantReturn"`
}

type Booking struct {
	Ride           *models.Ride
	PricingPending bool
	// Duplicate is set when the request matched an earlier booking.
	Duplicate bool
}

func (r BookingRequest) validate() (models.VehicleType, error) {
	if strings.TrimSpace(r.UserID) == "" {
		return "", fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if r.Pickup == nil || r.Pickup.IsZero() {
		return "", fmt.Errorf("%w: pickup is required", ErrValidation)
	}
	if r.Drop == nil || r.Drop.IsZero() {
		return "", fmt.Errorf("%w: drop is required", ErrValidation)
	}
	if r.Distance < 0 {
		return "", fmt.Errorf("%w: distance must not be negative", ErrValidation)
	}
	vt, err := models.ParseVehicleType(r.VehicleType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return vt, nil
}

func (r BookingRequest) fingerprint(vt models.VehicleType) string {
	if r.RequestID != "" {
		return "req|" + r.UserID + "|" + r.RequestID
	}
	return fmt.Sprintf("route|%s|%.6f,%.6f|%.6f,%.6f|%s",
		r.UserID, r.Pickup.Lat, r.Pickup.Lng, r.Drop.Lat, r.Drop.Lng, vt)
}

// BookRide validates, prices and persists a ride, then offers it to every
// driver. A retry of the same request, whether concurrent or within the
// de-duplication window, returns the ride created by the first attempt.
func (c *Coordinator) BookRide(ctx context.Context, req BookingRequest) (*Booking, error) {
	start := c.now()
	vt, err := req.validate()
	if err != nil {
		return nil, err
	}
	fp := req.fingerprint(vt)

	if b, ok := c.recentBooking(ctx, fp); ok {
		observability.BookingDedupTotal.Inc()
		return b, nil
	}

	v, err, shared := c.bookings.Do(fp, func() (any, error) {
		// a call that just finished may have remembered the ride
		if b, ok := c.recentBooking(ctx, fp); ok {
			return b, nil
		}
		b, err := c.book(ctx, req, vt)
		if err != nil {
			return nil, err
		}
		c.rememberBooking(fp, b.Ride.RideID)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	b := *v.(*Booking)
	if shared || b.Duplicate {
		observability.BookingDedupTotal.Inc()
	}
	observability.BookingLatency.Observe(time.Since(start).Seconds())
	return &b, nil
}

func (c *Coordinator) recentBooking(ctx context.Context, fp string) (*Booking, bool) {
	c.recentMu.Lock()
	rb, ok := c.recent[fp]
	c.recentMu.Unlock()
	if !ok || c.now().After(rb.expires) {
		return nil, false
	}
	ride, err := c.store.GetRide(ctx, rb.rideID)
	if err != nil || ride.Status.Terminal() {
		return nil, false
	}
	return &Booking{Ride: ride, Duplicate: true}, true
}

func (c *Coordinator) rememberBooking(fp, rideID string) {
	if c.opts.DedupWindow <= 0 {
		return
	}
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	c.recent[fp] = recentBooking{rideID: rideID, expires: c.now().Add(c.opts.DedupWindow)}
}

func (c *Coordinator) book(ctx context.Context, req BookingRequest, vt models.VehicleType) (*Booking, error) {
	rideID := c.sequence.Next(ctx)
	customerID := req.CustomerID
	if customerID == "" {
		customerID = req.UserID
	}
	distanceKm := float64(req.Distance)

	pending := false
	quote, err := c.pricing.Quote(ctx, vt, distanceKm)
	switch {
	case errors.Is(err, pricing.ErrRateNotConfigured):
		pending = true
		observability.PricingPendingTotal.Inc()
		c.logger.Warn("no rate configured, booking at zero fare", "ride_id", rideID, "vehicle_type", vt)
	case err != nil:
		return nil, fmt.Errorf("quote fare: %w", err)
	}

	pickup, drop := labelled(*req.Pickup), labelled(*req.Drop)
	travelTime := req.TravelTime
	if travelTime == "" {
		travelTime = "0 mins"
		if c.eta != nil {
			travelTime = c.eta.TravelTime(ctx, pickup.Coord(), drop.Coord())
		}
	}
	mobile := req.UserMobile
	if mobile == "" {
		mobile = "N/A"
	}

	ride := &models.Ride{
		RideID:      rideID,
		UserID:      req.UserID,
		CustomerID:  customerID,
		UserName:    req.UserName,
		UserMobile:  mobile,
		Pickup:      pickup,
		Drop:        drop,
		VehicleType: vt,
		Fare:        quote.Fare,
		DistanceKm:  distanceKm,
		Distance:    fmt.Sprintf("%g km", distanceKm),
		TravelTime:  travelTime,
		ReturnTrip:  req.WantReturn,
		OTP:         otpFor(customerID),
		Status:      models.StatusPending,
	}
	// An id that is already stored is this rider's ride only if it is theirs
	// and still open; otherwise the counter wrapped or a fallback id
	// collided, and a fresh id is drawn.
	for attempt := 1; ; attempt++ {
		err := c.store.CreateRide(ctx, ride)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateRide) {
			return nil, fmt.Errorf("persist ride %s: %w", ride.RideID, err)
		}
		existing, gerr := c.store.GetRide(ctx, ride.RideID)
		if gerr != nil {
			return nil, fmt.Errorf("load existing ride %s: %w", ride.RideID, gerr)
		}
		if existing.UserID == req.UserID && !existing.Status.Terminal() {
			c.logger.Warn("ride id already persisted, returning existing ride", "ride_id", ride.RideID)
			return &Booking{Ride: existing, Duplicate: true}, nil
		}
		if attempt == maxRideIDAttempts {
			return nil, fmt.Errorf("persist ride: %d ride ids already taken: %w", attempt, err)
		}
		c.logger.Warn("ride id taken by another ride, drawing a new one", "ride_id", ride.RideID, "attempt", attempt)
		ride.RideID = c.sequence.Next(ctx)
	}

	c.sessions.Put(session.FromRide(ride))
	c.tracker.Update(ctx, req.UserID, pickup.Coord(), ride.RideID)
	c.transport.EmitTo(RoomDrivers, EventNewRideRequest, publicRide(ride))

	observability.RidesBookedTotal.WithLabelValues(string(vt)).Inc()
	c.logger.Info("ride booked", "ride_id", ride.RideID, "user_id", req.UserID, "vehicle_type", vt, "fare", ride.Fare)
	return &Booking{Ride: ride, PricingPending: pending}, nil
}

func labelled(p models.Place) models.Place {
	if strings.TrimSpace(p.Address) == "" {
		p.Address = defaultPlaceLabel
	}
	return p
}

// otpFor derives the pickup code from the last four digits of the customer
// id, or picks a random four digit code.
func otpFor(customerID string) string {
	if len(customerID) >= 4 {
		tail := customerID[len(customerID)-4:]
		if isDigits(tail) {
			return tail
		}
	}
	return fmt.Sprintf("%04d", 1000+rand.Intn(9000))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
