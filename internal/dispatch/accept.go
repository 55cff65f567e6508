package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

type AcceptRequest struct {
	RideID     string `json:"rideId"`
	DriverID   string `json:"driverId"`
	DriverName string `json:"driverName"`
}

type Acceptance struct {
	Ride     *models.Ride
	UserData UserData
}

// AcceptRide assigns the ride to the driver if it is still pending. The
// store's conditional update is the only arbiter: of any number of
// concurrent calls exactly one succeeds and the others get
// storage.ErrAlreadyAccepted.
func (c *Coordinator) AcceptRide(ctx context.Context, connID string, req AcceptRequest) (*Acceptance, error) {
	if req.RideID == "" || req.DriverID == "" {
		return nil, fmt.Errorf("%w: rideId and driverId are required", ErrValidation)
	}

	a := models.Assignment{
		DriverID:   req.DriverID,
		DriverName: req.DriverName,
		OTP:        fmt.Sprintf("%04d", 1000+rand.Intn(9000)),
		At:         c.now(),
	}
	profile, err := c.store.FindDriver(ctx, req.DriverID)
	switch {
	case err == nil:
		a.DriverMobile = profile.Phone
		if a.DriverName == "" {
			a.DriverName = profile.Name
		}
	case errors.Is(err, storage.ErrNotFound):
		c.logger.Debug("driver profile not found", "driver_id", req.DriverID)
	default:
		c.logger.Warn("driver profile lookup failed", "driver_id", req.DriverID, "error", err)
	}
	if a.DriverName == "" {
		if rec, ok := c.presence.Get(req.DriverID); ok {
			a.DriverName = rec.Name
		}
	}

	ride, err := c.store.AcceptRide(ctx, req.RideID, a)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyAccepted) {
			observability.AcceptConflictsTotal.Inc()
			c.announceTaken(ctx, req.RideID)
			c.logger.Info("accept lost race", "ride_id", req.RideID, "driver_id", req.DriverID)
		}
		return nil, err
	}
	observability.RidesAcceptedTotal.Inc()
	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusAccepted)).Inc()

	s := session.FromRide(ride)
	if prev, ok := c.sessions.Get(ride.RideID); ok {
		s.RejectedBy, s.RejectedAt = prev.RejectedBy, prev.RejectedAt
	}
	c.sessions.Put(s)
	c.holdFare(ride)

	rec, _ := c.presence.SetStatus(req.DriverID, models.PresenceOnRide)
	assigned := DriverAssigned{
		RideID:       ride.RideID,
		DriverID:     ride.DriverID,
		DriverName:   ride.DriverName,
		DriverMobile: ride.DriverMobile,
		VehicleType:  ride.VehicleType,
		OTP:          ride.OTP,
		Fare:         ride.Fare,
		Pickup:       ride.Pickup,
		Drop:         ride.Drop,
		Status:       ride.Status,
	}
	if rec.DriverID != "" {
		loc := rec.Location
		assigned.DriverLocation = &loc
		if rec.VehicleType != "" {
			assigned.VehicleType = rec.VehicleType
		}
		c.mirrorPosition(ctx, rec)
	}
	userData := c.userData(ride)

	c.transport.EmitTo(DriverRoom(ride.DriverID), EventUserDataForDriver, userData)
	c.transport.EmitTo(UserRoom(ride.UserID), EventRideAccepted, assigned)
	global := assigned
	global.TargetUserID = ride.UserID
	c.transport.EmitTo(RoomRiders, EventRideAcceptedGlobal, global)
	c.after(c.opts.AcceptResendDelay, func() {
		c.transport.EmitTo(UserRoom(ride.UserID), EventRideAccepted, assigned)
	})
	c.transport.EmitToExcept(RoomDrivers, connID, EventRideAlreadyAccepted, RideStatusChanged{
		RideID:   ride.RideID,
		Status:   models.StatusAccepted,
		DriverID: ride.DriverID,
		Message:  "Ride taken by another driver",
	})

	c.logger.Info("ride accepted", "ride_id", ride.RideID, "driver_id", ride.DriverID, "user_id", ride.UserID)
	return &Acceptance{Ride: ride, UserData: userData}, nil
}

// announceTaken repeats the "taken" notice after a lost accept, naming the
// winning driver and skipping the winner's own connection.
func (c *Coordinator) announceTaken(ctx context.Context, rideID string) {
	ev := RideStatusChanged{
		RideID:  rideID,
		Status:  models.StatusAccepted,
		Message: "This ride has already been accepted by another driver",
	}
	var winnerConn string
	if current, err := c.store.GetRide(ctx, rideID); err == nil {
		ev.Status, ev.DriverID = current.Status, current.DriverID
		if rec, ok := c.presence.Get(current.DriverID); ok {
			winnerConn = rec.ConnID
		}
	}
	c.transport.EmitToExcept(RoomDrivers, winnerConn, EventRideAlreadyAccepted, ev)
}

// RejectRide records that a driver passed on the ride and frees the driver.
// The persisted ride is untouched and stays open to other drivers.
func (c *Coordinator) RejectRide(ctx context.Context, rideID, driverID string) error {
	if rideID == "" || driverID == "" {
		return fmt.Errorf("%w: rideId and driverId are required", ErrValidation)
	}
	if _, ok := c.sessions.Reject(rideID, driverID); !ok {
		ride, err := c.store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		c.sessions.Put(session.FromRide(ride))
		c.sessions.Reject(rideID, driverID)
	}
	if active, ok := c.sessions.ActiveForDriver(driverID); ok {
		c.logger.Info("ride rejected while on another ride", "ride_id", rideID, "driver_id", driverID, "active_ride_id", active.RideID)
		return nil
	}
	c.setDriverLive(ctx, driverID, rideID)
	c.logger.Info("ride rejected", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// fareHold is an authorization request in flight. ref is written before
// done closes and stays empty when the hold failed.
type fareHold struct {
	done chan struct{}
	ref  string
}

// holdFare authorizes the fare in the background. settleFare waits for it,
// so a ride that ends before the hold returns is still settled.
func (c *Coordinator) holdFare(ride *models.Ride) {
	if c.payments == nil || ride.Fare <= 0 {
		return
	}
	h := &fareHold{done: make(chan struct{})}
	c.holds.Store(ride.RideID, h)
	started := c.background(func(ctx context.Context) {
		defer close(h.done)
		ref, err := c.payments.Hold(ctx, payments.MinorUnits(ride.Fare), ride.CustomerID, ride.RideID)
		if err != nil {
			c.logger.Warn("fare hold failed", "ride_id", ride.RideID, "error", err)
			return
		}
		h.ref = ref
	})
	if !started {
		close(h.done)
		c.holds.Delete(ride.RideID)
	}
}

// setDriverLive frees the driver and tells its connection. A disconnected
// driver stays offline.
func (c *Coordinator) setDriverLive(ctx context.Context, driverID, rideID string) {
	rec, ok := c.presence.SetStatus(driverID, models.PresenceLive)
	if !ok || rec.ConnID == "" {
		return
	}
	c.mirrorPosition(ctx, rec)
	c.transport.EmitToConn(rec.ConnID, EventDriverStatusUpdate, DriverStatus{
		DriverID: driverID,
		Status:   rec.Status,
		RideID:   rideID,
	})
}

func (c *Coordinator) userData(ride *models.Ride) UserData {
	ud := UserData{
		RideID:     ride.RideID,
		UserID:     ride.UserID,
		CustomerID: ride.CustomerID,
		UserName:   ride.UserName,
		UserMobile: ride.UserMobile,
		Pickup:     ride.Pickup,
		Drop:       ride.Drop,
		OTP:        ride.OTP,
		Fare:       ride.Fare,
		Distance:   ride.Distance,
		TravelTime: ride.TravelTime,
		Status:     ride.Status,
	}
	if e, ok := c.tracker.Get(ride.UserID); ok {
		loc, at := e.Location, e.UpdatedAt
		ud.UserCurrentLocation = &loc
		ud.LocationUpdatedAt = &at
	}
	return ud
}
