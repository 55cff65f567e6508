package dispatch

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/session"
)

type CompleteRequest struct {
	RideID   string           `json:"rideId"`
	DriverID string           `json:"driverId"`
	Distance models.FlexFloat `json:"distance"`
}

type CancelRequest struct {
	RideID string `json:"rideId"`
	// By is "user", "driver" or "admin".
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// assignedRide loads the ride and checks it belongs to driverID.
func (c *Coordinator) assignedRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, fmt.Errorf("%w: rideId and driverId are required", ErrValidation)
	}
	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, ErrNotAssigned
	}
	return ride, nil
}

// transition moves the stored ride and its session to to. It also returns
// the driver assigned before the move.
func (c *Coordinator) transition(ctx context.Context, rideID string, to models.RideStatus, reason string) (*models.Ride, string, error) {
	ride, prevDriver, err := c.store.TransitionRide(ctx, rideID, models.Sources(to), to, reason)
	if err != nil {
		return nil, "", err
	}
	observability.RideTransitionsTotal.WithLabelValues(string(to)).Inc()
	if _, ok := c.sessions.Update(rideID, func(s *session.Session) {
		s.Status = ride.Status
		s.DriverID, s.DriverName, s.DriverMobile = ride.DriverID, ride.DriverName, ride.DriverMobile
	}); !ok {
		c.sessions.Put(session.FromRide(ride))
	}
	return ride, prevDriver, nil
}

func (c *Coordinator) DriverArrived(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if _, err := c.assignedRide(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	ride, _, err := c.transition(ctx, rideID, models.StatusArrived, "")
	if err != nil {
		return nil, err
	}
	c.transport.EmitTo(UserRoom(ride.UserID), EventDriverArrived, RideStatusChanged{
		RideID:   ride.RideID,
		Status:   ride.Status,
		DriverID: driverID,
		Message:  "Your driver has arrived",
	})
	return ride, nil
}

// StartRide moves an arrived ride to ongoing once the rider's code matches.
func (c *Coordinator) StartRide(ctx context.Context, rideID, driverID, otp string) (*models.Ride, error) {
	current, err := c.assignedRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if otp == "" || otp != current.OTP {
		return nil, ErrInvalidOTP
	}
	ride, _, err := c.transition(ctx, rideID, models.StatusOngoing, "")
	if err != nil {
		return nil, err
	}
	c.transport.EmitTo(UserRoom(ride.UserID), EventRideStarted, RideStatusChanged{
		RideID:   ride.RideID,
		Status:   ride.Status,
		DriverID: driverID,
	})
	return ride, nil
}

// CompleteRide closes an accepted, arrived or ongoing ride. A pending ride
// can never complete.
func (c *Coordinator) CompleteRide(ctx context.Context, req CompleteRequest) (*models.Ride, error) {
	if _, err := c.assignedRide(ctx, req.RideID, req.DriverID); err != nil {
		return nil, err
	}
	ride, _, err := c.transition(ctx, req.RideID, models.StatusCompleted, "")
	if err != nil {
		return nil, err
	}
	distance := float64(req.Distance)
	if distance <= 0 {
		distance = ride.DistanceKm
	}
	c.transport.EmitTo(UserRoom(ride.UserID), EventRideCompleted, RideStatusChanged{
		RideID:   ride.RideID,
		Status:   ride.Status,
		DriverID: req.DriverID,
		Fare:     ride.Fare,
		Distance: distance,
	})
	c.settleFare(ride.RideID, true)
	c.setDriverLive(ctx, req.DriverID, ride.RideID)
	c.sessions.RemoveAfter(ride.RideID, c.opts.CompletedGrace)
	c.logger.Info("ride completed", "ride_id", ride.RideID, "driver_id", req.DriverID, "distance_km", distance)
	return ride, nil
}

// CancelRide cancels a pending or accepted ride and frees its driver.
func (c *Coordinator) CancelRide(ctx context.Context, req CancelRequest) (*models.Ride, error) {
	if req.RideID == "" {
		return nil, fmt.Errorf("%w: rideId is required", ErrValidation)
	}
	ride, prevDriver, err := c.transition(ctx, req.RideID, models.StatusCancelled, req.Reason)
	if err != nil {
		return nil, err
	}
	ev := RideStatusChanged{
		RideID:      ride.RideID,
		Status:      ride.Status,
		CancelledBy: req.By,
		Reason:      req.Reason,
	}
	c.transport.EmitTo(UserRoom(ride.UserID), EventRideCancelled, ev)
	if prevDriver != "" {
		c.transport.EmitTo(DriverRoom(prevDriver), EventRideCancelled, ev)
		c.setDriverLive(ctx, prevDriver, ride.RideID)
	} else {
		// drivers still holding the offer should drop it
		c.transport.EmitTo(RoomDrivers, EventRideCancelled, ev)
	}
	c.settleFare(ride.RideID, false)
	c.sessions.RemoveAfter(ride.RideID, c.opts.CompletedGrace)
	c.logger.Info("ride cancelled", "ride_id", ride.RideID, "by", req.By, "reason", req.Reason)
	return ride, nil
}

// settleFare captures or releases the ride's fare hold once the hold
// request has returned.
func (c *Coordinator) settleFare(rideID string, capture bool) {
	v, ok := c.holds.LoadAndDelete(rideID)
	if !ok {
		return
	}
	h := v.(*fareHold)
	started := c.background(func(ctx context.Context) {
		select {
		case <-h.done:
		case <-ctx.Done():
			c.logger.Warn("fare hold still pending, not settled", "ride_id", rideID, "capture", capture)
			return
		}
		if h.ref == "" {
			return
		}
		var err error
		if capture {
			err = c.payments.Capture(ctx, h.ref)
		} else {
			err = c.payments.Cancel(ctx, h.ref)
		}
		if err != nil {
			c.logger.Warn("fare settlement failed", "ride_id", rideID, "capture", capture, "error", err)
		}
	})
	if !started {
		c.logger.Warn("shutting down, fare left unsettled", "ride_id", rideID, "capture", capture)
	}
}
