package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

// Inbound socket events.
const (
	evRegisterDriver           = "registerDriver"
	evRegisterUser             = "registerUser"
	evJoinRoom                 = "joinRoom"
	evRequestNearbyDrivers     = "requestNearbyDrivers"
	evBookRide                 = "bookRide"
	evAcceptRide               = "acceptRide"
	evRejectRide               = "rejectRide"
	evDriverArrived            = "driverArrived"
	evStartRide                = "startRide"
	evCompleteRide             = "completeRide"
	evCancelRide               = "cancelRide"
	evDriverLocationUpdate     = "driverLocationUpdate"
	evDriverLiveLocationUpdate = "driverLiveLocationUpdate"
	evUserLocationUpdate       = "userLocationUpdate"
	evDriverHeartbeat          = "driverHeartbeat"
	evGetUserDataForDriver     = "getUserDataForDriver"
	evGetCurrentPrices         = "getCurrentPrices"
)

// Replies pushed to the calling connection in addition to the ack.
const (
	evDriverRegistrationConfirmed = "driverRegistrationConfirmed"
	evNearbyDriversResponse       = "nearbyDriversResponse"
	evCurrentPrices               = "currentPrices"
)

type ack map[string]any

func okAck(fields ack) ack {
	if fields == nil {
		fields = ack{}
	}
	fields["success"] = true
	return fields
}

type socketHandler func(ctx context.Context, c *realtime.Conn, data json.RawMessage) (ack, error)

func (s *Server) socketHandlers() map[string]socketHandler {
	return map[string]socketHandler{
		evRegisterDriver:           s.onRegisterDriver,
		evRegisterUser:             s.onRegisterUser,
		evJoinRoom:                 s.onRegisterUser,
		evRequestNearbyDrivers:     s.onRequestNearbyDrivers,
		evBookRide:                 s.onBookRide,
		evAcceptRide:               s.onAcceptRide,
		evRejectRide:               s.onRejectRide,
		evDriverArrived:            s.onDriverArrived,
		evStartRide:                s.onStartRide,
		evCompleteRide:             s.onCompleteRide,
		evCancelRide:               s.onCancelRide,
		evDriverLocationUpdate:     s.onDriverLocation,
		evDriverLiveLocationUpdate: s.onDriverLocation,
		evUserLocationUpdate:       s.onUserLocation,
		evDriverHeartbeat:          s.onDriverHeartbeat,
		evGetUserDataForDriver:     s.onGetUserData,
		evGetCurrentPrices:         s.onGetCurrentPrices,
	}
}

// handleSocketEvent is the hub handler. Failures never reach the
// connection as errors; they become {success:false} acks.
func (s *Server) handleSocketEvent(ctx context.Context, c *realtime.Conn, event string, data json.RawMessage) any {
	h, found := s.events[event]
	if !found {
		observability.SocketEventsTotal.WithLabelValues("unknown", "error").Inc()
		s.logger.Debug("unknown socket event", "event", event, "conn_id", c.ID())
		return ack{"success": false, "message": "unknown event " + event}
	}
	res, err := h(ctx, c, data)
	if err != nil {
		observability.SocketEventsTotal.WithLabelValues(event, "error").Inc()
		return s.failure(event, c.ID(), err)
	}
	observability.SocketEventsTotal.WithLabelValues(event, "ok").Inc()
	s.logger.Debug("socket event handled", "event", event, "conn_id", c.ID())
	return res
}

func (s *Server) handleSocketClose(c *realtime.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), socketCloseTimeout)
	defer cancel()
	s.dispatch.Disconnect(ctx, c.ID())
}

func (s *Server) failure(event, connID string, err error) ack {
	out := ack{"success": false, "message": messageFor(err)}
	switch {
	case errors.Is(err, storage.ErrAlreadyAccepted):
		out["alreadyAccepted"] = true
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, dispatch.ErrInvalidOTP),
		errors.Is(err, dispatch.ErrNotAssigned), errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrConflict):
	default:
		s.logger.Error("socket event failed", "event", event, "conn_id", connID, "error", err)
		return out
	}
	s.logger.Info("socket event rejected", "event", event, "conn_id", connID, "error", err)
	return out
}

func messageFor(err error) string {
	switch {
	case errors.Is(err, storage.ErrAlreadyAccepted):
		return "Ride already accepted by another driver"
	case errors.Is(err, storage.ErrNotFound):
		return "Ride not found"
	case errors.Is(err, storage.ErrConflict):
		return "Ride is not in a state that allows this action"
	case errors.Is(err, dispatch.ErrInvalidOTP):
		return "invalid otp"
	case errors.Is(err, dispatch.ErrNotAssigned), errors.Is(err, dispatch.ErrValidation):
		return err.Error()
	default:
		return "internal error"
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", dispatch.ErrValidation, err)
	}
	return nil
}

func (s *Server) onRegisterDriver(ctx context.Context, c *realtime.Conn, data json.RawMessage) (ack, error) {
	var req dispatch.RegisterDriverRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	rec, err := s.dispatch.RegisterDriver(ctx, c.ID(), req)
	if err != nil {
		c.Emit(evDriverRegistrationConfirmed, ack{"success": false, "message": messageFor(err)})
		return nil, err
	}
	res := okAck(ack{"message": "Driver registered", "driverId": rec.DriverID, "status": rec.Status})
	c.Emit(evDriverRegistrationConfirmed, res)
	return res, nil
}

func (s *Server) onRegisterUser(_ context.Context, c *realtime.Conn, data json.RawMessage) (ack, error) {
	var req struct {
		UserID     string `json:"userId"`
		UserMobile string `json:"userMobile"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.dispatch.RegisterUser(c.ID(), req.UserID); err != nil {
		return nil, err
	}
	return okAck(ack{"userId": req.UserID}), nil
}

func (s *Server) onRequestNearbyDrivers(ctx context.Context, c *realtime.Conn, data json.RawMessage) (ack, error) {
	var req struct {
		Latitude  float64          `json:"latitude"`
		Longitude float64          `json:"longitude"`
		Radius    models.FlexFloat `json:"radius"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	drivers := s.dispatch.NearbyDrivers(ctx, models.Coord{Lat: req.Latitude, Lng: req.Longitude}, float64(req.Radius))
	c.Emit(evNearbyDriversResponse, dispatch.DriverList{Drivers: drivers})
	return okAck(ack{"drivers": drivers}), nil
}

func (s *Server) onBookRide(ctx context.Context, c *realtime.Conn, data json.RawMessage) (ack, error) {
	var req dispatch.BookingRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	b, err := s.dispatch.BookRide(ctx, req)
	if err != nil {
		return nil, err
	}
	// the booking connection follows its own ride
	if err := s.dispatch.RegisterUser(c.ID(), b.Ride.UserID); err != nil {
		return nil, err
	}
	msg := "Ride booked successfully"
	if b.PricingPending {
		msg = "Ride booked, fare will be confirmed once pricing is configured"
	}
	return okAck(ack{
		"rideId":         b.Ride.RideID,
		"_id":            b.Ride.ID,
		"otp":            b.Ride.OTP,
		"price":          b.Ride.Fare,
		"fare":           b.Ride.Fare,
		"distance":       b.Ride.Distance,
		"travelTime":     b.Ride.TravelTime,
		"pricingPending": b.PricingPending,
		"duplicate":      b.Duplicate,
		"message":        msg,
	}), nil
}

func (s *Server) onAcceptRide(ctx context.Context, c *realtime.Conn, data json.RawMessage) (ack, error) {
	var req dispatch.AcceptRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	a, err := s.dispatch.AcceptRide(ctx, c.ID(), req)
	if err != nil {
		return nil, err
	}
	r := a.Ride
	return okAck(ack{
		"rideId":       r.RideID,
		"driverId":     r.DriverID,
		"driverName":   r.DriverName,
		"driverMobile": r.DriverMobile,
		"otp":          r.OTP,
		"pickup":       r.Pickup,
		"drop":         r.Drop,
		"fare":         r.Fare,
		"status":       r.Status,
		"userData":     a.UserData,
	}), nil
}

type rideDriverPayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
	OTP      string `json:"otp"`
}

func (s *Server) onRejectRide(ctx context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req rideDriverPayload
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.dispatch.RejectRide(ctx, req.RideID, req.DriverID); err != nil {
		return nil, err
	}
	return okAck(ack{"rideId": req.RideID, "message": "Ride rejected"}), nil
}

func (s *Server) onDriverArrived(ctx context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req rideDriverPayload
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	r, err := s.dispatch.DriverArrived(ctx, req.RideID, req.DriverID)
	if err != nil {
		return nil, err
	}
	return okAck(ack{"rideId": r.RideID, "status": r.Status}), nil
}

func (s *Server) onStartRide(ctx context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req rideDriverPayload
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	r, err := s.dispatch.StartRide(ctx, req.RideID, req.DriverID, req.OTP)
	if err != nil {
		return nil, err
	}
	return okAck(ack{"rideId": r.RideID, "status": r.Status}), nil
}

func (s *Server) onCompleteRide(ctx context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req dispatch.CompleteRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	r, err := s.dispatch.CompleteRide(ctx, req)
	if err != nil {
		return nil, err
	}
	return okAck(ack{"rideId": r.RideID, "status": r.Status, "fare": r.Fare}), nil
}

func (s *Server) onCancelRide(ctx context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req dispatch.CancelRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	r, err := s.dispatch.CancelRide(ctx, req)
	if err != nil {
		return nil, err
	}
	return okAck(ack{"rideId": r.RideID, "status": r.Status}), nil
}

func (s *Server) onDriverLocation(ctx context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req dispatch.DriverLocationRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if !s.dispatch.UpdateDriverLocation(ctx, req) {
		return ack{"success": false, "message": "driver not registered"}, nil
	}
	return okAck(nil), nil
}

func (s *Server) onUserLocation(ctx context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req dispatch.UserLocationRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if err := s.dispatch.UpdateUserLocation(ctx, req); err != nil {
		return nil, err
	}
	return okAck(nil), nil
}

func (s *Server) onDriverHeartbeat(_ context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req struct {
		DriverID string `json:"driverId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if !s.dispatch.Heartbeat(req.DriverID) {
		return ack{"success": false, "message": "driver not registered"}, nil
	}
	return okAck(nil), nil
}

func (s *Server) onGetUserData(ctx context.Context, _ *realtime.Conn, data json.RawMessage) (ack, error) {
	var req struct {
		RideID string `json:"rideId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	ud, err := s.dispatch.UserDataForDriver(ctx, req.RideID)
	if err != nil {
		return nil, err
	}
	return okAck(ack{"userData": ud}), nil
}

func (s *Server) onGetCurrentPrices(ctx context.Context, c *realtime.Conn, _ json.RawMessage) (ack, error) {
	prices, err := s.dispatch.CurrentPrices(ctx)
	if err != nil {
		return nil, err
	}
	c.Emit(evCurrentPrices, prices)
	return okAck(ack{"prices": prices}), nil
}
