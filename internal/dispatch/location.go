package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

type RegisterDriverRequest struct {
	DriverID    string  `json:"driverId"`
	DriverName  string  `json:"driverName"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	VehicleType string  `json:"vehicleType"`
}

type DriverLocationRequest struct {
	DriverID  string                `json:"driverId"`
	Latitude  float64               `json:"latitude"`
	Longitude float64               `json:"longitude"`
	Status    models.PresenceStatus `json:"status"`
}

type UserLocationRequest struct {
	UserID    string  `json:"userId"`
	RideID    string  `json:"rideId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RegisterDriver binds the driver to this connection, joins it to the
// driver rooms and announces the new online list to riders.
func (c *Coordinator) RegisterDriver(ctx context.Context, connID string, req RegisterDriverRequest) (presence.Record, error) {
	if strings.TrimSpace(req.DriverID) == "" {
		return presence.Record{}, fmt.Errorf("%w: driverId is required", ErrValidation)
	}
	var vt models.VehicleType
	if req.VehicleType != "" {
		v, err := models.ParseVehicleType(req.VehicleType)
		if err != nil {
			return presence.Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		vt = v
	}
	if prev, ok := c.presence.DriverForConn(connID); ok && prev != req.DriverID {
		c.transport.Leave(connID, DriverRoom(prev))
	}
	rec := c.presence.Register(connID, req.DriverID, req.DriverName, models.Coord{Lat: req.Latitude, Lng: req.Longitude}, vt)
	if rideID, ok := c.activeRideFor(ctx, req.DriverID); ok {
		rec, _ = c.presence.SetStatus(req.DriverID, models.PresenceOnRide)
		c.logger.Info("driver rejoined during ride", "driver_id", req.DriverID, "ride_id", rideID)
	}
	c.transport.Join(connID, RoomDrivers)
	c.transport.Join(connID, DriverRoom(req.DriverID))
	c.mirrorPosition(ctx, rec)
	c.recordDriverLocation(rec)
	c.broadcastOnlineDrivers()
	c.logger.Info("driver registered", "driver_id", rec.DriverID, "conn_id", connID, "vehicle_type", rec.VehicleType)
	return rec, nil
}

// activeRideFor finds the ride the driver is still on, from the session
// table or, after a restart, from the store. A stored hit is cached back
// into the session table.
func (c *Coordinator) activeRideFor(ctx context.Context, driverID string) (string, bool) {
	if s, ok := c.sessions.ActiveForDriver(driverID); ok {
		return s.RideID, true
	}
	ride, err := c.store.ActiveRideForDriver(ctx, driverID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("active ride lookup failed", "driver_id", driverID, "error", err)
		}
		return "", false
	}
	c.sessions.Put(session.FromRide(ride))
	return ride.RideID, true
}

// RegisterUser joins the connection to the rider's private room.
func (c *Coordinator) RegisterUser(connID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	c.transport.Join(connID, UserRoom(userID))
	c.transport.Join(connID, RoomRiders)
	c.logger.Debug("user registered", "user_id", userID, "conn_id", connID)
	return nil
}

// UpdateDriverLocation refreshes a registered driver and relays the position
// to the rider of the driver's active ride, or to all riders when the driver
// is free. Unregistered drivers are ignored.
func (c *Coordinator) UpdateDriverLocation(ctx context.Context, req DriverLocationRequest) bool {
	rec, ok := c.presence.UpdateLocation(req.DriverID, models.Coord{Lat: req.Latitude, Lng: req.Longitude}, req.Status)
	if !ok {
		c.logger.Debug("location from unregistered driver", "driver_id", req.DriverID)
		return false
	}
	c.mirrorPosition(ctx, rec)
	c.recordDriverLocation(rec)

	ev := DriverLocation{
		DriverID:    rec.DriverID,
		DriverName:  rec.Name,
		Latitude:    rec.Location.Lat,
		Longitude:   rec.Location.Lng,
		VehicleType: rec.VehicleType,
		Status:      rec.Status,
		Timestamp:   rec.LastUpdate,
	}
	if s, ok := c.sessions.ActiveForDriver(rec.DriverID); ok {
		ev.RideID = s.RideID
		c.transport.EmitTo(UserRoom(s.UserID), EventDriverLiveLocation, ev)
	} else {
		c.transport.EmitTo(RoomRiders, EventDriverLiveLocation, ev)
	}
	return true
}

func (c *Coordinator) Heartbeat(driverID string) bool {
	return c.presence.Heartbeat(driverID)
}

// UpdateUserLocation tracks the rider and relays the position to the
// assigned driver only. The driver comes from the session table, falling
// back to the stored ride after a restart.
func (c *Coordinator) UpdateUserLocation(ctx context.Context, req UserLocationRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	e := c.tracker.Update(ctx, req.UserID, models.Coord{Lat: req.Latitude, Lng: req.Longitude}, req.RideID)
	rideID := e.RideID
	if rideID == "" {
		return nil
	}
	driverID := c.resolveDriver(ctx, rideID)
	if driverID == "" {
		return nil
	}
	c.transport.EmitTo(DriverRoom(driverID), EventUserLiveLocation, UserLocation{
		UserID:    req.UserID,
		RideID:    rideID,
		Latitude:  e.Location.Lat,
		Longitude: e.Location.Lng,
		Timestamp: e.UpdatedAt,
	})
	return nil
}

func (c *Coordinator) resolveDriver(ctx context.Context, rideID string) string {
	if s, ok := c.sessions.Get(rideID); ok && s.DriverID != "" {
		return s.DriverID
	}
	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		c.logger.Debug("ride lookup for location relay failed", "ride_id", rideID, "error", err)
		return ""
	}
	if ride.DriverID == "" {
		return ""
	}
	if _, ok := c.sessions.Update(rideID, func(s *session.Session) {
		s.DriverID, s.DriverName, s.DriverMobile = ride.DriverID, ride.DriverName, ride.DriverMobile
		s.Status = ride.Status
	}); !ok {
		c.sessions.Put(session.FromRide(ride))
	}
	return ride.DriverID
}

// Disconnect marks the driver bound to connID offline, if any.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) {
	rec, ok := c.presence.MarkOffline(connID)
	if !ok {
		return
	}
	if err := c.geo.Remove(ctx, rec.DriverID); err != nil {
		c.logger.Warn("geo remove failed", "driver_id", rec.DriverID, "error", err)
	}
	c.recordDriverLocation(rec)
	c.broadcastOnlineDrivers()
	c.logger.Info("driver offline", "driver_id", rec.DriverID, "conn_id", connID)
}

// NearbyDrivers returns online drivers within radiusM metres of center,
// nearest first. radiusM <= 0 uses the configured default.
func (c *Coordinator) NearbyDrivers(ctx context.Context, center models.Coord, radiusM float64) []presence.Summary {
	if radiusM <= 0 {
		radiusM = c.opts.NearbyDefaultRadiusM
	}
	hits, err := c.geo.Nearby(ctx, center, radiusM, 0)
	if err != nil {
		c.logger.Warn("geo query failed, scanning registry", "error", err)
		return c.scanNearby(center, radiusM)
	}
	out := make([]presence.Summary, 0, len(hits))
	for _, h := range hits {
		rec, ok := c.presence.Get(h.DriverID)
		if !ok || !rec.Online {
			continue
		}
		s := rec.Summary()
		d := h.DistanceM
		s.DistanceM = &d
		out = append(out, s)
	}
	return out
}

func (c *Coordinator) scanNearby(center models.Coord, radiusM float64) []presence.Summary {
	var out []presence.Summary
	for _, s := range c.presence.ListOnline() {
		d := geo.Haversine(center.Lat, center.Lng, s.Location.Lat, s.Location.Lng)
		if d > radiusM {
			continue
		}
		s.DistanceM = &d
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].DistanceM < *out[j].DistanceM })
	return out
}

// UserDataForDriver returns the rider details of a ride, including the
// rider's last tracked position.
func (c *Coordinator) UserDataForDriver(ctx context.Context, rideID string) (UserData, error) {
	if rideID == "" {
		return UserData{}, fmt.Errorf("%w: rideId is required", ErrValidation)
	}
	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return UserData{}, err
	}
	return c.userData(ride), nil
}

func (c *Coordinator) CurrentPrices(ctx context.Context) (map[models.VehicleType]float64, error) {
	return c.pricing.CurrentPrices(ctx)
}

func (c *Coordinator) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return c.store.GetRide(ctx, rideID)
}

func (c *Coordinator) OnlineDrivers() []presence.Summary { return c.presence.ListOnline() }

func (c *Coordinator) broadcastOnlineDrivers() {
	c.transport.EmitTo(RoomRiders, EventDriverLocationsUpdate, DriverList{Drivers: c.presence.ListOnline()})
}

func (c *Coordinator) mirrorPosition(ctx context.Context, rec presence.Record) {
	if !rec.Online {
		return
	}
	p := geo.Position{DriverID: rec.DriverID, Location: rec.Location, VehicleType: rec.VehicleType, Status: rec.Status}
	if err := c.geo.Upsert(ctx, p); err != nil {
		c.logger.Warn("geo upsert failed", "driver_id", rec.DriverID, "error", err)
	}
}

// recordDriverLocation appends a snapshot to the location log and the
// telemetry stream without holding up the caller.
func (c *Coordinator) recordDriverLocation(rec presence.Record) {
	snap := models.DriverLocationSnapshot{
		DriverID:    rec.DriverID,
		DriverName:  rec.Name,
		Location:    rec.Location,
		VehicleType: rec.VehicleType,
		Status:      rec.Status,
		Timestamp:   rec.LastUpdate,
	}
	c.background(func(ctx context.Context) {
		if err := c.store.AppendDriverLocation(ctx, snap); err != nil {
			c.logger.Warn("driver location not persisted", "driver_id", snap.DriverID, "error", err)
		}
		if c.telemetry != nil {
			if err := c.telemetry.PublishLocation(ctx, snap); err != nil {
				c.logger.Warn("driver location not published", "driver_id", snap.DriverID, "error", err)
			}
		}
	})
}
