package dispatch

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// Outbound event names.
const (
	EventNewRideRequest        = "newRideRequest"
	EventRideAccepted          = "rideAccepted"
	EventRideAcceptedGlobal    = "rideAcceptedGlobal"
	EventRideAlreadyAccepted   = "rideAlreadyAccepted"
	EventUserDataForDriver     = "userDataForDriver"
	EventDriverArrived         = "driverArrived"
	EventRideStarted           = "rideStarted"
	EventRideCompleted         = "rideCompleted"
	EventRideCancelled         = "rideCancelled"
	EventDriverStatusUpdate    = "driverStatusUpdate"
	EventDriverLocationsUpdate = "driverLocationsUpdate"
	EventDriverLiveLocation    = "driverLiveLocationUpdate"
	EventUserLiveLocation      = "userLiveLocationUpdate"
)

// DriverAssigned is what the rider learns about the driver that won.
type DriverAssigned struct {
	RideID         string             `json:"rideId"`
	DriverID       string             `json:"driverId"`
	DriverName     string             `json:"driverName"`
	DriverMobile   string             `json:"driverMobile"`
	VehicleType    models.VehicleType `json:"vehicleType"`
	DriverLocation *models.Coord      `json:"driverLocation,omitempty"`
	OTP            string             `json:"otp"`
	Fare           float64            `json:"fare"`
	Pickup         models.Place       `json:"pickup"`
	Drop           models.Place       `json:"drop"`
	Status         models.RideStatus  `json:"status"`
	TargetUserID   string             `json:"targetUserId,omitempty"`
}

// UserData is what the driver learns about the rider.
type UserData struct {
	RideID              string            `json:"rideId"`
	UserID              string            `json:"userId"`
	CustomerID          string            `json:"customerId"`
	UserName            string            `json:"userName"`
	UserMobile          string            `json:"userMobile"`
	Pickup              models.Place      `json:"pickup"`
	Drop                models.Place      `json:"drop"`
	OTP                 string            `json:"otp"`
	Fare                float64           `json:"fare"`
	Distance            string            `json:"distance"`
	TravelTime          string            `json:"travelTime"`
	Status              models.RideStatus `json:"status"`
	UserCurrentLocation *models.Coord     `json:"userCurrentLocation,omitempty"`
	LocationUpdatedAt   *time.Time        `json:"locationUpdatedAt,omitempty"`
}

type RideStatusChanged struct {
	RideID      string            `json:"rideId"`
	Status      models.RideStatus `json:"status"`
	DriverID    string            `json:"driverId,omitempty"`
	Fare        float64           `json:"fare,omitempty"`
	Distance    float64           `json:"distance,omitempty"`
	CancelledBy string            `json:"cancelledBy,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Message     string            `json:"message,omitempty"`
}

type DriverStatus struct {
	DriverID string                `json:"driverId"`
	Status   models.PresenceStatus `json:"status"`
	RideID   string                `json:"rideId,omitempty"`
}

type DriverLocation struct {
	DriverID    string                `json:"driverId"`
	DriverName  string                `json:"driverName"`
	Latitude    float64               `json:"latitude"`
	Longitude   float64               `json:"longitude"`
	VehicleType models.VehicleType    `json:"vehicleType"`
	Status      models.PresenceStatus `json:"status"`
	RideID      string                `json:"rideId,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

type UserLocation struct {
	UserID    string    `json:"userId"`
	RideID    string    `json:"rideId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type DriverList struct {
	Drivers []presence.Summary `json:"drivers"`
}

// publicRide is the ride as broadcast to drivers: everything but the OTP.
func publicRide(r *models.Ride) *models.Ride {
	cp := *r
	cp.OTP = ""
	return &cp
}
