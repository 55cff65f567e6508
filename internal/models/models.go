package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Place is an address plus its coordinates. The JSON shape matches what rider
// apps send in bookRide ({address, lat, lng}).
type Place struct {
	Address string  `json:"address" bson:"addr"`
	Lat     float64 `json:"lat" bson:"lat"`
	Lng     float64 `json:"lng" bson:"lng"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

// IsZero reports whether the place carries neither an address nor coordinates.
func (p Place) IsZero() bool { return p.Address == "" && p.Lat == 0 && p.Lng == 0 }

type VehicleType string

const (
	VehicleBike  VehicleType = "bike"
	VehicleTaxi  VehicleType = "taxi"
	VehiclePort  VehicleType = "port"
	VehicleMini  VehicleType = "mini"
	VehicleSedan VehicleType = "sedan"
	VehicleSUV   VehicleType = "suv"
)

var VehicleTypes = []VehicleType{VehicleBike, VehicleTaxi, VehiclePort, VehicleMini, VehicleSedan, VehicleSUV}

func (v VehicleType) Valid() bool {
	for _, t := range VehicleTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseVehicleType normalises client input; empty input means taxi.
func ParseVehicleType(s string) (VehicleType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return VehicleTaxi, nil
	}
	v := VehicleType(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown vehicle type %q", s)
	}
	return v, nil
}

type RideStatus string

const (
	StatusPending   RideStatus = "pending"
	StatusAccepted  RideStatus = "accepted"
	StatusArrived   RideStatus = "arrived"
	StatusOngoing   RideStatus = "ongoing"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// AllowedTransitions is the ride state machine. Status only moves forward.
var AllowedTransitions = map[RideStatus][]RideStatus{
	StatusPending:  {StatusAccepted, StatusCancelled},
	StatusAccepted: {StatusArrived, StatusCompleted, StatusCancelled},
	StatusArrived:  {StatusOngoing, StatusCompleted},
	StatusOngoing:  {StatusCompleted},
}

func CanTransition(from, to RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns every status that may move to the given target.
func Sources(to RideStatus) []RideStatus {
	var out []RideStatus
	for _, from := range []RideStatus{StatusPending, StatusAccepted, StatusArrived, StatusOngoing} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func (s RideStatus) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Ride is the persisted ride record. RideID is the human-facing sequential
// identifier; ID is whatever identity the storage backend assigned.
type Ride struct {
	ID           string      `json:"_id,omitempty"`
	RideID       string      `json:"rideId"`
	UserID       string      `json:"userId"`
	CustomerID   string      `json:"customerId"`
	UserName     string      `json:"userName"`
	UserMobile   string      `json:"userMobile"`
	DriverID     string      `json:"driverId,omitempty"`
	DriverName   string      `json:"driverName,omitempty"`
	DriverMobile string      `json:"driverMobile,omitempty"`
	Pickup       Place       `json:"pickup"`
	Drop         Place       `json:"drop"`
	VehicleType  VehicleType `json:"vehicleType"`
	Fare         float64     `json:"fare"`
	DistanceKm   float64     `json:"distanceKm"`
	Distance     string      `json:"distance"`
	TravelTime   string      `json:"travelTime"`
	ReturnTrip   bool        `json:"isReturnTrip"`
	OTP          string      `json:"otp,omitempty"`
	Status       RideStatus  `json:"status"`
	CancelReason string      `json:"cancelReason,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	AcceptedAt   *time.Time  `json:"acceptedAt,omitempty"`
	ArrivedAt    *time.Time  `json:"arrivedAt,omitempty"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	CancelledAt  *time.Time  `json:"cancelledAt,omitempty"`
}

// Assignment is what a winning accept writes onto a ride.
type Assignment struct {
	DriverID     string
	DriverName   string
	DriverMobile string
	// OTP is only written when the ride has none yet.
	OTP string
	At  time.Time
}

// DriverProfile is the read-only view of a registered driver account.
type DriverProfile struct {
	DriverID    string      `json:"driverId"`
	Name        string      `json:"name"`
	Phone       string      `json:"phone"`
	VehicleType VehicleType `json:"vehicleType"`
	Location    Coord       `json:"location"`
}

type PresenceStatus string

const (
	PresenceLive    PresenceStatus = "Live"
	PresenceOnRide  PresenceStatus = "onRide"
	PresenceOffline PresenceStatus = "Offline"
)

// DriverLocationSnapshot is one row of the driver location log and the
// message body of the telemetry stream.
type DriverLocationSnapshot struct {
	DriverID    string         `json:"driverId"`
	DriverName  string         `json:"driverName"`
	Location    Coord          `json:"location"`
	VehicleType VehicleType    `json:"vehicleType"`
	Status      PresenceStatus `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
}

// UserLocationSnapshot is one row of the user location log.
type UserLocationSnapshot struct {
	UserID    string    `json:"userId"`
	RideID    string    `json:"rideId,omitempty"`
	Location  Coord     `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// FlexFloat decodes a JSON number, a numeric string, or a string with a
// leading number such as "5.2 km". Anything unparseable decodes as 0.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] != '"' {
		var v float64
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = FlexFloat(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*f = FlexFloat(leadingFloat(s))
	return nil
}

func leadingFloat(s string) float64 {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= '0' && c <= '9') || c == '.' || (end == 0 && (c == '-' || c == '+')) {
			end++
			continue
		}
		break
	}
	for end > 0 {
		if v, err := strconv.ParseFloat(s[:end], 64); err == nil {
			return v
		}
		end--
	}
	return 0
}
