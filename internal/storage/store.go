package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateRide   = errors.New("duplicate ride id")
	ErrAlreadyAccepted = errors.New("ride already accepted")
	// ErrConflict means the ride exists but is not in a status the write
	// was conditioned on.
	ErrConflict = errors.New("ride status conflict")
)

// RideStore persists ride records. AcceptRide and TransitionRide are
// conditional on the current status and are the only way status moves.
// TransitionRide also returns the driver bound to the ride just before the
// write, since a cancellation clears it.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, rideID string) (*models.Ride, error)
	AcceptRide(ctx context.Context, rideID string, a models.Assignment) (*models.Ride, error)
	TransitionRide(ctx context.Context, rideID string, from []models.RideStatus, to models.RideStatus, reason string) (ride *models.Ride, prevDriverID string, err error)
	// ActiveRideForDriver returns the most recently accepted ride the driver
	// is still on, or ErrNotFound.
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
}

// SequenceStore is a named counter. The first NextSequence for a name
// returns base+1.
type SequenceStore interface {
	NextSequence(ctx context.Context, name string, base int64) (int64, error)
	ResetSequence(ctx context.Context, name string, value int64) error
}

// LocationLog is append-only and best effort.
type LocationLog interface {
	AppendDriverLocation(ctx context.Context, s models.DriverLocationSnapshot) error
	AppendUserLocation(ctx context.Context, s models.UserLocationSnapshot) error
}

type PriceTable interface {
	ActiveRates(ctx context.Context) (map[models.VehicleType]float64, error)
}

type DriverDirectory interface {
	FindDriver(ctx context.Context, driverID string) (*models.DriverProfile, error)
}

type Store interface {
	RideStore
	SequenceStore
	LocationLog
	PriceTable
	DriverDirectory
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// classifyAcceptMiss turns a zero-match accept into the error callers
// branch on. r is the current record, nil when absent.
func classifyAcceptMiss(r *models.Ride) error {
	switch {
	case r == nil:
		return ErrNotFound
	case r.Status == models.StatusCancelled:
		return ErrConflict
	case r.DriverID != "" || r.Status != models.StatusPending:
		return ErrAlreadyAccepted
	default:
		return ErrConflict
	}
}

// activeStatuses are the statuses in which a driver is bound to a ride.
var activeStatuses = []models.RideStatus{models.StatusAccepted, models.StatusArrived, models.StatusOngoing}

func statusStrings(in []models.RideStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func containsStatus(set []models.RideStatus, s models.RideStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// stamp sets the timestamp that belongs to a status change.
func stamp(r *models.Ride, to models.RideStatus) {
	t := r.UpdatedAt
	switch to {
	case models.StatusAccepted:
		r.AcceptedAt = &t
	case models.StatusArrived:
		r.ArrivedAt = &t
	case models.StatusOngoing:
		r.StartedAt = &t
	case models.StatusCompleted:
		r.CompletedAt = &t
	case models.StatusCancelled:
		r.CancelledAt = &t
	}
}
