// Package session holds the in-memory mirror of rides that are being
// dispatched or driven.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Session struct {
	RideID       string
	UserID       string
	DriverID     string
	DriverName   string
	DriverMobile string
	Pickup       models.Place
	Drop         models.Place
	VehicleType  models.VehicleType
	Fare         float64
	OTP          string
	Status       models.RideStatus
	// RejectedBy lists drivers that declined the ride. Rejections never
	// change Status.
	RejectedBy []string
	RejectedAt *time.Time
	UpdatedAt  time.Time
}

func FromRide(r *models.Ride) Session {
	return Session{
		RideID:       r.RideID,
		UserID:       r.UserID,
		DriverID:     r.DriverID,
		DriverName:   r.DriverName,
		DriverMobile: r.DriverMobile,
		Pickup:       r.Pickup,
		Drop:         r.Drop,
		VehicleType:  r.VehicleType,
		Fare:         r.Fare,
		OTP:          r.OTP,
		Status:       r.Status,
		UpdatedAt:    r.UpdatedAt,
	}
}

type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
	now      func() time.Time
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
		now:      time.Now,
	}
}

// Put stores s, replacing any session for the same ride and cancelling a
// pending removal.
func (t *Table) Put(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[s.RideID]; ok {
		tm.Stop()
		delete(t.timers, s.RideID)
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = t.now()
	}
	t.sessions[s.RideID] = &s
}

func (t *Table) Get(rideID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[rideID]
	if !ok {
		return Session{}, false
	}
	return clone(s), true
}

// Update applies fn under the table lock. It reports false when the ride is
// not in the table.
func (t *Table) Update(rideID string, fn func(*Session)) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[rideID]
	if !ok {
		return Session{}, false
	}
	fn(s)
	s.UpdatedAt = t.now()
	return clone(s), true
}

// Reject records that driverID declined the ride.
func (t *Table) Reject(rideID, driverID string) (Session, bool) {
	return t.Update(rideID, func(s *Session) {
		now := t.now()
		s.RejectedAt = &now
		if !slices.Contains(s.RejectedBy, driverID) {
			s.RejectedBy = append(s.RejectedBy, driverID)
		}
	})
}

func (t *Table) Delete(rideID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[rideID]; ok {
		tm.Stop()
		delete(t.timers, rideID)
	}
	delete(t.sessions, rideID)
}

// RemoveAfter deletes the session once d has elapsed, leaving it readable
// in the meantime.
func (t *Table) RemoveAfter(rideID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[rideID]; ok {
		tm.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.timers[rideID] != tm {
			return
		}
		delete(t.timers, rideID)
		delete(t.sessions, rideID)
	})
	t.timers[rideID] = tm
}

// ActiveForDriver returns the non-terminal ride assigned to driverID.
func (t *Table) ActiveForDriver(driverID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		if s.DriverID == driverID && !s.Status.Terminal() && s.Status != models.StatusPending {
			return clone(s), true
		}
	}
	return Session{}, false
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Stop cancels every pending removal.
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}

func clone(s *Session) Session {
	c := *s
	c.RejectedBy = slices.Clone(s.RejectedBy)
	return c
}
