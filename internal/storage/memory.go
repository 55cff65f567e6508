package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

const maxMemoryLogEntries = 10000

// MemoryStore implements Store in process memory. It backs tests and
// single-node runs without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	counters map[string]int64
	rates    map[models.VehicleType]float64
	drivers  map[string]models.DriverProfile

	driverLog []models.DriverLocationSnapshot
	userLog   []models.UserLocationSnapshot

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		counters: make(map[string]int64),
		rates:    make(map[models.VehicleType]float64),
		drivers:  make(map[string]models.DriverProfile),
		now:      time.Now,
	}
}

// SetRate configures the per-km rate of a vehicle class.
func (m *MemoryStore) SetRate(v models.VehicleType, perKm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[v] = perKm
}

func (m *MemoryStore) PutDriver(p models.DriverProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[p.DriverID] = p
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.RideID]; ok {
		return ErrDuplicateRide
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := m.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	cp := *r
	m.rides[r.RideID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, rideID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AcceptRide(_ context.Context, rideID string, a models.Assignment) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPending {
		return nil, classifyAcceptMiss(r)
	}
	r.Status = models.StatusAccepted
	r.DriverID = a.DriverID
	r.DriverName = a.DriverName
	r.DriverMobile = a.DriverMobile
	if r.OTP == "" {
		r.OTP = a.OTP
	}
	r.UpdatedAt = a.At
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.now()
	}
	stamp(r, models.StatusAccepted)
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, rideID string, from []models.RideStatus, to models.RideStatus, reason string) (*models.Ride, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, "", ErrNotFound
	}
	if !containsStatus(from, r.Status) {
		return nil, "", ErrConflict
	}
	prev := r.DriverID
	r.Status = to
	r.UpdatedAt = m.now()
	if to == models.StatusCancelled {
		r.DriverID, r.DriverName, r.DriverMobile = "", "", ""
		r.CancelReason = reason
	}
	stamp(r, to)
	cp := *r
	return &cp, prev, nil
}

func (m *MemoryStore) ActiveRideForDriver(_ context.Context, driverID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Ride
	for _, r := range m.rides {
		if r.DriverID != driverID || !containsStatus(activeStatuses, r.Status) {
			continue
		}
		if found == nil || acceptedAfter(r, found) {
			found = r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func acceptedAfter(a, b *models.Ride) bool {
	if a.AcceptedAt == nil || b.AcceptedAt == nil {
		return a.AcceptedAt != nil
	}
	return a.AcceptedAt.After(*b.AcceptedAt)
}

func (m *MemoryStore) NextSequence(_ context.Context, name string, base int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.counters[name]
	if !ok {
		cur = base
	}
	cur++
	m.counters[name] = cur
	return cur, nil
}

func (m *MemoryStore) ResetSequence(_ context.Context, name string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] = value
	return nil
}

func (m *MemoryStore) AppendDriverLocation(_ context.Context, s models.DriverLocationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driverLog = appendCapped(m.driverLog, s)
	return nil
}

func (m *MemoryStore) AppendUserLocation(_ context.Context, s models.UserLocationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userLog = appendCapped(m.userLog, s)
	return nil
}

// DriverLocations returns a copy of the driver location log.
func (m *MemoryStore) DriverLocations() []models.DriverLocationSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.DriverLocationSnapshot(nil), m.driverLog...)
}

func (m *MemoryStore) UserLocations() []models.UserLocationSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.UserLocationSnapshot(nil), m.userLog...)
}

func appendCapped[T any](log []T, v T) []T {
	log = append(log, v)
	if len(log) > maxMemoryLogEntries {
		log = log[len(log)-maxMemoryLogEntries:]
	}
	return log
}

func (m *MemoryStore) ActiveRates(context.Context) (map[models.VehicleType]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.VehicleType]float64, len(m.rates))
	for k, v := range m.rates {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) FindDriver(_ context.Context, driverID string) (*models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) Ping(context.Context) error  { return nil }
func (m *MemoryStore) Close(context.Context) error { return nil }
