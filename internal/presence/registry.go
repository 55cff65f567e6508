// Package presence tracks which drivers are connected, where they are and
// whether they are free to take a ride.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Record struct {
	DriverID    string
	Name        string
	ConnID      string
	Location    models.Coord
	VehicleType models.VehicleType
	Online      bool
	Status      models.PresenceStatus
	LastUpdate  time.Time
}

// Summary is the projection sent to riders and returned by nearby queries.
type Summary struct {
	DriverID    string                `json:"driverId"`
	DriverName  string                `json:"driverName"`
	Location    models.Coord          `json:"location"`
	VehicleType models.VehicleType    `json:"vehicleType"`
	Status      models.PresenceStatus `json:"status"`
	LastUpdate  time.Time             `json:"lastUpdate"`
	DistanceM   *float64              `json:"distanceMeters,omitempty"`
}

func (r Record) Summary() Summary {
	return Summary{
		DriverID:    r.DriverID,
		DriverName:  r.Name,
		Location:    r.Location,
		VehicleType: r.VehicleType,
		Status:      r.Status,
		LastUpdate:  r.LastUpdate,
	}
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*Record
	byConn  map[string]string
	now     func() time.Time
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		drivers: make(map[string]*Record),
		byConn:  make(map[string]string),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register inserts or refreshes a driver and binds it to connID. A driver
// already bound to connID keeps its status; anyone else comes back live.
// A different driver previously bound to connID goes offline.
func (r *Registry) Register(connID, driverID, name string, loc models.Coord, vt models.VehicleType) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prevID, ok := r.byConn[connID]; ok && prevID != driverID {
		if prev, ok := r.drivers[prevID]; ok && prev.ConnID == connID {
			r.offlineLocked(prev)
		}
	}
	rec, ok := r.drivers[driverID]
	if !ok {
		rec = &Record{DriverID: driverID}
		r.drivers[driverID] = rec
	}
	if rec.ConnID != "" && rec.ConnID != connID {
		delete(r.byConn, rec.ConnID)
	}
	rebind := rec.ConnID != connID
	rec.ConnID = connID
	r.byConn[connID] = driverID
	if name != "" {
		rec.Name = name
	}
	rec.Location = loc
	if vt != "" {
		rec.VehicleType = vt
	}
	rec.Online = true
	if rebind || rec.Status == "" || rec.Status == models.PresenceOffline {
		rec.Status = models.PresenceLive
	}
	rec.LastUpdate = r.now()
	return *rec
}

// UpdateLocation refreshes a driver bound to a connection. Unknown or
// disconnected drivers are ignored and reported with ok=false. An empty
// status leaves the current one.
func (r *Registry) UpdateLocation(driverID string, loc models.Coord, status models.PresenceStatus) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.drivers[driverID]
	if !ok || rec.ConnID == "" {
		return Record{}, false
	}
	rec.Location = loc
	rec.Online = true
	if status != "" {
		rec.Status = status
	}
	rec.LastUpdate = r.now()
	return *rec, true
}

// Heartbeat keeps a connected driver fresh. It reports false for unknown
// or disconnected drivers.
func (r *Registry) Heartbeat(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.drivers[driverID]
	if !ok || rec.ConnID == "" {
		return false
	}
	rec.Online = true
	rec.LastUpdate = r.now()
	return true
}

// SetStatus changes a known driver's status. Disconnected drivers stay
// offline.
func (r *Registry) SetStatus(driverID string, status models.PresenceStatus) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.drivers[driverID]
	if !ok {
		return Record{}, false
	}
	if rec.ConnID != "" {
		rec.Status = status
	}
	rec.LastUpdate = r.now()
	return *rec, true
}

// MarkOffline flags the driver bound to connID as offline. It does nothing
// when the driver has since re-registered on another connection.
func (r *Registry) MarkOffline(connID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	driverID, ok := r.byConn[connID]
	if !ok {
		return Record{}, false
	}
	delete(r.byConn, connID)
	rec, ok := r.drivers[driverID]
	if !ok || rec.ConnID != connID {
		return Record{}, false
	}
	r.offlineLocked(rec)
	return *rec, true
}

func (r *Registry) offlineLocked(rec *Record) {
	delete(r.byConn, rec.ConnID)
	rec.ConnID = ""
	rec.Online = false
	rec.Status = models.PresenceOffline
	rec.LastUpdate = r.now()
}

// SweepStale deletes drivers that are offline and older than staleAfter.
// Online drivers are never removed.
func (r *Registry) SweepStale(staleAfter time.Duration) []string {
	cutoff := r.now().Add(-staleAfter)
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, rec := range r.drivers {
		if rec.Online || !rec.LastUpdate.Before(cutoff) {
			continue
		}
		delete(r.drivers, id)
		removed = append(removed, id)
	}
	return removed
}

func (r *Registry) Get(driverID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.drivers[driverID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// DriverForConn returns the driver currently bound to connID.
func (r *Registry) DriverForConn(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// ListOnline returns online drivers ordered by id.
func (r *Registry) ListOnline() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.drivers))
	for _, rec := range r.drivers {
		if rec.Online {
			out = append(out, rec.Summary())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

func (r *Registry) Counts() (online, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.drivers {
		if rec.Online {
			online++
		}
	}
	return online, len(r.drivers)
}
