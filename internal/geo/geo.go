package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Position is what the index knows about a driver.
type Position struct {
	DriverID    string
	Location    models.Coord
	VehicleType models.VehicleType
	Status      models.PresenceStatus
}

type Hit struct {
	DriverID  string
	Location  models.Coord
	DistanceM float64
}

// Geo answers proximity queries over driver positions.
type Geo interface {
	Upsert(ctx context.Context, p Position) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Hit, error)
}

type Index struct {
	mu        sync.RWMutex
	positions map[string]Position
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]Position)}
}

func (g *Index) Upsert(_ context.Context, p Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[p.DriverID] = p
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, driverID)
	return nil
}

// Nearby scans every position; fine for a single dispatch node. limit <= 0
// means no limit.
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusM float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.positions))
	for _, p := range g.positions {
		d := Haversine(center.Lat, center.Lng, p.Location.Lat, p.Location.Lng)
		if d > radiusM {
			continue
		}
		hits = append(hits, Hit{DriverID: p.DriverID, Location: p.Location, DistanceM: d})
	}
	g.mu.RUnlock()
	sort.Slice(hits, func(i, j int) bool { return hits[i].DistanceM < hits[j].DistanceM })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
