package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Metadata lives in a hash
// per driver so the telemetry consumer and the dispatch nodes agree on it.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, p Position) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Location.Lng, Latitude: p.Location.Lat, Name: p.DriverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", p.DriverID, err)
	}
	return r.client.HSet(ctx, MetaKey(p.DriverID), MetaFields(p, time.Now())).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, MetaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Hit, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			DriverID:  g.Name,
			Location:  models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceM: g.Dist,
		})
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

func MetaFields(p Position, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"vehicle_type": string(p.VehicleType),
		"status":       string(p.Status),
		"updated":      at.Format(time.RFC3339),
	}
}
