package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo     int // number of times to fail GeoAdd before succeeding
	failH       int // number of times to fail HSet before succeeding
	geoCalls    int
	hCalls      int
	removeCalls int
	lastMetaKey string
	lastFields  map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastMetaKey, f.lastFields = key, values
	return nil
}

func (f *fakeUpdater) Remove(ctx context.Context, geoKey, member, metaKey string) error {
	f.removeCalls++
	f.lastMetaKey = metaKey
	return nil
}

func liveSnapshot() models.DriverLocationSnapshot {
	return models.DriverLocationSnapshot{
		DriverID:    "d1",
		Location:    models.Coord{Lat: 1, Lng: 2},
		VehicleType: models.VehicleSedan,
		Status:      models.PresenceLive,
		Timestamp:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", liveSnapshot(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastMetaKey != "driver:meta:d1" || f.lastFields["vehicle_type"] != "sedan" || f.lastFields["status"] != "Live" {
		t.Fatalf("unexpected metadata %s %v", f.lastMetaKey, f.lastFields)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", liveSnapshot(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 || f.hCalls != 0 {
		t.Fatalf("expected 3 geo attempts and no hset, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
}

func TestApplySnapshotRemovesOfflineDriver(t *testing.T) {
	f := &fakeUpdater{}
	snap := liveSnapshot()
	snap.Status = models.PresenceOffline
	removed, err := applySnapshot(context.Background(), f, "drivers_geo", snap, 3, time.Millisecond)
	if err != nil || !removed {
		t.Fatalf("expected removal, got removed=%v err=%v", removed, err)
	}
	if f.removeCalls != 1 || f.geoCalls != 0 || f.lastMetaKey != "driver:meta:d1" {
		t.Fatalf("unexpected calls: remove=%d geo=%d key=%s", f.removeCalls, f.geoCalls, f.lastMetaKey)
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := withRetry(ctx, 5, time.Second, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one attempt and an error, got calls=%d err=%v", calls, err)
	}
}
