package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type brokenLog struct{ calls int }

func (b *brokenLog) AppendDriverLocation(context.Context, models.DriverLocationSnapshot) error {
	return errors.New("down")
}

func (b *brokenLog) AppendUserLocation(context.Context, models.UserLocationSnapshot) error {
	b.calls++
	return errors.New("down")
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestUpdatePersistsAndKeepsRide(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := New(store, quiet())
	ctx := context.Background()

	tr.Update(ctx, "u1", models.Coord{Lat: 1, Lng: 1}, "RID100001")
	e := tr.Update(ctx, "u1", models.Coord{Lat: 2, Lng: 2}, "")
	if e.RideID != "RID100001" || e.Location.Lat != 2 {
		t.Fatalf("unexpected entry %+v", e)
	}
	got, ok := tr.Get("u1")
	if !ok || got != e {
		t.Fatalf("get = %+v, %v", got, ok)
	}
	if n := len(store.UserLocations()); n != 2 {
		t.Fatalf("logged %d locations, want 2", n)
	}
}

func TestUpdateSurvivesLogFailure(t *testing.T) {
	bl := &brokenLog{}
	tr := New(bl, quiet())
	tr.Update(context.Background(), "u1", models.Coord{Lat: 1}, "")
	if bl.calls != 1 {
		t.Fatalf("expected one append attempt, got %d", bl.calls)
	}
	if _, ok := tr.Get("u1"); !ok {
		t.Fatal("location lost after log failure")
	}
}

func TestSweepStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := New(nil, quiet(), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	tr.Update(ctx, "old", models.Coord{}, "RID100001")
	now = now.Add(31 * time.Minute)
	tr.Update(ctx, "fresh", models.Coord{}, "")

	if n := tr.SweepStale(30 * time.Minute); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := tr.Get("old"); ok {
		t.Fatal("stale entry survived even though it had a ride")
	}
	if tr.Len() != 1 {
		t.Fatalf("len = %d, want 1", tr.Len())
	}
}
