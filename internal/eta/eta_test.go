package eta

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type countingClient struct {
	calls int
	v     float64
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEstimatorUsesCache(t *testing.T) {
	c := &countingClient{v: 600}
	e := NewEstimator(c, NewCache(time.Minute), 8, quiet())
	a, b := models.Coord{Lat: 12.9, Lng: 77.6}, models.Coord{Lat: 12.95, Lng: 77.65}
	if got := e.TravelTime(context.Background(), a, b); got != "10 mins" {
		t.Fatalf("travel time = %q", got)
	}
	e.Seconds(context.Background(), a, b)
	if c.calls != 1 {
		t.Fatalf("client called %d times, want 1", c.calls)
	}
}

func TestCacheSweepsExpiredOnSet(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	a, b := models.Coord{Lat: 1, Lng: 1}, models.Coord{Lat: 2, Lng: 2}
	c.Set(a, b, 60)
	c.Set(b, a, 60)
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}

	now = now.Add(2 * time.Minute)
	c.Set(a, a, 1)
	if c.Len() != 1 {
		t.Fatalf("expired entries kept: len = %d", c.Len())
	}
	if _, ok := c.Get(a, b); ok {
		t.Fatalf("expired entry still readable")
	}
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	c := &countingClient{err: errors.New("no route")}
	e := NewEstimator(c, nil, 10, quiet())
	a, b := models.Coord{Lat: 12.0, Lng: 77.0}, models.Coord{Lat: 12.01, Lng: 77.0}
	got := e.Seconds(context.Background(), a, b)
	// ~1112m at 10 m/s
	if got < 100 || got > 120 {
		t.Fatalf("fallback seconds = %f", got)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/77.600000,12.900000;77.650000,12.950000" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: 12.9, Lng: 77.6}, models.Coord{Lat: 12.95, Lng: 77.65})
	if err != nil {
		t.Fatal(err)
	}
	if got != 321.5 {
		t.Fatalf("duration = %v", got)
	}
}
