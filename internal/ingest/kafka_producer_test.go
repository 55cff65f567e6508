package ingest

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEncodeLocationKeysByDriver(t *testing.T) {
	snap := models.DriverLocationSnapshot{
		DriverID:    "d1",
		DriverName:  "Ravi",
		Location:    models.Coord{Lat: 12.9, Lng: 77.6},
		VehicleType: models.VehicleTaxi,
		Status:      models.PresenceLive,
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	m, err := EncodeLocation(snap)
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Key) != "d1" {
		t.Fatalf("key = %q", m.Key)
	}
	got, err := DecodeLocation(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.DriverID != "d1" || got.Location != snap.Location || got.Status != models.PresenceLive {
		t.Fatalf("decoded %+v", got)
	}
}
