// Package pricing quotes fares from the per-vehicle price table.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrRateNotConfigured is returned alongside a zero fare when the vehicle
// class has no active rate yet.
var ErrRateNotConfigured = errors.New("rate not configured")

var ErrInvalidDistance = errors.New("distance must be a non-negative number")

type Quote struct {
	VehicleType models.VehicleType `json:"vehicleType"`
	DistanceKm  float64            `json:"distanceKm"`
	RatePerKm   float64            `json:"ratePerKm"`
	Fare        float64            `json:"fare"`
}

type Service struct {
	table storage.PriceTable
}

func NewService(table storage.PriceTable) *Service {
	return &Service{table: table}
}

// Quote prices a trip as distance × rate rounded to two decimals. When no
// rate is configured the quote has a zero fare and the error wraps
// ErrRateNotConfigured; callers may still book on that quote.
func (s *Service) Quote(ctx context.Context, vt models.VehicleType, distanceKm float64) (Quote, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return Quote{}, ErrInvalidDistance
	}
	rates, err := s.table.ActiveRates(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("load rates: %w", err)
	}
	q := Quote{VehicleType: vt, DistanceKm: distanceKm}
	rate, ok := rates[vt]
	if !ok || rate <= 0 {
		return q, fmt.Errorf("%s: %w", vt, ErrRateNotConfigured)
	}
	q.RatePerKm = rate
	q.Fare = Round2(distanceKm * rate)
	return q, nil
}

// CurrentPrices returns a rate for every known vehicle class, 0 where none
// is configured.
func (s *Service) CurrentPrices(ctx context.Context) (map[models.VehicleType]float64, error) {
	rates, err := s.table.ActiveRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}
	out := make(map[models.VehicleType]float64, len(models.VehicleTypes))
	for _, vt := range models.VehicleTypes {
		out[vt] = rates[vt]
	}
	return out, nil
}

func Round2(x float64) float64 { return math.Round(x*100) / 100 }
