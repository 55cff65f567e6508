package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeClient holds the fare on accept and settles it when the ride ends,
// using manual-capture PaymentIntents.
type StripeClient struct {
	api      *client.API
	currency string
}

func NewStripeClient(apiKey, currency string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil), currency: currency}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its id.
func (s *StripeClient) Hold(ctx context.Context, amount int64, customerID, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	if customerID != "" {
		params.AddMetadata("customer_id", customerID)
	}
	params.SetIdempotencyKey("hold-" + rideID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return err
}

// MinorUnits converts a fare in major currency units to the integer amount
// Stripe expects.
func MinorUnits(fare float64) int64 {
	return int64(math.Round(fare * 100))
}
