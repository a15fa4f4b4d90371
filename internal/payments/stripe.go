package payments

import (
	"context"
	"errors"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeClient is a thin wrapper around stripe-go that places fare holds as manual-capture PaymentIntents.
type StripeClient struct {
	api *client.API
}

// NewStripeClient returns a client bound to apiKey.
func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// MinorUnits converts a decimal fare into the smallest currency unit.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// HoldFare places a manual-capture PaymentIntent for a completed request and
// returns its id. The request id is used as idempotency key so a replayed
// completion never creates a second hold.
func (s *StripeClient) HoldFare(ctx context.Context, requestID string, amount float64, currency string) (string, error) {
	minor := MinorUnits(amount)
	if minor <= 0 {
		return "", errors.New("nothing to hold for a zero fare")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("request_id", requestID)
	params.SetIdempotencyKey("hold-" + requestID)
	params.Context = ctx
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}
