// Package payments is the PSP capture contract from spec §4.8:
// capture_payment opens a manual-capture PaymentIntent and captures it
// immediately, collapsing Stripe's own hold/capture/cancel split (this
// system never holds funds across the trip) into the ok/declined outcome
// storage.FinalizePayment expects, with a PSP failure returned as an error.
package payments

import (
	"context"
	"errors"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/ridecore/matching/internal/storage"
)

// Client is what capture_payment depends on. amount is in the fare's major
// currency unit (e.g. rupees); Stripe wants minor units, so implementations
// convert internally.
type Client interface {
	Capture(ctx context.Context, amount float64, method, idempotencyKey string) (storage.PSPOutcome, string, error)
}

// StripeClient captures against the Stripe API.
type StripeClient struct {
	Currency string
}

func NewStripeClient(currency string) *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	if currency == "" {
		currency = "inr"
	}
	return &StripeClient{Currency: currency}
}

func (s *StripeClient) Capture(ctx context.Context, amount float64, method, idempotencyKey string) (storage.PSPOutcome, string, error) {
	minorUnits := int64(amount*100 + 0.5)

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits),
		Currency:      stripe.String(s.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethod: stripe.String(method),
		Confirm:       stripe.Bool(true),
	}
	params.IdempotencyKey = stripe.String(idempotencyKey)
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		if declined, ref := declineRef(err); declined {
			return storage.PSPDeclined, ref, nil
		}
		return "", "", err
	}

	if pi.Status == stripe.PaymentIntentStatusRequiresCapture {
		capParams := &stripe.PaymentIntentCaptureParams{}
		capParams.Context = ctx
		pi, err = paymentintent.Capture(pi.ID, capParams)
		if err != nil {
			if declined, ref := declineRef(err); declined {
				return storage.PSPDeclined, ref, nil
			}
			return "", "", err
		}
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return storage.PSPDeclined, pi.ID, nil
	}
	return storage.PSPOk, pi.ID, nil
}

// declineRef reports whether err is a card-decline (a business outcome,
// not an infrastructure failure) and, if so, the PaymentIntent id to
// record as the PSP reference.
func declineRef(err error) (bool, string) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeCard {
			ref := ""
			if stripeErr.PaymentIntent != nil {
				ref = stripeErr.PaymentIntent.ID
			}
			return true, ref
		}
	}
	return false, ""
}
