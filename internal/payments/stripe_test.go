package payments

import (
	"context"
	"errors"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"

	"github.com/ridecore/matching/internal/storage"
)

// fakeClient is a network-free Client stand-in, used in this file to check
// that it satisfies Client; StripeClient itself is integration-tested
// manually against Stripe's test mode, not here.
type fakeClient struct {
	outcome storage.PSPOutcome
	ref     string
	err     error
}

func (f *fakeClient) Capture(ctx context.Context, amount float64, method, idempotencyKey string) (storage.PSPOutcome, string, error) {
	return f.outcome, f.ref, f.err
}

func TestFakeClientSatisfiesClientInterface(t *testing.T) {
	var _ Client = &fakeClient{}
	c := &fakeClient{outcome: storage.PSPOk, ref: "pi_123"}
	outcome, ref, err := c.Capture(context.Background(), 100, "card", "key-1")
	if err != nil || outcome != storage.PSPOk || ref != "pi_123" {
		t.Fatalf("unexpected result: %v %v %v", outcome, ref, err)
	}
}

// declineRef is the one piece of the Stripe flow that's pure Go and needs
// no network to exercise: it decides whether a PaymentIntent error is a
// card decline (a business outcome capture_payment reports as
// {declined}) or something else (an {error} the caller should retry or
// surface, not record as a failed payment).
func TestDeclineRefRecognizesCardDecline(t *testing.T) {
	err := &stripe.Error{
		Type:          stripe.ErrorTypeCard,
		Code:          stripe.ErrorCodeCardDeclined,
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_456"},
	}

	declined, ref := declineRef(err)
	if !declined {
		t.Fatal("expected a card error to be treated as a decline")
	}
	if ref != "pi_456" {
		t.Fatalf("expected the PaymentIntent id as the reference, got %q", ref)
	}
}

func TestDeclineRefWithoutPaymentIntentStillDeclines(t *testing.T) {
	err := &stripe.Error{Type: stripe.ErrorTypeCard}

	declined, ref := declineRef(err)
	if !declined {
		t.Fatal("expected a card error to be treated as a decline")
	}
	if ref != "" {
		t.Fatalf("expected an empty reference when no PaymentIntent is attached, got %q", ref)
	}
}

func TestDeclineRefTreatsNonCardStripeErrorsAsFailures(t *testing.T) {
	err := &stripe.Error{Type: stripe.ErrorTypeAPI}

	if declined, ref := declineRef(err); declined {
		t.Fatalf("expected a non-card stripe error to not be a decline, got declined=true ref=%q", ref)
	}
}

func TestDeclineRefTreatsNonStripeErrorsAsFailures(t *testing.T) {
	if declined, _ := declineRef(errors.New("network error")); declined {
		t.Fatal("expected a plain non-stripe error to not be a decline")
	}
}
