package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ridecore/matching/internal/domain"
)

func TestAssignRideAtomicHappyPath(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	driverID, err := s.RegisterDriver(ctx, "Asha", "+91900000001", domain.TierStandard)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetDriverStatus(ctx, driverID, domain.DriverAvailable); err != nil {
		t.Fatal(err)
	}
	rideID, err := s.CreateRide(ctx, CreateRideParams{RiderID: "rider-1", Tier: domain.TierStandard})
	if err != nil {
		t.Fatal(err)
	}

	tripID, err := s.AssignRideAtomic(ctx, rideID, driverID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tripID == "" {
		t.Fatal("expected a trip id")
	}

	ride, err := s.GetRide(ctx, rideID)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != domain.RideMatched {
		t.Fatalf("expected ride MATCHED, got %s", ride.Status)
	}
	if ride.AssignedDriverID == nil || *ride.AssignedDriverID != driverID {
		t.Fatalf("expected ride assigned to %s, got %+v", driverID, ride.AssignedDriverID)
	}

	driver, err := s.GetDriver(ctx, driverID)
	if err != nil {
		t.Fatal(err)
	}
	if driver.Status != domain.DriverOnTrip {
		t.Fatalf("expected driver on_trip, got %s", driver.Status)
	}
}

func TestAssignRideAtomicRejectsUnavailableDriver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	driverID, _ := s.RegisterDriver(ctx, "Asha", "+91900000002", domain.TierStandard)
	rideID, _ := s.CreateRide(ctx, CreateRideParams{RiderID: "rider-1", Tier: domain.TierStandard})

	_, err := s.AssignRideAtomic(ctx, rideID, driverID)
	if !errors.Is(err, ErrDriverConflict) {
		t.Fatalf("expected ErrDriverConflict, got %v", err)
	}
}

func TestAssignRideAtomicRejectsNonRequestedRide(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	driverID, _ := s.RegisterDriver(ctx, "Asha", "+91900000003", domain.TierStandard)
	_ = s.SetDriverStatus(ctx, driverID, domain.DriverAvailable)
	rideID, _ := s.CreateRide(ctx, CreateRideParams{RiderID: "rider-1", Tier: domain.TierStandard})
	if err := s.CancelRide(ctx, rideID, domain.CancelNoDriverFound); err != nil {
		t.Fatal(err)
	}

	_, err := s.AssignRideAtomic(ctx, rideID, driverID)
	if !errors.Is(err, ErrRideConflict) {
		t.Fatalf("expected ErrRideConflict, got %v", err)
	}
}

// TestAssignRideAtomicOnlyOneWinner races N goroutines to assign the same
// ride to N distinct available drivers. Exactly one must win; every other
// attempt must fail with a conflict rather than silently double-booking.
func TestAssignRideAtomicOnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rideID, _ := s.CreateRide(ctx, CreateRideParams{RiderID: "rider-1", Tier: domain.TierStandard})

	const n = 20
	driverIDs := make([]string, n)
	for i := 0; i < n; i++ {
		id, _ := s.RegisterDriver(ctx, "Driver", "+9190000"+string(rune('A'+i)), domain.TierStandard)
		_ = s.SetDriverStatus(ctx, id, domain.DriverAvailable)
		driverIDs[i] = id
	}

	var wg sync.WaitGroup
	var successes int
	var mu sync.Mutex
	for _, driverID := range driverIDs {
		wg.Add(1)
		go func(did string) {
			defer wg.Done()
			if _, err := s.AssignRideAtomic(ctx, rideID, did); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(driverID)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}
}

func TestEndTripCreatesPendingPaymentAndFreesDriver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	driverID, _ := s.RegisterDriver(ctx, "Asha", "+91900000099", domain.TierStandard)
	_ = s.SetDriverStatus(ctx, driverID, domain.DriverAvailable)
	rideID, _ := s.CreateRide(ctx, CreateRideParams{RiderID: "rider-1", Tier: domain.TierStandard})
	tripID, _ := s.AssignRideAtomic(ctx, rideID, driverID)

	paymentID, err := s.EndTrip(ctx, tripID, 12.9, 77.6, 8.4, 150.5)
	if err != nil {
		t.Fatal(err)
	}

	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		t.Fatal(err)
	}
	if payment.Status != domain.PaymentPending {
		t.Fatalf("expected pending payment, got %s", payment.Status)
	}
	if payment.Amount != 150.5 {
		t.Fatalf("expected amount 150.5, got %v", payment.Amount)
	}

	driver, _ := s.GetDriver(ctx, driverID)
	if driver.Status != domain.DriverAvailable {
		t.Fatalf("expected driver freed back to available, got %s", driver.Status)
	}

	ride, _ := s.GetRide(ctx, rideID)
	if ride.Status != domain.RideCompleted {
		t.Fatalf("expected ride COMPLETED, got %s", ride.Status)
	}
}

func TestFinalizePaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	driverID, _ := s.RegisterDriver(ctx, "Asha", "+91900000100", domain.TierStandard)
	_ = s.SetDriverStatus(ctx, driverID, domain.DriverAvailable)
	rideID, _ := s.CreateRide(ctx, CreateRideParams{RiderID: "rider-1", Tier: domain.TierStandard})
	tripID, _ := s.AssignRideAtomic(ctx, rideID, driverID)
	paymentID, _ := s.EndTrip(ctx, tripID, 0, 0, 1, 60)

	if err := s.FinalizePayment(ctx, paymentID, PSPOk, "card", "ch_1"); err != nil {
		t.Fatal(err)
	}
	// replaying with the same outcome must be a no-op, not an error
	if err := s.FinalizePayment(ctx, paymentID, PSPOk, "card", "ch_1"); err != nil {
		t.Fatalf("expected idempotent replay to succeed, got %v", err)
	}
	// a different outcome on an already-terminal payment is a conflict
	if err := s.FinalizePayment(ctx, paymentID, PSPDeclined, "card", "ch_1"); err == nil {
		t.Fatal("expected conflict finalizing with a different outcome")
	}
}
