package matcher

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/dispatch"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/geo"
	"github.com/ridecore/matching/internal/lock"
	"github.com/ridecore/matching/internal/storage"
)

type nopNotifier struct{ notified []string }

func (n *nopNotifier) Notify(driverID string, event dispatch.MatchEvent) error {
	n.notified = append(n.notified, driverID)
	return nil
}

func testCfg() config.MatchConfig {
	return config.MatchConfig{
		InitialRadiusKm: 2,
		MaxRadiusKm:     10,
		Backoff:         1.5,
		RetryDelay:      time.Millisecond,
		Budget:          50 * time.Millisecond,
		CandidateLimit:  20,
		LockTTL:         time.Second,
	}
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatchWinsNearestAvailableDriver(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := geo.NewMemoryIndex()
	locks := lock.NewMemoryManager()
	defer locks.Close()
	notifier := &nopNotifier{}

	near, _ := store.RegisterDriver(ctx, "Near", "+91111", domain.TierStandard)
	_ = store.SetDriverStatus(ctx, near, domain.DriverAvailable)
	g.Upsert(domain.TierStandard, near, 12.95, 77.60)

	far, _ := store.RegisterDriver(ctx, "Far", "+91222", domain.TierStandard)
	_ = store.SetDriverStatus(ctx, far, domain.DriverAvailable)
	g.Upsert(domain.TierStandard, far, 13.5, 78.2)

	rideID, _ := store.CreateRide(ctx, storage.CreateRideParams{
		RiderID: "rider-1", Tier: domain.TierStandard,
		Pickup: domain.Coord{Lat: 12.9716, Lng: 77.5946},
	})
	ride, _ := store.GetRide(ctx, rideID)

	svc := NewService(g, locks, store, notifier, nil, testCfg(), noopLogger())
	res, err := svc.Match(ctx, ride)
	if err != nil {
		t.Fatalf("expected a match, got error: %v", err)
	}
	if res.DriverID != near {
		t.Fatalf("expected nearest driver %s to win, got %s", near, res.DriverID)
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != near {
		t.Fatalf("expected notify for %s, got %v", near, notifier.notified)
	}
}

func TestMatchExhaustsAndCancelsRide(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := geo.NewMemoryIndex() // no drivers at all
	locks := lock.NewMemoryManager()
	defer locks.Close()

	rideID, _ := store.CreateRide(ctx, storage.CreateRideParams{
		RiderID: "rider-1", Tier: domain.TierStandard,
		Pickup: domain.Coord{Lat: 12.9716, Lng: 77.5946},
	})
	ride, _ := store.GetRide(ctx, rideID)

	svc := NewService(g, locks, store, nil, nil, testCfg(), noopLogger())
	svc.sleep = func(time.Duration) {} // don't actually wait in the test

	_, err := svc.Match(ctx, ride)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	got, _ := store.GetRide(ctx, rideID)
	if got.Status != domain.RideCancelled || got.CancelReason != domain.CancelNoDriverFound {
		t.Fatalf("expected ride cancelled with no_driver_found, got %+v", got)
	}
}

func TestMatchSkipsDriverAlreadyOnTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := geo.NewMemoryIndex()
	locks := lock.NewMemoryManager()
	defer locks.Close()

	busy, _ := store.RegisterDriver(ctx, "Busy", "+91333", domain.TierStandard)
	_ = store.SetDriverStatus(ctx, busy, domain.DriverOnTrip)
	g.Upsert(domain.TierStandard, busy, 12.96, 77.61)

	free, _ := store.RegisterDriver(ctx, "Free", "+91444", domain.TierStandard)
	_ = store.SetDriverStatus(ctx, free, domain.DriverAvailable)
	g.Upsert(domain.TierStandard, free, 12.95, 77.60)

	rideID, _ := store.CreateRide(ctx, storage.CreateRideParams{
		RiderID: "rider-1", Tier: domain.TierStandard,
		Pickup: domain.Coord{Lat: 12.9716, Lng: 77.5946},
	})
	ride, _ := store.GetRide(ctx, rideID)

	svc := NewService(g, locks, store, &nopNotifier{}, nil, testCfg(), noopLogger())
	res, err := svc.Match(ctx, ride)
	if err != nil {
		t.Fatalf("expected the free driver to be won: %v", err)
	}
	if res.DriverID != free {
		t.Fatalf("expected %s to win, got %s", free, res.DriverID)
	}
}
