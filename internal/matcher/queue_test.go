package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/geo"
	"github.com/ridecore/matching/internal/lock"
	"github.com/ridecore/matching/internal/storage"
)

func TestQueueRunsEnqueuedMatchToCompletion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := geo.NewMemoryIndex()
	locks := lock.NewMemoryManager()
	defer locks.Close()
	notifier := &nopNotifier{}

	driverID, _ := store.RegisterDriver(ctx, "Near", "+91555", domain.TierStandard)
	_ = store.SetDriverStatus(ctx, driverID, domain.DriverAvailable)
	g.Upsert(domain.TierStandard, driverID, 12.95, 77.60)

	rideID, _ := store.CreateRide(ctx, storage.CreateRideParams{
		RiderID: "rider-1", Tier: domain.TierStandard,
		Pickup: domain.Coord{Lat: 12.9716, Lng: 77.5946},
	})
	ride, _ := store.GetRide(ctx, rideID)

	svc := NewService(g, locks, store, notifier, nil, testCfg(), noopLogger())
	q := NewQueue(svc, config.MatchConfig{Workers: 2, QueueCapacity: 4, Budget: testCfg().Budget}, noopLogger())

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(runCtx)
		close(done)
	}()

	if err := q.Enqueue(ctx, ride); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.GetRide(ctx, rideID)
		if got.Status == domain.RideMatched {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, _ := store.GetRide(ctx, rideID)
	if got.Status != domain.RideMatched {
		t.Fatalf("expected ride matched by a queue worker, got %s", got.Status)
	}

	cancel()
	<-done
}

func TestQueueEnqueueFailsWhenFullAndContextExpires(t *testing.T) {
	svc := NewService(geo.NewMemoryIndex(), lock.NewMemoryManager(), storage.NewMemoryStore(), nil, nil, testCfg(), noopLogger())
	// no Run call: nothing ever drains the queue, so it fills after QueueCapacity enqueues
	q := NewQueue(svc, config.MatchConfig{Workers: 1, QueueCapacity: 1}, noopLogger())

	full := &domain.Ride{ID: "r1"}
	if err := q.Enqueue(context.Background(), full); err != nil {
		t.Fatalf("expected the first enqueue to succeed, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	blocked := &domain.Ride{ID: "r2"}
	if err := q.Enqueue(ctx, blocked); err == nil {
		t.Fatal("expected enqueue against a full queue to fail once its context expires")
	}
}
