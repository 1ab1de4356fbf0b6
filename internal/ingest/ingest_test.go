package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/geo"
	"github.com/ridecore/matching/internal/storage"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches int
}

func (f *fakePublisher) PublishBatch(ctx context.Context, samples []storage.LocationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngestUpsertsGeoIndexSynchronously(t *testing.T) {
	g := geo.NewMemoryIndex()
	store := storage.NewMemoryStore()
	p := NewPipeline(g, store, nil, config.IngestConfig{FlushInterval: time.Hour, FlushBatch: 1000, BufferCapacity: 10}, testLogger())

	p.Ingest(domain.TierStandard, "driver-1", 12.9, 77.6)

	cands := g.SearchByRadius(domain.TierStandard, 12.9, 77.6, 1, 10)
	if len(cands) != 1 || cands[0].DriverID != "driver-1" {
		t.Fatalf("expected driver-1 indexed immediately, got %v", cands)
	}
}

func TestRunFlushesBatchOnTicker(t *testing.T) {
	g := geo.NewMemoryIndex()
	store := storage.NewMemoryStore()
	driverID, _ := store.RegisterDriver(context.Background(), "D", "+911", domain.TierStandard)

	pub := &fakePublisher{}
	p := NewPipeline(g, store, pub, config.IngestConfig{FlushInterval: 10 * time.Millisecond, FlushBatch: 1000, BufferCapacity: 100}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Ingest(domain.TierStandard, driverID, 1.0, 2.0)

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	driver, err := store.GetDriver(context.Background(), driverID)
	if err != nil {
		t.Fatal(err)
	}
	if driver.LastLat != 1.0 || driver.LastLng != 2.0 {
		t.Fatalf("expected flushed location on driver row, got %+v", driver)
	}
	pub.mu.Lock()
	batches := pub.batches
	pub.mu.Unlock()
	if batches == 0 {
		t.Fatal("expected at least one published batch")
	}
}

func TestIngestDropsOnFullBuffer(t *testing.T) {
	g := geo.NewMemoryIndex()
	store := storage.NewMemoryStore()
	p := NewPipeline(g, store, nil, config.IngestConfig{FlushInterval: time.Hour, FlushBatch: 1000, BufferCapacity: 1}, testLogger())

	// fill the single buffer slot, then overflow it — must not block or panic
	p.Ingest(domain.TierStandard, "d1", 0, 0)
	p.Ingest(domain.TierStandard, "d2", 0, 0)
	p.Ingest(domain.TierStandard, "d3", 0, 0)
}
