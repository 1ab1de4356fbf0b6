// Package ingest is the two-tier location-ingest pipeline from spec §4.8:
// a synchronous write into the hot geo index, plus a buffered, batched,
// asynchronous write into the durable state store and an analytics topic.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/geo"
	"github.com/ridecore/matching/internal/observability"
	"github.com/ridecore/matching/internal/storage"
)

// Pipeline owns the bounded channel and the background flush worker. It is
// started with Run (typically in a goroutine from cmd/server) and stopped
// by cancelling the context passed to Run.
type Pipeline struct {
	Geo       geo.Index
	Store     storage.Store
	Publisher LocationPublisher // optional; nil disables the Kafka side-publish
	Cfg       config.IngestConfig
	Log       *slog.Logger

	buf chan storage.LocationSample
}

func NewPipeline(g geo.Index, store storage.Store, publisher LocationPublisher, cfg config.IngestConfig, log *slog.Logger) *Pipeline {
	return &Pipeline{
		Geo: g, Store: store, Publisher: publisher, Cfg: cfg, Log: log,
		buf: make(chan storage.LocationSample, cfg.BufferCapacity),
	}
}

// Ingest is the hot path: callers (the location_update handler) call this
// synchronously. The geo index write always happens; the durable/analytics
// path is best-effort and never blocks the caller beyond a non-blocking
// channel send.
func (p *Pipeline) Ingest(tier domain.Tier, driverID string, lat, lng float64) {
	p.Geo.Upsert(tier, driverID, lat, lng)

	sample := storage.LocationSample{DriverID: driverID, Tier: tier, Lat: lat, Lng: lng, ObservedAt: time.Now().UnixNano()}
	select {
	case p.buf <- sample:
	default:
		observability.LocationBufferDroppedTotal.Inc()
		p.Log.Warn("location ingest buffer full, dropping sample", "driver_id", driverID)
	}
}

// Run drains the buffer into storage in batches of FlushBatch or every
// FlushInterval, whichever comes first, until ctx is cancelled. It is
// meant to run as a single supervised goroutine for the process lifetime.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]storage.LocationSample, 0, p.Cfg.FlushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flushBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case s := <-p.buf:
			batch = append(batch, s)
			if len(batch) >= p.Cfg.FlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch retries a failed write once, whatever the error, then drops
// the batch: the geo
// index is already authoritative for matching, so a dropped durable write
// only costs staleness in the "last known location" column, not
// correctness.
func (p *Pipeline) flushBatch(ctx context.Context, batch []storage.LocationSample) {
	toWrite := make([]storage.LocationSample, len(batch))
	copy(toWrite, batch)

	err := p.Store.UpsertDriverLocations(ctx, toWrite)
	if err != nil {
		p.Log.Warn("location flush failed, retrying once", "count", len(toWrite), "error", err)
		err = p.Store.UpsertDriverLocations(ctx, toWrite)
	}
	if err != nil {
		p.Log.Error("location flush dropped after retry", "count", len(toWrite), "error", err)
		return
	}

	if p.Publisher != nil {
		if err := p.Publisher.PublishBatch(ctx, toWrite); err != nil {
			p.Log.Warn("location analytics publish failed", "count", len(toWrite), "error", err)
		}
	}
}
