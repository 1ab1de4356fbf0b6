package matcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ridecore/matching/internal/apperr"
	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/observability"
)

// Queue is the named, supervised worker pool matching runs behind, per
// spec §9's redesign: create_ride enqueues a ride and returns immediately;
// a bounded number of worker goroutines drain the queue and run one match
// attempt at a time each, the same buffered-channel-plus-Run(ctx) shape as
// ingest.Pipeline. Queue holds no per-ride state beyond the channel itself.
type Queue struct {
	Service *Service
	Cfg     config.MatchConfig
	Log     *slog.Logger

	ch chan *domain.Ride
}

func NewQueue(svc *Service, cfg config.MatchConfig, log *slog.Logger) *Queue {
	return &Queue{
		Service: svc,
		Cfg:     cfg,
		Log:     log,
		ch:      make(chan *domain.Ride, cfg.QueueCapacity),
	}
}

// Enqueue hands a ride to a worker. Unlike ingest.Pipeline.Ingest's
// drop-on-full buffer, a dropped ride here would never be matched at all,
// so Enqueue blocks on ctx instead of discarding: a full queue surfaces to
// the caller as a retryable error rather than a ride silently stranded in
// REQUESTED. ctx is normally the create_ride request's own context, so a
// slow queue shows up as request latency/timeout, not silent data loss.
func (q *Queue) Enqueue(ctx context.Context, ride *domain.Ride) error {
	select {
	case q.ch <- ride:
		return nil
	case <-ctx.Done():
		observability.MatchQueueDroppedTotal.Inc()
		return apperr.Wrap(apperr.DependencyUnavailable, "match dispatch queue full", ctx.Err())
	}
}

// Run starts Cfg.Workers supervised goroutines draining the queue until
// ctx is cancelled, then waits for any in-flight match attempt each worker
// is running to finish before returning. It is meant to run as a single
// call from cmd/server for the process lifetime, the same as
// ingest.Pipeline.Run.
func (q *Queue) Run(ctx context.Context) {
	workers := q.Cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ride := <-q.ch:
			q.run(ctx, ride)
		}
	}
}

// run bounds one match attempt by Cfg.Budget plus a grace margin for the
// final CancelRide/notify calls, detached from ctx's own cancellation so a
// shutdown signal doesn't cut an attempt off mid-commit; Queue.Run still
// waits for it to return before the process exits.
func (q *Queue) run(ctx context.Context, ride *domain.Ride) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.Cfg.Budget+5*time.Second)
	defer cancel()
	if _, err := q.Service.Match(attemptCtx, ride); err != nil {
		q.Log.Info("match attempt finished without a driver", "ride_id", ride.ID, "error", err)
	}
}
