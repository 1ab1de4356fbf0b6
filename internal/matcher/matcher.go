// Package matcher implements the radius-growth driver search from spec
// §4.2: starting at a small radius, repeatedly search, attempt to win each
// candidate under the allocation lock, and grow the radius on exhaustion
// until either a driver is won or the overall budget elapses.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ridecore/matching/internal/apperr"
	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/dispatch"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/geo"
	"github.com/ridecore/matching/internal/lock"
	"github.com/ridecore/matching/internal/observability"
	"github.com/ridecore/matching/internal/ridecache"
	"github.com/ridecore/matching/internal/storage"
)

// Result is what a completed match attempt settles to.
type Result struct {
	TripID     string
	DriverID   string
	DistanceKm float64
}

// ErrExhausted means no driver was won before the radius reached its cap
// and the budget elapsed. Match has already cancelled the ride with reason
// no_driver_found by the time it returns this error.
var ErrExhausted = errors.New("no driver found within match budget")

// Service runs one matching attempt per ride. It holds no per-ride state
// itself; all of that lives in the state store and the allocation lock.
type Service struct {
	Geo      geo.Index
	Locks    lock.Manager
	Store    storage.Store
	Notifier dispatch.Notifier
	Cache    *ridecache.Cache
	Cfg      config.MatchConfig
	Log      *slog.Logger
	// sleep is overridable in tests to avoid real time.Sleep delays.
	sleep func(time.Duration)
}

func NewService(g geo.Index, locks lock.Manager, store storage.Store, notifier dispatch.Notifier,
	cache *ridecache.Cache, cfg config.MatchConfig, log *slog.Logger) *Service {
	return &Service{
		Geo: g, Locks: locks, Store: store, Notifier: notifier, Cache: cache, Cfg: cfg, Log: log,
		sleep: time.Sleep,
	}
}

// Match runs the radius-growth search for ride against the rider's pickup
// point. On success it returns the winning trip/driver; on exhaustion the
// ride is transitioned to CANCELLED with reason no_driver_found and
// ErrExhausted is returned.
func (s *Service) Match(ctx context.Context, ride *domain.Ride) (Result, error) {
	deadline := time.Now().Add(s.Cfg.Budget)
	radius := s.Cfg.InitialRadiusKm
	tried := make(map[string]bool)

	for time.Now().Before(deadline) {
		candidates := s.Geo.SearchByRadius(ride.Tier, ride.Pickup.Lat, ride.Pickup.Lng, radius, s.Cfg.CandidateLimit)

		for _, c := range candidates {
			if tried[c.DriverID] {
				continue
			}
			tried[c.DriverID] = true

			res, err := s.attempt(ctx, ride, c)
			if err == nil {
				observability.MatchesTotal.Inc()
				return res, nil
			}
			if errors.Is(err, storage.ErrRideConflict) {
				// the ride itself moved out from under us: nothing left to do
				return Result{}, err
			}
			// driver_conflict or lock contention: try the next candidate
			s.Log.Debug("candidate unavailable", "driver_id", c.DriverID, "ride_id", ride.ID, "error", err)
		}

		if radius >= s.Cfg.MaxRadiusKm {
			break
		}
		radius *= s.Cfg.Backoff
		if radius > s.Cfg.MaxRadiusKm {
			radius = s.Cfg.MaxRadiusKm
		}
		s.sleep(s.Cfg.RetryDelay)
	}

	observability.MatchExhaustedTotal.Inc()
	if err := s.Store.CancelRide(ctx, ride.ID, domain.CancelNoDriverFound); err != nil {
		s.Log.Error("failed to cancel exhausted ride", "ride_id", ride.ID, "error", err)
	}
	if s.Cache != nil {
		_ = s.Cache.Invalidate(ctx, ride.ID)
	}
	return Result{}, ErrExhausted
}

// attempt tries to win exactly one candidate: acquire its allocation lock,
// commit the atomic assignment, release the lock, invalidate the read
// cache, and push the match notification. A failure at any stage before
// the commit simply returns an error for the caller to move on from; a
// failure after the commit (notify) is logged but not treated as failure
// of the match itself — the ride is won either way.
func (s *Service) attempt(ctx context.Context, ride *domain.Ride, c geo.Candidate) (Result, error) {
	key := lock.DriverKey(c.DriverID)
	ok, err := s.Locks.Acquire(ctx, key, s.Cfg.LockTTL)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.DependencyUnavailable, "acquire allocation lock", err)
	}
	if !ok {
		return Result{}, apperr.New(apperr.LockContention, "driver already claimed")
	}
	defer func() {
		if rerr := s.Locks.Release(ctx, key); rerr != nil {
			s.Log.Warn("failed to release allocation lock", "key", key, "error", rerr)
		}
	}()

	tripID, err := s.Store.AssignRideAtomic(ctx, ride.ID, c.DriverID)
	if err != nil {
		return Result{}, err
	}
	// The driver is on_trip now: take it out of the tier's geo index.
	s.Geo.Remove(ride.Tier, c.DriverID)

	if s.Cache != nil {
		if err := s.Cache.Invalidate(ctx, ride.ID); err != nil {
			s.Log.Warn("failed to invalidate ride cache", "ride_id", ride.ID, "error", err)
		}
	}

	event := dispatch.MatchEvent{
		RideID:        ride.ID,
		TripID:        tripID,
		PickupLat:     ride.Pickup.Lat,
		PickupLng:     ride.Pickup.Lng,
		DestLat:       ride.Dest.Lat,
		DestLng:       ride.Dest.Lng,
		EstimatedFare: ride.EstimatedFare,
	}
	if s.Notifier != nil {
		if err := s.Notifier.Notify(c.DriverID, event); err != nil {
			s.Log.Warn("match notification failed", "driver_id", c.DriverID, "ride_id", ride.ID, "error", err)
		}
	}

	return Result{TripID: tripID, DriverID: c.DriverID, DistanceKm: c.DistanceKm}, nil
}
