// Package storage is the durable, transactional state store from spec
// §4.1: persisted entities with row-level locking and conditional updates.
// Store is implemented by PostgresStore for production and MemoryStore for
// tests that don't need a live database.
package storage

import (
	"context"
	"errors"

	"github.com/ridecore/matching/internal/domain"
)

// ErrDriverConflict and ErrRideConflict distinguish the two ways
// AssignRideAtomic can fail to commit, per spec §4.1's
// {ok | ride_conflict | driver_conflict} result. The matcher treats them
// differently: a driver_conflict means try the next candidate; a
// ride_conflict means abort the whole matching attempt (the ride is gone).
var (
	ErrDriverConflict = errors.New("driver_conflict")
	ErrRideConflict   = errors.New("ride_conflict")
)

// PSPOutcome is the terminal result of a PSP capture: ok or declined. A PSP
// failure is not an outcome; payments.Client.Capture returns it as an error.
type PSPOutcome string

const (
	PSPOk       PSPOutcome = "ok"
	PSPDeclined PSPOutcome = "declined"
)

// CreateRideParams are the inputs to CreateRide.
type CreateRideParams struct {
	RiderID        string
	Pickup         domain.Coord
	Dest           domain.Coord
	Tier           domain.Tier
	PaymentMethod  string
	EstimatedFare  float64
	Surge          float64
	IdempotencyKey string
}

// LocationSample is one driver location observation, as flushed by the
// location-ingest background worker.
type LocationSample struct {
	DriverID   string
	Tier       domain.Tier
	Lat, Lng   float64
	ObservedAt int64 // unix nanos, to keep the store package time-source-free
}

// Store is the full operation set from spec §4.1.
type Store interface {
	RegisterDriver(ctx context.Context, name, phone string, tier domain.Tier) (driverID string, err error)
	SetDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error
	GetDriver(ctx context.Context, driverID string) (*domain.Driver, error)

	CreateRide(ctx context.Context, p CreateRideParams) (rideID string, err error)
	GetRide(ctx context.Context, rideID string) (*domain.Ride, error)
	CancelRide(ctx context.Context, rideID string, reason domain.CancelReason) error

	// AssignRideAtomic opens one transaction, takes a skip-locked exclusive
	// lock on the driver row and an exclusive lock on the ride row,
	// re-verifies ride.status==REQUESTED and driver.status==available, and
	// on success commits ride->MATCHED, driver->on_trip, and a new active
	// trip, all atomically. Returns ErrDriverConflict or ErrRideConflict on
	// failure.
	AssignRideAtomic(ctx context.Context, rideID, driverID string) (tripID string, err error)
	StartTrip(ctx context.Context, rideID string) error
	AcceptRide(ctx context.Context, driverID, rideID string) error

	EndTrip(ctx context.Context, tripID string, finalLat, finalLng, distanceKm, finalFare float64) (paymentID string, err error)
	FinalizePayment(ctx context.Context, paymentID string, outcome PSPOutcome, method, pspRef string) error
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	GetPaymentByTripID(ctx context.Context, tripID string) (*domain.Payment, error)
	GetTrip(ctx context.Context, tripID string) (*domain.Trip, error)

	UpsertDriverLocations(ctx context.Context, samples []LocationSample) error
}
