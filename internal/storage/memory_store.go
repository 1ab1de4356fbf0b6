package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ridecore/matching/internal/apperr"
	"github.com/ridecore/matching/internal/domain"
)

// MemoryStore is an in-process Store used by tests and single-process demos.
// It still honors the same {ok|ride_conflict|driver_conflict} contract as
// PostgresStore, guarded by a single mutex rather than row locks — adequate
// because it is never shared across processes.
type MemoryStore struct {
	mu       sync.Mutex
	drivers  map[string]*domain.Driver
	rides    map[string]*domain.Ride
	trips    map[string]*domain.Trip
	payments map[string]*domain.Payment
	// tripByRide indexes the unique trip per ride.
	tripByRide map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:    make(map[string]*domain.Driver),
		rides:      make(map[string]*domain.Ride),
		trips:      make(map[string]*domain.Trip),
		payments:   make(map[string]*domain.Payment),
		tripByRide: make(map[string]string),
	}
}

func (m *MemoryStore) RegisterDriver(ctx context.Context, name, phone string, tier domain.Tier) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if d.Phone == phone {
			return "", apperr.New(apperr.Conflict, "phone already registered")
		}
	}
	now := time.Now()
	d := &domain.Driver{
		ID:        domain.NewID(),
		Name:      name,
		Phone:     phone,
		Tier:      tier,
		Status:    domain.DriverOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.drivers[d.ID] = d
	return d.ID, nil
}

func (m *MemoryStore) SetDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return apperr.New(apperr.NotFound, "driver not found")
	}
	d.Status = status
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "driver not found")
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) CreateRide(ctx context.Context, p CreateRideParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	r := &domain.Ride{
		ID:                       domain.NewID(),
		RiderID:                  p.RiderID,
		Pickup:                   p.Pickup,
		Dest:                     p.Dest,
		Tier:                     p.Tier,
		PaymentMethod:            p.PaymentMethod,
		Status:                   domain.RideRequested,
		EstimatedFare:            p.EstimatedFare,
		SurgeMultiplierAtRequest: p.Surge,
		IdempotencyKey:           p.IdempotencyKey,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	m.rides[r.ID] = r
	return r.ID, nil
}

func (m *MemoryStore) GetRide(ctx context.Context, rideID string) (*domain.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "ride not found")
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CancelRide(ctx context.Context, rideID string, reason domain.CancelReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return apperr.New(apperr.NotFound, "ride not found")
	}
	if r.Status != domain.RideRequested && r.Status != domain.RideMatched {
		return apperr.New(apperr.Conflict, "ride is not cancellable from its current status")
	}
	r.Status = domain.RideCancelled
	r.CancelReason = reason
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AssignRideAtomic(ctx context.Context, rideID, driverID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ride, ok := m.rides[rideID]
	if !ok || ride.Status != domain.RideRequested {
		return "", ErrRideConflict
	}
	driver, ok := m.drivers[driverID]
	if !ok || driver.Status != domain.DriverAvailable {
		return "", ErrDriverConflict
	}

	now := time.Now()
	driver.Status = domain.DriverOnTrip
	driver.UpdatedAt = now

	did := driverID
	ride.Status = domain.RideMatched
	ride.AssignedDriverID = &did
	ride.UpdatedAt = now

	trip := &domain.Trip{
		ID:        domain.NewID(),
		RideID:    rideID,
		DriverID:  driverID,
		StartedAt: now,
		Status:    domain.TripActive,
	}
	m.trips[trip.ID] = trip
	m.tripByRide[rideID] = trip.ID

	return trip.ID, nil
}

func (m *MemoryStore) StartTrip(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[rideID]
	if !ok {
		return apperr.New(apperr.NotFound, "ride not found")
	}
	if ride.Status != domain.RideMatched {
		return apperr.New(apperr.Conflict, "ride is not in MATCHED status")
	}
	ride.Status = domain.RideStarted
	ride.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AcceptRide(ctx context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tripID, ok := m.tripByRide[rideID]
	if !ok {
		return apperr.New(apperr.NotFound, "trip not found for ride")
	}
	trip := m.trips[tripID]
	if trip.DriverID != driverID {
		return apperr.New(apperr.Conflict, "ride is not assigned to this driver")
	}
	now := time.Now()
	trip.DriverConfirmedAt = &now
	return nil
}

func (m *MemoryStore) EndTrip(ctx context.Context, tripID string, finalLat, finalLng, distanceKm, finalFare float64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trip, ok := m.trips[tripID]
	if !ok {
		return "", apperr.New(apperr.NotFound, "trip not found")
	}
	if trip.Status != domain.TripActive {
		return "", apperr.New(apperr.Conflict, "trip is not active")
	}

	now := time.Now()
	trip.EndedAt = &now
	trip.FinalLat = &finalLat
	trip.FinalLng = &finalLng
	trip.DistanceKm = &distanceKm
	trip.FinalFare = &finalFare
	trip.Status = domain.TripCompleted

	ride, ok := m.rides[trip.RideID]
	if !ok {
		return "", apperr.New(apperr.NotFound, "ride not found for trip")
	}
	ride.Status = domain.RideCompleted
	ride.UpdatedAt = now

	if driver, ok := m.drivers[trip.DriverID]; ok {
		driver.Status = domain.DriverAvailable
		driver.UpdatedAt = now
	}

	payment := &domain.Payment{
		ID:        domain.NewID(),
		TripID:    tripID,
		Amount:    finalFare,
		Status:    domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.payments[payment.ID] = payment

	return payment.ID, nil
}

func (m *MemoryStore) FinalizePayment(ctx context.Context, paymentID string, outcome PSPOutcome, method, pspRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return apperr.New(apperr.NotFound, "payment not found")
	}

	want := domain.PaymentSuccess
	if outcome != PSPOk {
		want = domain.PaymentFailed
	}

	if p.Status != domain.PaymentPending {
		if p.Status == want {
			return nil // already terminal with the same outcome: no-op
		}
		return apperr.New(apperr.Conflict, "payment already finalized with a different outcome")
	}

	p.Status = want
	p.Method = method
	p.PSPRef = pspRef
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "payment not found")
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByTripID(ctx context.Context, tripID string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TripID == tripID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "payment not found for trip")
}

func (m *MemoryStore) GetTrip(ctx context.Context, tripID string) (*domain.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "trip not found")
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpsertDriverLocations(ctx context.Context, samples []LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		d, ok := m.drivers[s.DriverID]
		if !ok {
			continue
		}
		d.LastLat = s.Lat
		d.LastLng = s.Lng
		d.LastSeenAt = time.Unix(0, s.ObservedAt)
	}
	return nil
}
