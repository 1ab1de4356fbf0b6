package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/ridecore/matching/internal/apperr"
	"github.com/ridecore/matching/internal/domain"
)

//go:embed migrations.sql
var migrationsSQL string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies migrations.sql. Safe to call on every startup.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (p *PostgresStore) RegisterDriver(ctx context.Context, name, phone string, tier domain.Tier) (string, error) {
	id := domain.NewID()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, name, phone, tier, status)
		VALUES ($1, $2, $3, $4, $5)`,
		id, name, phone, tier, domain.DriverOffline)
	if err != nil {
		if isUniqueViolation(err) {
			return "", apperr.New(apperr.Conflict, "phone already registered")
		}
		return "", apperr.Wrap(apperr.Internal, "register driver", err)
	}
	return id, nil
}

func (p *PostgresStore) SetDriverStatus(ctx context.Context, driverID string, status domain.DriverStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE drivers SET status = $1, updated_at = now() WHERE id = $2`, status, driverID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "set driver status", err)
	}
	return requireRowsAffected(res, "driver not found")
}

func (p *PostgresStore) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	d := &domain.Driver{}
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, phone, tier, status, last_lat, last_lng,
		       COALESCE(last_seen_at, created_at), created_at, updated_at
		FROM drivers WHERE id = $1`, driverID)
	if err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Tier, &d.Status, &d.LastLat, &d.LastLng,
		&d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "driver not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get driver", err)
	}
	return d, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, params CreateRideParams) (string, error) {
	id := domain.NewID()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng, tier,
		                    payment_method, status, estimated_fare, surge_multiplier_at_request,
		                    idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		id, params.RiderID, params.Pickup.Lat, params.Pickup.Lng, params.Dest.Lat, params.Dest.Lng,
		params.Tier, params.PaymentMethod, domain.RideRequested, params.EstimatedFare, params.Surge,
		nullableString(params.IdempotencyKey))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "create ride", err)
	}
	return id, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, rideID string) (*domain.Ride, error) {
	r := &domain.Ride{}
	var assignedDriverID sql.NullString
	var idempotencyKey sql.NullString
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, pickup_lat, pickup_lng, dest_lat, dest_lng, tier, payment_method,
		       status, cancel_reason, assigned_driver_id, estimated_fare,
		       surge_multiplier_at_request, idempotency_key, created_at, updated_at
		FROM rides WHERE id = $1`, rideID)
	if err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dest.Lat, &r.Dest.Lng,
		&r.Tier, &r.PaymentMethod, &r.Status, &r.CancelReason, &assignedDriverID, &r.EstimatedFare,
		&r.SurgeMultiplierAtRequest, &idempotencyKey, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "ride not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get ride", err)
	}
	if assignedDriverID.Valid {
		r.AssignedDriverID = &assignedDriverID.String
	}
	if idempotencyKey.Valid {
		r.IdempotencyKey = idempotencyKey.String
	}
	return r, nil
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID string, reason domain.CancelReason) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status = $1, cancel_reason = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)`,
		domain.RideCancelled, reason, rideID, domain.RideRequested, domain.RideMatched)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "cancel ride", err)
	}
	return requireRowsAffected(res, "ride not found or not cancellable")
}

// AssignRideAtomic is the transactional heart of the matcher's commit step.
// It takes an exclusive, skip-locked lock on the driver row (so a concurrent
// attempt on the same driver fails fast with ErrDriverConflict instead of
// queueing behind this one) and a plain exclusive lock on the ride row (blocking here is
// fine: only one matcher attempt should ever be racing a given ride, and if
// two are, the loser should wait rather than spin), re-validates both rows
// under the lock, and commits ride->MATCHED, driver->on_trip, and a new
// trip row together.
func (p *PostgresStore) AssignRideAtomic(ctx context.Context, rideID, driverID string) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "begin assign tx", err)
	}
	defer tx.Rollback()

	var driverStatus domain.DriverStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM drivers WHERE id = $1 FOR UPDATE SKIP LOCKED`, driverID).Scan(&driverStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDriverConflict
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "lock driver row", err)
	}
	if driverStatus != domain.DriverAvailable {
		return "", ErrDriverConflict
	}

	var rideStatus domain.RideStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM rides WHERE id = $1 FOR UPDATE`, rideID).Scan(&rideStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRideConflict
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "lock ride row", err)
	}
	if rideStatus != domain.RideRequested {
		return "", ErrRideConflict
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE drivers SET status = $1, updated_at = now() WHERE id = $2`,
		domain.DriverOnTrip, driverID); err != nil {
		return "", apperr.Wrap(apperr.Internal, "mark driver on_trip", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = $1, assigned_driver_id = $2, updated_at = now() WHERE id = $3`,
		domain.RideMatched, driverID, rideID); err != nil {
		return "", apperr.Wrap(apperr.Internal, "mark ride matched", err)
	}

	tripID := domain.NewID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trips (id, ride_id, driver_id, started_at, status)
		VALUES ($1, $2, $3, now(), $4)`,
		tripID, rideID, driverID, domain.TripActive); err != nil {
		return "", apperr.Wrap(apperr.Internal, "insert trip", err)
	}

	if err := tx.Commit(); err != nil {
		return "", apperr.Wrap(apperr.Internal, "commit assign tx", err)
	}
	return tripID, nil
}

func (p *PostgresStore) StartTrip(ctx context.Context, rideID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		domain.RideStarted, rideID, domain.RideMatched)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "start trip", err)
	}
	return requireRowsAffected(res, "ride is not in MATCHED status")
}

func (p *PostgresStore) AcceptRide(ctx context.Context, driverID, rideID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE trips SET driver_confirmed_at = now()
		WHERE ride_id = $1 AND driver_id = $2`, rideID, driverID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "accept ride", err)
	}
	return requireRowsAffected(res, "ride is not assigned to this driver")
}

func (p *PostgresStore) EndTrip(ctx context.Context, tripID string, finalLat, finalLng, distanceKm, finalFare float64) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "begin end-trip tx", err)
	}
	defer tx.Rollback()

	var rideID, driverID string
	var tripStatus domain.TripStatus
	err = tx.QueryRowContext(ctx, `
		SELECT ride_id, driver_id, status FROM trips WHERE id = $1 FOR UPDATE`, tripID).
		Scan(&rideID, &driverID, &tripStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.New(apperr.NotFound, "trip not found")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "lock trip row", err)
	}
	if tripStatus != domain.TripActive {
		return "", apperr.New(apperr.Conflict, "trip is not active")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trips SET ended_at = now(), final_lat = $1, final_lng = $2,
		       distance_km = $3, final_fare = $4, status = $5
		WHERE id = $6`,
		finalLat, finalLng, distanceKm, finalFare, domain.TripCompleted, tripID); err != nil {
		return "", apperr.Wrap(apperr.Internal, "complete trip", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = $1, updated_at = now() WHERE id = $2`,
		domain.RideCompleted, rideID); err != nil {
		return "", apperr.Wrap(apperr.Internal, "complete ride", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE drivers SET status = $1, updated_at = now() WHERE id = $2`,
		domain.DriverAvailable, driverID); err != nil {
		return "", apperr.Wrap(apperr.Internal, "free driver", err)
	}

	paymentID := domain.NewID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payments (id, trip_id, amount, status)
		VALUES ($1, $2, $3, $4)`,
		paymentID, tripID, finalFare, domain.PaymentPending); err != nil {
		return "", apperr.Wrap(apperr.Internal, "create payment", err)
	}

	if err := tx.Commit(); err != nil {
		return "", apperr.Wrap(apperr.Internal, "commit end-trip tx", err)
	}
	return paymentID, nil
}

// FinalizePayment is a conditional update, not a transaction: both terminal
// states are final and the WHERE clause makes the transition idempotent
// under concurrent webhook/poll races without needing a row lock.
func (p *PostgresStore) FinalizePayment(ctx context.Context, paymentID string, outcome PSPOutcome, method, pspRef string) error {
	want := domain.PaymentSuccess
	if outcome != PSPOk {
		want = domain.PaymentFailed
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, method = $2, psp_ref = $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		want, method, pspRef, paymentID, domain.PaymentPending)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "finalize payment", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var existing domain.PaymentStatus
	if err := p.db.QueryRowContext(ctx, `SELECT status FROM payments WHERE id = $1`, paymentID).
		Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.NotFound, "payment not found")
		}
		return apperr.Wrap(apperr.Internal, "finalize payment", err)
	}
	if existing == want {
		return nil
	}
	return apperr.New(apperr.Conflict, "payment already finalized with a different outcome")
}

func (p *PostgresStore) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	pay := &domain.Payment{}
	var pspRef, idemKey sql.NullString
	row := p.db.QueryRowContext(ctx, `
		SELECT id, trip_id, amount, method, status, psp_ref, idempotency_key, created_at, updated_at
		FROM payments WHERE id = $1`, paymentID)
	if err := row.Scan(&pay.ID, &pay.TripID, &pay.Amount, &pay.Method, &pay.Status, &pspRef,
		&idemKey, &pay.CreatedAt, &pay.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "payment not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get payment", err)
	}
	pay.PSPRef = pspRef.String
	pay.IdempotencyKey = idemKey.String
	return pay, nil
}

func (p *PostgresStore) GetPaymentByTripID(ctx context.Context, tripID string) (*domain.Payment, error) {
	pay := &domain.Payment{}
	var pspRef, idemKey sql.NullString
	row := p.db.QueryRowContext(ctx, `
		SELECT id, trip_id, amount, method, status, psp_ref, idempotency_key, created_at, updated_at
		FROM payments WHERE trip_id = $1`, tripID)
	if err := row.Scan(&pay.ID, &pay.TripID, &pay.Amount, &pay.Method, &pay.Status, &pspRef,
		&idemKey, &pay.CreatedAt, &pay.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "payment not found for trip")
		}
		return nil, apperr.Wrap(apperr.Internal, "get payment by trip", err)
	}
	pay.PSPRef = pspRef.String
	pay.IdempotencyKey = idemKey.String
	return pay, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, tripID string) (*domain.Trip, error) {
	t := &domain.Trip{}
	row := p.db.QueryRowContext(ctx, `
		SELECT id, ride_id, driver_id, started_at, ended_at, final_lat, final_lng,
		       distance_km, final_fare, status, driver_confirmed_at
		FROM trips WHERE id = $1`, tripID)
	if err := row.Scan(&t.ID, &t.RideID, &t.DriverID, &t.StartedAt, &t.EndedAt, &t.FinalLat,
		&t.FinalLng, &t.DistanceKm, &t.FinalFare, &t.Status, &t.DriverConfirmedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "trip not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get trip", err)
	}
	return t, nil
}

// UpsertDriverLocations is the batch-flush target for the location-ingest
// background worker: one UPDATE ... FROM unnest(...) statement per flush,
// not one round trip per sample. The four per-sample columns travel as
// parallel Postgres arrays (pq.Array) rather than a hand-built VALUES list.
func (p *PostgresStore) UpsertDriverLocations(ctx context.Context, samples []LocationSample) error {
	if len(samples) == 0 {
		return nil
	}

	driverIDs := make([]string, len(samples))
	lats := make([]float64, len(samples))
	lngs := make([]float64, len(samples))
	seenAts := make([]time.Time, len(samples))
	for i, s := range samples {
		driverIDs[i] = s.DriverID
		lats[i] = s.Lat
		lngs[i] = s.Lng
		seenAts[i] = unixNanosToTime(s.ObservedAt)
	}

	_, err := p.db.ExecContext(ctx, `
		UPDATE drivers AS d SET
			last_lat = v.lat, last_lng = v.lng, last_seen_at = v.seen_at, updated_at = now()
		FROM unnest($1::uuid[], $2::float8[], $3::float8[], $4::timestamptz[])
			AS v(driver_id, lat, lng, seen_at)
		WHERE d.id = v.driver_id`,
		pq.Array(driverIDs), pq.Array(lats), pq.Array(lngs), pq.Array(seenAts))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "flush location batch", err)
	}
	return nil
}

func requireRowsAffected(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Internal, "rows affected", err)
	}
	if n == 0 {
		return apperr.New(apperr.Conflict, notFoundMsg)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixNanosToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}
