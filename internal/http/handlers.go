// Package httpapi is the external request surface from spec §6, routed
// with gorilla/mux and bound through internal/pipeline stages rather than
// inline validation/auth/idempotency logic in each handler.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ridecore/matching/internal/apperr"
	"github.com/ridecore/matching/internal/authn"
	"github.com/ridecore/matching/internal/dispatch"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/fare"
	"github.com/ridecore/matching/internal/idempotency"
	"github.com/ridecore/matching/internal/ingest"
	"github.com/ridecore/matching/internal/matcher"
	"github.com/ridecore/matching/internal/observability"
	"github.com/ridecore/matching/internal/payments"
	"github.com/ridecore/matching/internal/pipeline"
	"github.com/ridecore/matching/internal/pricing"
	"github.com/ridecore/matching/internal/ridecache"
	"github.com/ridecore/matching/internal/storage"
	cfgpkg "github.com/ridecore/matching/internal/config"
)

// Server wires every dependency the eight operations need and exposes them
// behind one mux.Router.
type Server struct {
	Store      storage.Store
	Ingest     *ingest.Pipeline
	MatchQueue *matcher.Queue
	Pricing    *pricing.Service
	Idemp      *idempotency.Cache
	Cache      *ridecache.Cache
	Auth       authn.Authenticator
	PSP        payments.Client
	WSReg      *dispatch.WSRegistry
	Cfg        cfgpkg.ServerConfig
	logger     *slog.Logger

	mux *mux.Router
}

func NewServer(store storage.Store, ing *ingest.Pipeline, q *matcher.Queue, pr *pricing.Service,
	idemp *idempotency.Cache, cache *ridecache.Cache, auth authn.Authenticator, psp payments.Client,
	wsreg *dispatch.WSRegistry, cfg cfgpkg.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		Store: store, Ingest: ing, MatchQueue: q, Pricing: pr, Idemp: idemp, Cache: cache,
		Auth: auth, PSP: psp, WSReg: wsreg, Cfg: cfg, logger: logger, mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	// register_driver is the one operation spec §6 marks auth=no: there is
	// no subject to authenticate yet.
	s.mux.HandleFunc("/v1/drivers", s.wrap(s.registerDriver, s.validateStage(decodeRegisterDriver))).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/drivers/{driver_id}/status", s.wrap(s.setDriverStatus, s.authStage(), s.validateStage(decodeSetDriverStatus))).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/drivers/{driver_id}/location", s.wrap(s.locationUpdate, s.authStage(), s.validateStage(decodeLocationUpdate))).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/rides", s.wrap(s.createRide, s.authStage(), s.idempotencyStage("create_ride"), s.validateStage(decodeCreateRide))).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/rides/{ride_id}", s.wrap(s.getRide, s.authStage())).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/rides/{ride_id}/accept", s.wrap(s.acceptRide, s.authStage(), s.validateStage(decodeAcceptRide))).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/trips/{trip_id}/end", s.wrap(s.endTrip, s.authStage(), s.validateStage(decodeEndTrip))).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/payments/capture", s.wrap(s.capturePayment, s.authStage(), s.idempotencyStage("capture_payment"), s.validateStage(decodeCapturePayment))).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

// wrap builds one pipeline.Chain per route and adapts it to http.HandlerFunc.
func (s *Server) wrap(handler func(*pipeline.Context) (*pipeline.Response, error), stages ...pipeline.Stage) http.HandlerFunc {
	chain := pipeline.Chain(handler, stages...)
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		pc := &pipeline.Context{Req: r, Body: body}

		resp, err := chain(pc)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := pipeline.StatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(status int, v any) (*pipeline.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode response", err)
	}
	return &pipeline.Response{StatusCode: status, Body: b}, nil
}

// --- register_driver ---

type registerDriverReq struct {
	Name  string      `json:"name"`
	Phone string      `json:"phone"`
	Tier  domain.Tier `json:"tier"`
}

func decodeRegisterDriver(body []byte) (any, error) {
	var req registerDriverReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "malformed body", err)
	}
	if req.Name == "" || req.Phone == "" {
		return nil, apperr.New(apperr.Validation, "name and phone are required")
	}
	if !req.Tier.Valid() {
		return nil, apperr.New(apperr.Validation, "invalid tier")
	}
	return req, nil
}

func (s *Server) registerDriver(pc *pipeline.Context) (*pipeline.Response, error) {
	req := pc.Req.Context().Value(validatedKey).(registerDriverReq)
	id, err := s.Store.RegisterDriver(pc.Req.Context(), req.Name, req.Phone, req.Tier)
	if err != nil {
		return nil, err
	}
	return writeJSON(http.StatusCreated, map[string]string{"driver_id": id})
}

// --- set_driver_status ---

type setDriverStatusReq struct {
	DriverID  string             `json:"driver_id"`
	NewStatus domain.DriverStatus `json:"new_status"`
}

func decodeSetDriverStatus(body []byte) (any, error) {
	var req setDriverStatusReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "malformed body", err)
	}
	switch req.NewStatus {
	case domain.DriverOffline, domain.DriverAvailable, domain.DriverUnavailable:
	default:
		return nil, apperr.New(apperr.Validation, "invalid driver status")
	}
	return req, nil
}

func (s *Server) setDriverStatus(pc *pipeline.Context) (*pipeline.Response, error) {
	req := pc.Req.Context().Value(validatedKey).(setDriverStatusReq)
	driverID := mux.Vars(pc.Req)["driver_id"]
	ctx := pc.Req.Context()

	before, err := s.Store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if err := s.Store.SetDriverStatus(ctx, driverID, req.NewStatus); err != nil {
		return nil, err
	}
	switch {
	case before.Status != domain.DriverAvailable && req.NewStatus == domain.DriverAvailable:
		observability.DriversOnline.Inc()
	case before.Status == domain.DriverAvailable && req.NewStatus != domain.DriverAvailable:
		observability.DriversOnline.Dec()
	}
	if req.NewStatus == domain.DriverOffline {
		s.Ingest.Geo.Remove(before.Tier, driverID)
	}
	return writeJSON(http.StatusOK, map[string]string{"status": "ok"})
}

// --- location_update ---

type locationUpdateReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func decodeLocationUpdate(body []byte) (any, error) {
	var req locationUpdateReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "malformed body", err)
	}
	return req, nil
}

func (s *Server) locationUpdate(pc *pipeline.Context) (*pipeline.Response, error) {
	req := pc.Req.Context().Value(validatedKey).(locationUpdateReq)
	driverID := mux.Vars(pc.Req)["driver_id"]

	driver, err := s.Store.GetDriver(pc.Req.Context(), driverID)
	if err != nil {
		return nil, err
	}
	s.Ingest.Ingest(driver.Tier, driverID, req.Lat, req.Lng)
	return writeJSON(http.StatusAccepted, map[string]string{"ack": "ok"})
}

// --- create_ride ---

type createRideReq struct {
	Pickup        domain.Coord  `json:"pickup"`
	Dest          domain.Coord  `json:"dest"`
	Tier          domain.Tier   `json:"tier"`
	PaymentMethod string        `json:"payment_method"`
	ClientKey     string        `json:"client_key"`
}

func decodeCreateRide(body []byte) (any, error) {
	var req createRideReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "malformed body", err)
	}
	if !req.Tier.Valid() {
		return nil, apperr.New(apperr.Validation, "invalid tier")
	}
	if req.PaymentMethod == "" {
		return nil, apperr.New(apperr.Validation, "payment_method is required")
	}
	if req.ClientKey == "" {
		return nil, apperr.New(apperr.Validation, "client_key is required")
	}
	return req, nil
}

func (s *Server) createRide(pc *pipeline.Context) (*pipeline.Response, error) {
	ctx := pc.Req.Context()
	req := ctx.Value(validatedKey).(createRideReq)

	surge := 1.0
	if s.Pricing != nil {
		computed, err := s.Pricing.ComputeForRide(ctx, req.Pickup, req.Tier)
		if err != nil {
			s.logger.Warn("surge compute failed, defaulting to 1.0", "error", err)
		} else {
			surge = computed
		}
	}
	distanceKm := fare.DistanceKm(req.Pickup, req.Dest)
	estimatedFare := fare.Compute(s.Cfg.Fares, req.Tier, distanceKm, surge)

	rideID, err := s.Store.CreateRide(ctx, storage.CreateRideParams{
		RiderID:        pc.SubjectID,
		Pickup:         req.Pickup,
		Dest:           req.Dest,
		Tier:           req.Tier,
		PaymentMethod:  req.PaymentMethod,
		EstimatedFare:  estimatedFare,
		Surge:          surge,
		IdempotencyKey: req.ClientKey,
	})
	if err != nil {
		return nil, err
	}

	if s.Pricing != nil {
		cell := pricing.Cell(req.Pickup, s.Cfg.Surge.CellGeohashLength)
		if err := s.Pricing.IncrementDemand(ctx, cell); err != nil {
			s.logger.Warn("surge demand increment failed", "cell", cell, "error", err)
		}
	}

	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	// The matching attempt runs asynchronously from create_ride so the
	// caller gets ride_id immediately; it's handed to the supervised
	// dispatch queue (internal/matcher.Queue) rather than spawned as a raw
	// goroutine, so it has a bounded worker pool and a lifetime tied to the
	// process's shutdown sequence instead of create_ride's own.
	if err := s.MatchQueue.Enqueue(ctx, ride); err != nil {
		return nil, err
	}

	return writeJSON(http.StatusCreated, map[string]any{
		"ride_id":        rideID,
		"estimated_fare": estimatedFare,
		"surge":          surge,
	})
}

// --- get_ride ---

func (s *Server) getRide(pc *pipeline.Context) (*pipeline.Response, error) {
	rideID := mux.Vars(pc.Req)["ride_id"]
	ride, err := s.Cache.Get(pc.Req.Context(), rideID, s.Store.GetRide)
	if err != nil {
		return nil, err
	}
	return writeJSON(http.StatusOK, ride)
}

// --- accept_ride ---

type acceptRideReq struct {
	DriverID string `json:"driver_id"`
}

func decodeAcceptRide(body []byte) (any, error) {
	var req acceptRideReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "malformed body", err)
	}
	if req.DriverID == "" {
		return nil, apperr.New(apperr.Validation, "driver_id is required")
	}
	return req, nil
}

func (s *Server) acceptRide(pc *pipeline.Context) (*pipeline.Response, error) {
	req := pc.Req.Context().Value(validatedKey).(acceptRideReq)
	rideID := mux.Vars(pc.Req)["ride_id"]
	if err := s.Store.AcceptRide(pc.Req.Context(), req.DriverID, rideID); err != nil {
		return nil, err
	}
	if err := s.Cache.Invalidate(pc.Req.Context(), rideID); err != nil {
		s.logger.Warn("ride cache invalidate failed", "ride_id", rideID, "error", err)
	}
	return writeJSON(http.StatusOK, map[string]string{"status": "ok"})
}

// --- end_trip ---

type endTripReq struct {
	FinalLat float64 `json:"final_lat"`
	FinalLng float64 `json:"final_lng"`
}

func decodeEndTrip(body []byte) (any, error) {
	var req endTripReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "malformed body", err)
	}
	return req, nil
}

func (s *Server) endTrip(pc *pipeline.Context) (*pipeline.Response, error) {
	ctx := pc.Req.Context()
	req := ctx.Value(validatedKey).(endTripReq)
	tripID := mux.Vars(pc.Req)["trip_id"]

	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	ride, err := s.Store.GetRide(ctx, trip.RideID)
	if err != nil {
		return nil, err
	}

	distanceKm := fare.DistanceKm(ride.Pickup, domain.Coord{Lat: req.FinalLat, Lng: req.FinalLng})
	finalFare := fare.Compute(s.Cfg.Fares, ride.Tier, distanceKm, ride.SurgeMultiplierAtRequest)

	paymentID, err := s.Store.EndTrip(ctx, tripID, req.FinalLat, req.FinalLng, distanceKm, finalFare)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.Invalidate(ctx, trip.RideID); err != nil {
		s.logger.Warn("ride cache invalidate failed", "ride_id", trip.RideID, "error", err)
	}

	return writeJSON(http.StatusOK, map[string]any{
		"trip_id":    tripID,
		"payment_id": paymentID,
		"distance":   distanceKm,
		"final_fare": finalFare,
	})
}

// --- capture_payment ---

type capturePaymentReq struct {
	TripID    string  `json:"trip_id"`
	Method    string  `json:"method"`
	Amount    float64 `json:"amount"`
	ClientKey string  `json:"client_key"`
}

func decodeCapturePayment(body []byte) (any, error) {
	var req capturePaymentReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "malformed body", err)
	}
	if req.TripID == "" || req.Method == "" || req.ClientKey == "" {
		return nil, apperr.New(apperr.Validation, "trip_id, method, and client_key are required")
	}
	return req, nil
}

func (s *Server) capturePayment(pc *pipeline.Context) (*pipeline.Response, error) {
	ctx := pc.Req.Context()
	req := ctx.Value(validatedKey).(capturePaymentReq)

	trip, err := s.Store.GetTrip(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	if trip.FinalFare == nil {
		return nil, apperr.New(apperr.Conflict, "trip has not ended")
	}
	// Fare-tampering guard: the amount the caller claims must match the
	// server-computed fare within a cent.
	if abs(req.Amount-*trip.FinalFare) > 0.01 {
		return nil, apperr.New(apperr.Conflict, "amount does not match the server-computed fare")
	}

	payment, err := s.Store.GetPaymentByTripID(ctx, req.TripID)
	if err != nil {
		return nil, err
	}

	outcome, ref, err := s.PSP.Capture(ctx, req.Amount, req.Method, req.ClientKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, "psp capture failed", err)
	}
	if err := s.Store.FinalizePayment(ctx, payment.ID, outcome, req.Method, ref); err != nil {
		return nil, err
	}
	if err := s.Cache.Invalidate(ctx, trip.RideID); err != nil {
		s.logger.Warn("ride cache invalidate failed", "ride_id", trip.RideID, "error", err)
	}

	status := domain.PaymentSuccess
	if outcome != storage.PSPOk {
		status = domain.PaymentFailed
	}
	return writeJSON(http.StatusOK, map[string]string{"payment_id": payment.ID, "status": string(status)})
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// --- websocket driver channel ---

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(driverID, conn)
}
