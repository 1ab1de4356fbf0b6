// Package dispatch pushes a "you've been matched" event to a driver once
// AssignRideAtomic commits. WSRegistry is the primary transport for drivers
// holding a live app-socket connection; FCMDispatcher is the fallback for a
// driver whose socket has dropped.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// MatchEvent is what a driver app receives when it has won a ride.
type MatchEvent struct {
	RideID        string  `json:"ride_id"`
	TripID        string  `json:"trip_id"`
	PickupLat     float64 `json:"pickup_lat"`
	PickupLng     float64 `json:"pickup_lng"`
	DestLat       float64 `json:"dest_lat"`
	DestLng       float64 `json:"dest_lng"`
	EstimatedFare float64 `json:"estimated_fare"`
}

// Notifier is what the matcher depends on to push a match to a driver.
// ErrNoSession means "this driver has no reachable channel right now" — the
// matcher treats that as a soft failure: the ride stays MATCHED and the
// driver finds out on their next poll/reconnect, it is not grounds for
// unwinding the commit.
type Notifier interface {
	Notify(driverID string, event MatchEvent) error
}

type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(event MatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(event)
}

// WSRegistry holds one live websocket per connected driver.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
	log      *slog.Logger
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*wsSession), log: log}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &wsSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) Notify(driverID string, event MatchEvent) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(event); err != nil {
		r.log.Warn("ws send failed", "driver_id", driverID, "error", err)
		r.mu.Lock()
		delete(r.sessions, driverID)
		r.mu.Unlock()
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
