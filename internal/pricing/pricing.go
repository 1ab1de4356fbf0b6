// Package pricing derives the surge signal from rolling supply/demand
// counters, per spatial cell (a geohash prefix). The multiplier is computed
// on demand at ride creation, never materialized.
package pricing

import (
	"context"
	"fmt"

	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/geo"
	"github.com/ridecore/matching/internal/observability"
	"github.com/redis/go-redis/v9"
)

// Cell derives the geohash-prefix cell a coordinate falls into.
func Cell(coord domain.Coord, geohashLength int) string {
	return encodeGeohash(coord.Lat, coord.Lng, geohashLength)
}

// Clamp bounds a surge multiplier to [1.0, max].
func clamp(v, max float64) float64 {
	if v < 1.0 {
		return 1.0
	}
	if v > max {
		return max
	}
	return v
}

// Multiplier implements spec §4.5:
//   ratio = demand / max(supply, 1)
//   multiplier = clamp(1 + 0.5*max(0, ratio-1), 1.0, max)
func Multiplier(demand, supply int, max float64) float64 {
	denom := supply
	if denom < 1 {
		denom = 1
	}
	ratio := float64(demand) / float64(denom)
	excess := ratio - 1.0
	if excess < 0 {
		excess = 0
	}
	return clamp(1.0+0.5*excess, max)
}

// Service wraps the Redis rolling counters used to compute surge.
type Service struct {
	client *redis.Client
	geo    geo.Index
	cfg    config.SurgeConfig
}

func NewService(client *redis.Client, geoIndex geo.Index, cfg config.SurgeConfig) *Service {
	return &Service{client: client, geo: geoIndex, cfg: cfg}
}

func demandKey(cell string) string { return fmt.Sprintf("surge:demand:%s", cell) }

func supplyKey(tier domain.Tier, cell string) string { return fmt.Sprintf("surge:supply:%s:%s", tier, cell) }

// RefreshSupply records that driverID (of tier tier) was just observed in
// cell, per spec §4.5's per-cell supply signal: a set of driver ids per
// (tier, cell) with a rolling expiry, so SupplyForCell can count distinct
// drivers seen in the window rather than raw observation volume.
// cmd/consumer calls this on every location sample it consumes off the
// driver-locations topic.
func (s *Service) RefreshSupply(ctx context.Context, tier domain.Tier, cell, driverID string) error {
	key := supplyKey(tier, cell)
	if err := s.client.SAdd(ctx, key, driverID).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.cfg.Window).Err()
}

// SupplyForCell returns the distinct-driver count refreshed by
// RefreshSupply for (tier, cell). A zero here most likely means the
// consumer hasn't processed any samples for this cell yet rather than
// "no drivers nearby" — ComputeForRide falls back to the geo index's
// global per-tier count in that case.
func (s *Service) SupplyForCell(ctx context.Context, tier domain.Tier, cell string) (int, error) {
	n, err := s.client.SCard(ctx, supplyKey(tier, cell)).Result()
	return int(n), err
}

// IncrementDemand records a ride request in cell. Called by create_ride.
func (s *Service) IncrementDemand(ctx context.Context, cell string) error {
	key := demandKey(cell)
	if err := s.client.Incr(ctx, key).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.cfg.Window).Err()
}

// Demand returns the rolling demand counter for cell.
func (s *Service) Demand(ctx context.Context, cell string) (int, error) {
	v, err := s.client.Get(ctx, demandKey(cell)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Supply returns the count of currently-available drivers for a tier across
// the whole geo index (not limited to any cell), read from the geo index
// rather than Redis — the geo
// index is already authoritative for "currently broadcasting."
func (s *Service) Supply(tier domain.Tier) int {
	return s.geo.CountAvailable(tier)
}

// ComputeForRide returns the surge multiplier to freeze onto a new ride.
func (s *Service) ComputeForRide(ctx context.Context, pickup domain.Coord, tier domain.Tier) (float64, error) {
	cell := Cell(pickup, s.cfg.CellGeohashLength)
	demand, err := s.Demand(ctx, cell)
	if err != nil {
		return 1.0, err
	}
	supply, err := s.SupplyForCell(ctx, tier, cell)
	if err != nil || supply == 0 {
		supply = s.Supply(tier)
	}
	mult := Multiplier(demand, supply, s.cfg.Max)
	observability.SurgeMultiplierGauge.WithLabelValues(cell).Set(mult)
	return mult, nil
}
