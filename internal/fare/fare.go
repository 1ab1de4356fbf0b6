// Package fare implements the trip & fare engine: distance computation and
// the fare formula from spec §4.4. surge_multiplier_at_request is captured
// once, at ride creation, and frozen for the trip's lifetime — callers pass
// it in rather than this package recomputing it.
package fare

import (
	"math"

	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/geo"
)

// DistanceKm returns the great-circle distance between pickup and the
// trip's final location. Implementations that retain location breadcrumbs
// may substitute an accumulated polyline length instead; this package only
// ever sees the two endpoints, so it always computes the straight-line
// haversine distance.
func DistanceKm(pickup, final domain.Coord) float64 {
	return geo.Haversine(pickup.Lat, pickup.Lng, final.Lat, final.Lng)
}

// Compute returns the final fare for a completed trip:
//   round2(base_fare[tier] + distance_km * per_km_rate[tier] * surge)
func Compute(cfg config.FareConfig, tier domain.Tier, distanceKm, surgeMultiplier float64) float64 {
	base := cfg.BaseFare[tier]
	rate := cfg.PerKmRate[tier]
	return round2(base + distanceKm*rate*surgeMultiplier)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
