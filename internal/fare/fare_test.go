package fare

import (
	"math"
	"testing"

	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/domain"
)

func TestComputeHappyPath(t *testing.T) {
	cfg := config.FareConfig{
		BaseFare:  map[domain.Tier]float64{domain.TierStandard: 50},
		PerKmRate: map[domain.Tier]float64{domain.TierStandard: 12},
	}
	got := Compute(cfg, domain.TierStandard, 294.3, 1.0)
	want := 3581.6
	if math.Abs(got-want) > 0.5 {
		t.Fatalf("got %.2f, want ~%.2f", got, want)
	}
}

func TestComputeWithinOneCent(t *testing.T) {
	cfg := config.FareConfig{
		BaseFare:  map[domain.Tier]float64{domain.TierPremium: 100},
		PerKmRate: map[domain.Tier]float64{domain.TierPremium: 25},
	}
	distance := 12.345
	surge := 2.0
	got := Compute(cfg, domain.TierPremium, distance, surge)
	want := 100 + distance*25*surge
	if math.Abs(got-want) > 0.01 {
		t.Fatalf("got %.4f, want within 0.01 of %.4f", got, want)
	}
}

func TestDistanceKmZero(t *testing.T) {
	p := domain.Coord{Lat: 12.9716, Lng: 77.5946}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}
