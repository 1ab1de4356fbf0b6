package geo

import (
	"math"
	"testing"

	"github.com/ridecore/matching/internal/domain"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Bangalore to Chennai, ~290km straight line per the scenario in spec §8.
	d := Haversine(12.9716, 77.5946, 13.0827, 80.2707)
	if math.Abs(d-294.3) > 5 {
		t.Fatalf("expected ~294km, got %f", d)
	}
}

func TestMemoryIndexSearchByRadius(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert(domain.TierStandard, "near", 12.9716, 77.5946)
	idx.Upsert(domain.TierStandard, "far", 13.5, 80.5)
	idx.Upsert(domain.TierPremium, "wrong-tier", 12.9716, 77.5946)

	cands := idx.SearchByRadius(domain.TierStandard, 12.9716, 77.5946, 2, 20)
	if len(cands) != 1 || cands[0].DriverID != "near" {
		t.Fatalf("expected only 'near', got %+v", cands)
	}
}

func TestMemoryIndexRemove(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert(domain.TierStandard, "d1", 0, 0)
	if idx.CountAvailable(domain.TierStandard) != 1 {
		t.Fatalf("expected 1 driver indexed")
	}
	idx.Remove(domain.TierStandard, "d1")
	if idx.CountAvailable(domain.TierStandard) != 0 {
		t.Fatalf("expected 0 drivers after remove")
	}
}

func TestMemoryIndexNearestFirst(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert(domain.TierStandard, "far", 12.99, 77.62)
	idx.Upsert(domain.TierStandard, "near", 12.972, 77.595)

	cands := idx.SearchByRadius(domain.TierStandard, 12.9716, 77.5946, 10, 20)
	if len(cands) != 2 || cands[0].DriverID != "near" {
		t.Fatalf("expected nearest-first ordering, got %+v", cands)
	}
}
