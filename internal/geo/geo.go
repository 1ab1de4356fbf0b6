// Package geo is the volatile, in-memory geospatial index on the hot write
// path: driver location updates land here synchronously, and matching reads
// candidates from here. The state store remains authoritative for whether a
// driver is actually eligible for assignment — this index only knows who is
// currently broadcasting a location for a tier.
package geo

import (
	"math"
	"sync"
	"time"

	"github.com/ridecore/matching/internal/domain"
)

// Candidate is a search result: a driver id and its distance from the query
// point, in kilometers.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// Index is the interface the matcher and location-ingest depend on. Two
// implementations satisfy it: MemoryIndex (the hot-path default) and
// RedisIndex (an alternative backend for multi-process deployments that
// want the index itself shared rather than per-process).
type Index interface {
	Upsert(tier domain.Tier, driverID string, lat, lng float64)
	Remove(tier domain.Tier, driverID string)
	SearchByRadius(tier domain.Tier, lat, lng, radiusKm float64, limit int) []Candidate
	// CountAvailable returns the number of entries currently indexed for a
	// tier — used by the surge supply counters.
	CountAvailable(tier domain.Tier) int
}

type point struct {
	lat, lng float64
	seenAt   time.Time
}

// MemoryIndex keeps one map per tier so tier filtering never scans entries
// for other tiers. A driver absent from all tier maps is offline.
type MemoryIndex struct {
	mu    sync.RWMutex
	tiers map[domain.Tier]map[string]point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{tiers: make(map[domain.Tier]map[string]point)}
}

func (g *MemoryIndex) Upsert(tier domain.Tier, driverID string, lat, lng float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.tiers[tier]
	if !ok {
		m = make(map[string]point)
		g.tiers[tier] = m
	}
	m[driverID] = point{lat: lat, lng: lng, seenAt: time.Now()}
}

func (g *MemoryIndex) Remove(tier domain.Tier, driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.tiers[tier]; ok {
		delete(m, driverID)
	}
}

func (g *MemoryIndex) CountAvailable(tier domain.Tier) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tiers[tier])
}

// SearchByRadius returns every indexed driver for tier within radiusKm of
// (lat, lng), nearest first, capped at limit. Partial selection sort keeps
// this fast for the small top-N the matcher actually needs without sorting
// the whole tier.
func (g *MemoryIndex) SearchByRadius(tier domain.Tier, lat, lng, radiusKm float64, limit int) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m := g.tiers[tier]
	cands := make([]Candidate, 0, len(m))
	for id, p := range m {
		d := Haversine(lat, lng, p.lat, p.lng)
		if d <= radiusKm {
			cands = append(cands, Candidate{DriverID: id, DistanceKm: d})
		}
	}

	n := limit
	if n > len(cands) {
		n = len(cands)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(cands); j++ {
			if cands[j].DistanceKm < cands[minIdx].DistanceKm {
				minIdx = j
			}
		}
		cands[i], cands[minIdx] = cands[minIdx], cands[i]
	}
	return cands[:n]
}

// Haversine returns the great-circle distance between two points in
// kilometers.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
