package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ridecore/matching/internal/domain"
)

// RedisIndex implements Index using Redis GEO commands, keyed per tier
// (drivers:geo:{tier}), for deployments that want the index shared across
// processes instead of per-process. Membership here is authoritative only
// for "currently broadcasting location for this tier" — callers must still
// intersect with the state store before treating a candidate as eligible.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func tierKey(tier domain.Tier) string {
	return fmt.Sprintf("drivers:geo:%s", tier)
}

func (r *RedisIndex) Upsert(tier domain.Tier, driverID string, lat, lng float64) {
	ctx := context.Background()
	_ = r.client.GeoAdd(ctx, tierKey(tier), &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: driverID}).Err()
}

func (r *RedisIndex) Remove(tier domain.Tier, driverID string) {
	ctx := context.Background()
	_ = r.client.ZRem(ctx, tierKey(tier), driverID).Err()
}

func (r *RedisIndex) CountAvailable(tier domain.Tier) int {
	ctx := context.Background()
	n, err := r.client.ZCard(ctx, tierKey(tier)).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (r *RedisIndex) SearchByRadius(tier domain.Tier, lat, lng, radiusKm float64, limit int) []Candidate {
	ctx := context.Background()
	res, err := r.client.GeoSearchLocation(ctx, tierKey(tier), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: false,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out
}
