package ridecache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ridecore/matching/internal/domain"
)

type fakeRedis struct {
	mu    sync.Mutex
	store map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{store: make(map[string]string)} }

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	v, ok := f.store[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := json.Marshal(value)
	if s, ok := value.([]byte); ok {
		f.store[key] = string(s)
	} else {
		f.store[key] = string(b)
	}
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.store[k]; ok {
			delete(f.store, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func TestGetMissLoadsAndCaches(t *testing.T) {
	fr := newFakeRedis()
	c := &Cache{client: fr, ttl: time.Minute}
	loads := 0
	load := func(ctx context.Context, rideID string) (*domain.Ride, error) {
		loads++
		return &domain.Ride{ID: rideID, Status: domain.RideMatched}, nil
	}

	r, err := c.Get(context.Background(), "ride-1", load)
	if err != nil || r.Status != domain.RideMatched {
		t.Fatalf("unexpected result: %+v err=%v", r, err)
	}

	r2, err := c.Get(context.Background(), "ride-1", load)
	if err != nil || r2.Status != domain.RideMatched {
		t.Fatalf("unexpected cached result: %+v err=%v", r2, err)
	}
	if loads != 1 {
		t.Fatalf("expected loader called once, got %d", loads)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	fr := newFakeRedis()
	c := &Cache{client: fr, ttl: time.Minute}
	status := domain.RideRequested
	load := func(ctx context.Context, rideID string) (*domain.Ride, error) {
		return &domain.Ride{ID: rideID, Status: status}, nil
	}

	if _, err := c.Get(context.Background(), "ride-2", load); err != nil {
		t.Fatal(err)
	}
	status = domain.RideMatched
	if err := c.Invalidate(context.Background(), "ride-2"); err != nil {
		t.Fatal(err)
	}
	r, err := c.Get(context.Background(), "ride-2", load)
	if err != nil || r.Status != domain.RideMatched {
		t.Fatalf("expected fresh load reflecting new status, got %+v err=%v", r, err)
	}
}
