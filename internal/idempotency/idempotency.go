// Package idempotency wraps endpoints tagged as non-retry-safe (ride
// creation, payment capture) per spec §4.6: a placeholder is inserted
// atomically on first arrival, concurrent callers with the same key block on
// its completion (singleflight), and a completed record is replayed
// verbatim if the request fingerprint matches, or rejected as a conflict if
// it doesn't.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ridecore/matching/internal/apperr"
)

// Record is what gets stored (as JSON) under the idempotency key.
type Record struct {
	Fingerprint string `json:"fingerprint"`
	StatusCode  int    `json:"status_code"`
	Body        []byte `json:"body"`
	Complete    bool   `json:"complete"`
}

// Fingerprint hashes the canonicalized request body so replays can be
// distinguished from key reuse with a different body.
func Fingerprint(body any) (string, error) {
	canon, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func cacheKey(endpoint, subjectID, clientKey string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", endpoint, subjectID, clientKey)
}

// redisCommands is the slice of go-redis commands the cache needs. Defining
// it narrows the dependency to what's actually used and lets tests supply a
// fake instead of a live Redis server.
type redisCommands interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache is the Redis-backed singleflight idempotency cache.
type Cache struct {
	client       redisCommands
	ttl          time.Duration
	inflightWait time.Duration
}

func New(client *redis.Client, ttl, inflightWait time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl, inflightWait: inflightWait}
}

// Outcome is returned by Begin to tell the caller what to do next.
type Outcome struct {
	// Replay is set when a completed record already exists and its
	// fingerprint matches — the caller must return this response verbatim
	// without re-executing the operation.
	Replay *Record
	// Lead is true when this caller won the race to create the placeholder
	// and must now execute the operation and call Complete.
	Lead bool
}

// Begin attempts to start (or join) an idempotent operation for key. It
// returns either a replay-ready record, or Lead=true meaning the caller
// must execute the operation and call Complete when done.
func (c *Cache) Begin(ctx context.Context, endpoint, subjectID, clientKey string, fingerprint string) (Outcome, error) {
	key := cacheKey(endpoint, subjectID, clientKey)

	placeholder := Record{Fingerprint: fingerprint, Complete: false}
	raw, err := json.Marshal(placeholder)
	if err != nil {
		return Outcome{}, err
	}

	ok, err := c.client.SetNX(ctx, key, raw, c.ttl).Result()
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.DependencyUnavailable, "idempotency cache unavailable", err)
	}
	if ok {
		return Outcome{Lead: true}, nil
	}

	// Someone else is ahead of us — either in flight or already complete.
	return c.awaitCompletion(ctx, key, fingerprint)
}

func (c *Cache) awaitCompletion(ctx context.Context, key, fingerprint string) (Outcome, error) {
	deadline := time.Now().Add(c.inflightWait)
	for {
		raw, err := c.client.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return Outcome{}, apperr.Wrap(apperr.DependencyUnavailable, "idempotency cache unavailable", err)
		}
		if err == redis.Nil {
			// The lead caller's placeholder already expired (TTL) without
			// ever completing. Treat this as a fresh start.
			return Outcome{Lead: true}, nil
		}

		var rec Record
		if jerr := json.Unmarshal([]byte(raw), &rec); jerr != nil {
			return Outcome{}, apperr.Wrap(apperr.DependencyUnavailable, "corrupt idempotency record", jerr)
		}

		if rec.Complete {
			if rec.Fingerprint != fingerprint {
				return Outcome{}, apperr.New(apperr.Conflict, "idempotency key reused with a different request body")
			}
			return Outcome{Replay: &rec}, nil
		}

		if rec.Fingerprint != fingerprint {
			return Outcome{}, apperr.New(apperr.Conflict, "idempotency key reused with a different request body")
		}

		if time.Now().After(deadline) {
			return Outcome{}, apperr.New(apperr.Timeout, "timed out waiting for in-flight request with the same idempotency key")
		}

		select {
		case <-ctx.Done():
			return Outcome{}, apperr.Wrap(apperr.Timeout, "context cancelled waiting for idempotent completion", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Abort removes an incomplete placeholder so a later retry with the same
// client_key gets a fresh Lead instead of polling for up to inflightWait
// and timing out. Only the lead caller should call this, and only after a
// failure that leaves the operation safe to retry (e.g. the downstream
// dependency never committed).
func (c *Cache) Abort(ctx context.Context, endpoint, subjectID, clientKey string) error {
	key := cacheKey(endpoint, subjectID, clientKey)
	return c.client.Del(ctx, key).Err()
}

// Complete finalizes the placeholder the caller started with Begin,
// storing the response for replay and signaling any waiters.
func (c *Cache) Complete(ctx context.Context, endpoint, subjectID, clientKey, fingerprint string, statusCode int, body []byte) error {
	key := cacheKey(endpoint, subjectID, clientKey)
	rec := Record{Fingerprint: fingerprint, StatusCode: statusCode, Body: body, Complete: true}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}
