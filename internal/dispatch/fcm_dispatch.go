package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeviceTokens resolves a driver id to its current FCM registration token.
// The matcher's process has no notion of device tokens itself; this keeps
// FCMDispatcher decoupled from however those are stored.
type DeviceTokens interface {
	TokenFor(ctx context.Context, driverID string) (string, error)
}

// FCMDispatcher posts to the FCM HTTP v1 endpoint. It is the fallback
// Notifier for a driver with no live websocket session.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Tokens   DeviceTokens
	Client   *http.Client
}

// RedisDeviceTokens stores each driver's current FCM registration token in
// a single Redis hash, set by the driver app out of band (token refresh is
// outside this system's operation set — it only reads what's there).
type RedisDeviceTokens struct {
	client *redis.Client
}

func NewRedisDeviceTokens(client *redis.Client) *RedisDeviceTokens {
	return &RedisDeviceTokens{client: client}
}

func (r *RedisDeviceTokens) TokenFor(ctx context.Context, driverID string) (string, error) {
	token, err := r.client.HGet(ctx, "device_tokens", driverID).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("no device token registered for driver %s", driverID)
	}
	return token, err
}

func NewFCMDispatcher(endpoint, key string, tokens DeviceTokens) *FCMDispatcher {
	return &FCMDispatcher{
		Endpoint: endpoint,
		Key:      key,
		Tokens:   tokens,
		Client:   &http.Client{Timeout: 3 * time.Second},
	}
}

func (f *FCMDispatcher) Notify(driverID string, event MatchEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	token, err := f.Tokens.TokenFor(ctx, driverID)
	if err != nil {
		return fmt.Errorf("resolve fcm token: %w", err)
	}

	body := map[string]any{
		"message": map[string]any{
			"token": token,
			"data":  event,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm push failed: status %d", resp.StatusCode)
	}
	return nil
}
