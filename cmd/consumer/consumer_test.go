package main

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/storage"
)

type fakeRefresher struct {
	upserts []storage.LocationSample
	cells   []string
	failN   int
	calls   int
}

func (f *fakeRefresher) Upsert(sample storage.LocationSample, cell string) error {
	f.calls++
	if f.calls <= f.failN {
		return errors.New("refresh fail")
	}
	f.upserts = append(f.upserts, sample)
	f.cells = append(f.cells, cell)
	return nil
}

func TestHandleMessageUpsertsOnValidSample(t *testing.T) {
	f := &fakeRefresher{}
	sample := storage.LocationSample{DriverID: "d1", Tier: domain.TierStandard, Lat: 12.97, Lng: 77.59, ObservedAt: 1}
	raw, _ := json.Marshal(sample)

	if err := handleMessage(nil, raw, f, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.upserts) != 1 || f.upserts[0].DriverID != "d1" {
		t.Fatalf("expected one upsert for d1, got %+v", f.upserts)
	}
	if f.cells[0] == "" {
		t.Fatalf("expected a non-empty geohash cell")
	}
}

func TestHandleMessageRejectsMalformedJSON(t *testing.T) {
	f := &fakeRefresher{}
	if err := handleMessage(nil, []byte("not json"), f, 5); !errors.Is(err, errInvalidMessage) {
		t.Fatalf("expected errInvalidMessage, got %v", err)
	}
	if len(f.upserts) != 0 {
		t.Fatalf("expected no upsert for a malformed message")
	}
}

func TestHandleMessagePropagatesRefreshFailure(t *testing.T) {
	f := &fakeRefresher{failN: 1}
	sample := storage.LocationSample{DriverID: "d1", Tier: domain.TierStandard, Lat: 12.97, Lng: 77.59, ObservedAt: 1}
	raw, _ := json.Marshal(sample)

	if err := handleMessage(nil, raw, f, 5); err == nil {
		t.Fatalf("expected the refresh failure to propagate")
	}
}
