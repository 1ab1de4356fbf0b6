package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "matches_total", Help: "Total number of matches"})
	MatchExhaustedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "match_exhausted_total", Help: "Total matching attempts that exhausted the radius/budget without a driver"})
	MatchLatency         = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "match_latency_seconds", Help: "Match latency seconds"})
	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_matching", Name: "drivers_online", Help: "Number of online drivers"})
	SurgeMultiplierGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: "ride_matching", Name: "surge_multiplier", Help: "Last computed surge multiplier per geohash cell"}, []string{"cell"})

	IdempotencyHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "idempotency_hits_total", Help: "Idempotency cache outcomes"},
		[]string{"outcome"}, // lead | replay | conflict
	)
	LocationBufferDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching", Name: "location_buffer_dropped_total", Help: "Location samples dropped because the ingest buffer was full",
	})
	MatchQueueDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_matching", Name: "match_queue_dropped_total", Help: "Rides dropped because the match dispatch queue was full",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
