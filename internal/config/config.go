package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ridecore/matching/internal/domain"
)

// ServerConfig captures every tunable parameter for the HTTP API process.
// Values are loaded from environment variables with sane defaults so the
// binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	LogLevel      string
	RunMigrations bool

	Fares  FareConfig
	Match  MatchConfig
	Surge  SurgeConfig
	Idemp  IdempotencyConfig
	Ingest IngestConfig
	Cache  CacheConfig
}

// FareConfig holds the per-tier base fare and per-km rate from spec §6.
type FareConfig struct {
	BaseFare  map[domain.Tier]float64
	PerKmRate map[domain.Tier]float64
}

// MatchConfig holds the radius-growth matching algorithm parameters plus
// the supervised dispatch queue's worker pool size and channel capacity.
type MatchConfig struct {
	InitialRadiusKm float64
	MaxRadiusKm     float64
	Backoff         float64
	RetryDelay      time.Duration
	Budget          time.Duration
	CandidateLimit  int
	LockTTL         time.Duration

	Workers       int
	QueueCapacity int
}

// SurgeConfig holds the rolling-counter surge pricing parameters.
type SurgeConfig struct {
	CellGeohashLength int
	Window            time.Duration
	Max               float64
}

// IdempotencyConfig holds the idempotency cache parameters.
type IdempotencyConfig struct {
	TTL             time.Duration
	InflightWait    time.Duration
}

// IngestConfig holds the location-ingest buffer/flush parameters.
type IngestConfig struct {
	FlushInterval   time.Duration
	FlushBatch      int
	BufferCapacity  int
}

// CacheConfig holds the ride-status read cache parameters.
type CacheConfig struct {
	RideStatusTTL time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		KafkaTopic:      "driver-locations",
		LogLevel:        "info",
		Fares: FareConfig{
			BaseFare: map[domain.Tier]float64{
				domain.TierStandard: 50,
				domain.TierPremium:  100,
				domain.TierXL:       80,
			},
			PerKmRate: map[domain.Tier]float64{
				domain.TierStandard: 12,
				domain.TierPremium:  25,
				domain.TierXL:       18,
			},
		},
		Match: MatchConfig{
			InitialRadiusKm: 2,
			MaxRadiusKm:     10,
			Backoff:         1.5,
			RetryDelay:      200 * time.Millisecond,
			Budget:          30 * time.Second,
			CandidateLimit:  20,
			LockTTL:         10 * time.Second,
			Workers:         16,
			QueueCapacity:   1000,
		},
		Surge: SurgeConfig{
			CellGeohashLength: 5,
			Window:            300 * time.Second,
			Max:               5.0,
		},
		Idemp: IdempotencyConfig{
			TTL:          86400 * time.Second,
			InflightWait: 10 * time.Second,
		},
		Ingest: IngestConfig{
			FlushInterval:  500 * time.Millisecond,
			FlushBatch:     1000,
			BufferCapacity: 10000,
		},
		Cache: CacheConfig{
			RideStatusTTL: 30 * time.Second,
		},
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.Match.InitialRadiusKm, "MATCH_INITIAL_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Match.MaxRadiusKm, "MATCH_MAX_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Match.Backoff, "MATCH_BACKOFF", &errs)
	setDurationFromEnv(&cfg.Match.RetryDelay, "MATCH_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.Match.Budget, "MATCH_BUDGET", &errs)
	setIntFromEnv(&cfg.Match.CandidateLimit, "MATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.Match.LockTTL, "MATCH_LOCK_TTL", &errs)
	setIntFromEnv(&cfg.Match.Workers, "MATCH_QUEUE_WORKERS", &errs)
	setIntFromEnv(&cfg.Match.QueueCapacity, "MATCH_QUEUE_CAPACITY", &errs)

	setIntFromEnv(&cfg.Surge.CellGeohashLength, "SURGE_CELL_GEOHASH_LENGTH", &errs)
	setDurationFromEnv(&cfg.Surge.Window, "SURGE_WINDOW", &errs)
	setFloatFromEnv(&cfg.Surge.Max, "SURGE_MAX", &errs)

	setDurationFromEnv(&cfg.Idemp.TTL, "IDEMPOTENCY_TTL", &errs)
	setDurationFromEnv(&cfg.Idemp.InflightWait, "IDEMPOTENCY_INFLIGHT_WAIT", &errs)

	setDurationFromEnv(&cfg.Ingest.FlushInterval, "LOCATION_FLUSH_INTERVAL", &errs)
	setIntFromEnv(&cfg.Ingest.FlushBatch, "LOCATION_FLUSH_BATCH", &errs)
	setIntFromEnv(&cfg.Ingest.BufferCapacity, "LOCATION_BUFFER_CAPACITY", &errs)

	setDurationFromEnv(&cfg.Cache.RideStatusTTL, "RIDE_STATUS_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Match.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.Match.MaxRadiusKm < cfg.Match.InitialRadiusKm {
		errs = append(errs, fmt.Errorf("MATCH_MAX_RADIUS_KM must be >= MATCH_INITIAL_RADIUS_KM"))
	}
	if cfg.Match.Workers <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_QUEUE_WORKERS must be > 0"))
	}
	if cfg.Match.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_QUEUE_CAPACITY must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
