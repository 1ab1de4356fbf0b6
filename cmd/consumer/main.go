// Command consumer drains the driver-locations Kafka topic that
// internal/ingest's background flush publishes to, refreshing the shared
// geo index and the surge supply[cell] counters so every HTTP API process
// sees a consistent view even when each location update landed on a
// different process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/domain"
	"github.com/ridecore/matching/internal/geo"
	"github.com/ridecore/matching/internal/pricing"
	"github.com/ridecore/matching/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	refreshOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_refresh_total",
		Help: "Total successful geo/supply refreshes",
	})
	refreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_refresh_errors_total",
		Help: "Total geo/supply refresh errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, refreshOK, refreshErrors)
}

// supplyRefresher is the narrow surface main's loop depends on, so tests
// can supply a fake instead of a live Redis-backed geo index and pricing
// service.
type supplyRefresher interface {
	Upsert(sample storage.LocationSample, cell string) error
}

type liveRefresher struct {
	geoIndex geo.Index
	pricing  *pricing.Service
}

func (l *liveRefresher) Upsert(sample storage.LocationSample, cell string) error {
	l.geoIndex.Upsert(sample.Tier, sample.DriverID, sample.Lat, sample.Lng)
	return l.pricing.RefreshSupply(context.Background(), sample.Tier, cell, sample.DriverID)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "driver-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ride-matching-consumer"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})

	geoIndex := geo.NewRedisIndex(rc)
	pricingSvc := pricing.NewService(rc, geoIndex, cfg.Surge)
	refresher := &liveRefresher{geoIndex: geoIndex, pricing: pricingSvc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)
	run(ctx, r, refresher, cfg.Surge.CellGeohashLength)
}

// run is the consume loop, pulled out of main. It reads from a concrete
// *kafka.Reader and has no unit test; the per-message work it hands to
// handleMessage is tested against a fake refresher.
func run(ctx context.Context, r *kafka.Reader, refresher supplyRefresher, cellLen int) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		if err := handleMessage(ctx, m.Value, refresher, cellLen); err != nil {
			if err == errInvalidMessage {
				msgsInvalid.Inc()
			} else {
				refreshErrors.Inc()
				log.Printf("refresh failed: %v", err)
			}
			continue
		}
		refreshOK.Inc()
	}
}

var errInvalidMessage = errors.New("invalid location message")

func handleMessage(ctx context.Context, raw []byte, refresher supplyRefresher, cellLen int) error {
	var sample storage.LocationSample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return errInvalidMessage
	}
	cell := pricing.Cell(domain.Coord{Lat: sample.Lat, Lng: sample.Lng}, cellLen)
	return refresher.Upsert(sample, cell)
}
