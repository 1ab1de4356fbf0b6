// Command server runs the HTTP API process: it wires storage, the
// allocation lock, the geo index, surge pricing, idempotency, the
// ride-status cache, location ingest, matching, payment capture, and
// driver dispatch behind one httpapi.Server, then serves until signaled.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridecore/matching/internal/authn"
	"github.com/ridecore/matching/internal/config"
	"github.com/ridecore/matching/internal/dispatch"
	"github.com/ridecore/matching/internal/geo"
	httpapi "github.com/ridecore/matching/internal/http"
	"github.com/ridecore/matching/internal/idempotency"
	"github.com/ridecore/matching/internal/ingest"
	"github.com/ridecore/matching/internal/lock"
	"github.com/ridecore/matching/internal/logging"
	"github.com/ridecore/matching/internal/matcher"
	"github.com/ridecore/matching/internal/payments"
	"github.com/ridecore/matching/internal/pricing"
	"github.com/ridecore/matching/internal/ridecache"
	"github.com/ridecore/matching/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	geoIndex := buildGeoIndex(redisClient)
	lockMgr := buildLockManager(redisClient)

	var publisher ingest.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	ingestPipeline := ingest.NewPipeline(geoIndex, store, publisher, cfg.Ingest, logger)

	var idempCache *idempotency.Cache
	var rideCache *ridecache.Cache
	var pricingSvc *pricing.Service
	if redisClient != nil {
		idempCache = idempotency.New(redisClient, cfg.Idemp.TTL, cfg.Idemp.InflightWait)
		rideCache = ridecache.New(redisClient, cfg.Cache.RideStatusTTL)
		pricingSvc = pricing.NewService(redisClient, geoIndex, cfg.Surge)
	} else {
		logger.Warn("REDIS_ADDR not set: running without idempotency, ride-status cache, or surge pricing")
	}

	wsReg := dispatch.NewWSRegistry(logger)
	notifier := buildNotifier(wsReg, redisClient)
	matcherSvc := matcher.NewService(geoIndex, lockMgr, store, notifier, rideCache, cfg.Match, logger)
	matchQueue := matcher.NewQueue(matcherSvc, cfg.Match, logger)

	var psp payments.Client
	if os.Getenv("STRIPE_API_KEY") != "" {
		psp = payments.NewStripeClient(os.Getenv("PAYMENTS_CURRENCY"))
	} else {
		logger.Warn("STRIPE_API_KEY not set: capture_payment will fail until it is")
	}

	srv := httpapi.NewServer(store, ingestPipeline, matchQueue, pricingSvc, idempCache, rideCache,
		authn.StaticAuthenticator{}, psp, wsReg, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	ingestDone := make(chan struct{})
	go func() {
		ingestPipeline.Run(ingestCtx)
		close(ingestDone)
	}()

	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()
	queueDone := make(chan struct{})
	go func() {
		matchQueue.Run(queueCtx)
		close(queueDone)
	}()

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped unexpectedly", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server did not drain cleanly", "error", err)
	}

	stopIngest()
	select {
	case <-ingestDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("location ingest did not drain before shutdown timeout")
	}

	stopQueue()
	select {
	case <-queueDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("match queue workers did not drain before shutdown timeout")
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed to close location publisher", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}
	logger.Info("shutdown complete")
}

func buildStore(cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set: running against an in-memory store, state will not survive a restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(migrateCtx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}

func buildGeoIndex(redisClient *redis.Client) geo.Index {
	if redisClient != nil {
		return geo.NewRedisIndex(redisClient)
	}
	return geo.NewMemoryIndex()
}

func buildLockManager(redisClient *redis.Client) lock.Manager {
	if redisClient != nil {
		return lock.NewRedisManager(redisClient)
	}
	return lock.NewMemoryManager()
}

// buildNotifier prefers websocket delivery to a live session and falls
// back to FCM when a registration token is on file; with no Redis
// configured there is nowhere to look up device tokens, so FCM is left
// out of the chain rather than constructed against a nil client. wsReg is
// shared with the server's /ws upgrade handler so a session registered
// there is visible to the matcher's notify path.
func buildNotifier(wsReg *dispatch.WSRegistry, redisClient *redis.Client) dispatch.Chain {
	chain := dispatch.Chain{wsReg}
	if redisClient != nil {
		fcmEndpoint := os.Getenv("FCM_ENDPOINT")
		if fcmEndpoint == "" {
			fcmEndpoint = "https://fcm.googleapis.com/v1/projects/ride-matching/messages:send"
		}
		tokens := dispatch.NewRedisDeviceTokens(redisClient)
		chain = append(chain, dispatch.NewFCMDispatcher(fcmEndpoint, os.Getenv("FCM_SERVER_KEY"), tokens))
	}
	return chain
}
