package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"reconcile/internal/identity/cache"
	"reconcile/internal/identity/handler"
	identitymetrics "reconcile/internal/identity/metrics"
	"reconcile/internal/identity/service"
	"reconcile/internal/identity/store"
	"reconcile/internal/platform/config"
	"reconcile/internal/platform/httpserver"
	"reconcile/internal/platform/kafka"
	"reconcile/internal/platform/logger"
	platformpg "reconcile/internal/platform/postgres"
	platformredis "reconcile/internal/platform/redis"
	httptransport "reconcile/internal/transport/http"
	"reconcile/pkg/platform/audit"
	"reconcile/pkg/platform/audit/publisher"
	auditkafka "reconcile/pkg/platform/audit/store/kafka"
	auditmemory "reconcile/pkg/platform/audit/store/memory"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the identity packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	ctx := context.Background()

	checks := map[string]httptransport.HealthChecker{}
	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(identitymetrics.New()),
		service.WithMaxAttempts(cfg.ResolveRetries),
	}

	var tx store.Tx
	if cfg.DatabaseURL != "" {
		db, err := platformpg.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("postgres connection failed", "error", err.Error())
			os.Exit(1)
		}
		defer db.Close()
		if err := store.EnsureSchema(ctx, db); err != nil {
			log.Error("schema bootstrap failed", "error", err.Error())
			os.Exit(1)
		}
		tx = store.NewPostgresTxRunner(db)
		checks["postgres"] = httptransport.HealthCheckFunc(db.PingContext)
		log.Info("contact store: postgres")
	} else {
		tx = store.NewMemoryTx(store.NewInMemory())
		log.Info("contact store: in-memory (set DATABASE_URL for durability)")
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err.Error())
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = redisClient
		opts = append(opts, service.WithViewCache(cache.New(redisClient.Client, cfg.ViewCacheTTL, log)))
		log.Info("view cache: redis")
	}

	var auditStore audit.Store = auditmemory.NewInMemoryStore()
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(ctx, cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			log.Error("kafka connection failed", "error", err.Error())
			os.Exit(1)
		}
		defer producer.Close()
		auditStore = auditkafka.NewStore(producer)
		log.Info("audit trail: kafka", "topic", cfg.Kafka.AuditTopic)
	}
	auditPub := publisher.NewPublisher(auditStore, publisher.WithLogger(log), publisher.WithAsyncBuffer(256))
	defer auditPub.Close()
	opts = append(opts, service.WithAuditPublisher(auditPub))

	engine := service.New(tx, opts...)
	identify := handler.New(engine, log)
	router := httptransport.NewRouter(identify, checks)
	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting reconcile", "addr", cfg.Addr)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err.Error())
		os.Exit(1)
	}
}
