// Package main runs the meta-transaction ledger service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/metatx_ledger/internal/config"
	"github.com/R3E-Network/metatx_ledger/internal/events"
	"github.com/R3E-Network/metatx_ledger/internal/httpapi"
	"github.com/R3E-Network/metatx_ledger/internal/jobs"
	"github.com/R3E-Network/metatx_ledger/internal/ledger"
	"github.com/R3E-Network/metatx_ledger/internal/ledger/postgres"
	"github.com/R3E-Network/metatx_ledger/internal/ledger/redisstore"
	"github.com/R3E-Network/metatx_ledger/internal/logging"
	"github.com/R3E-Network/metatx_ledger/internal/metrics"
	"github.com/R3E-Network/metatx_ledger/internal/middleware"
)

const shutdownTimeout = 15 * time.Second

func main() {
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("ledgerd exited")
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New("")
	hub := events.NewHub(logger)
	defer hub.Close()

	notifiers := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer kafka.Close()
		notifiers = append(notifiers, kafka)
		logger.WithFields(map[string]interface{}{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		}).Info("publishing entries to kafka")
	}

	processor, err := ledger.NewProcessor(ledger.Config{
		Store:    store,
		DomainID: cfg.DomainID,
		Notifier: notifiers,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var auth *middleware.AuthMiddleware
	if cfg.Auth.JWTPublicKeyPath != "" {
		key, err := middleware.LoadPublicKey(cfg.Auth.JWTPublicKeyPath)
		if err != nil {
			return err
		}
		auth = middleware.NewAuthMiddleware(key, logger, nil)
	} else {
		logger.Warn("JWT_PUBLIC_KEY_PATH not set; deposits disabled")
	}

	limiter := middleware.NewRateLimiter(cfg.Limit.RPS, cfg.Limit.Burst, logger)
	var cors *middleware.CORSMiddleware
	if len(cfg.CORSOrigins) > 0 {
		cors = middleware.NewCORSMiddleware(cfg.CORSOrigins)
	}

	api := httpapi.New(httpapi.Config{
		ServiceName: cfg.ServiceName,
		Processor:   processor,
		Logger:      logger,
		Metrics:     m,
		Auth:        auth,
		RateLimiter: limiter,
		CORS:        cors,
		Events:      hub,
	})

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Add(jobs.JobLedgerStats, cfg.Jobs.StatsSchedule, jobs.StatsJob(store, m)); err != nil {
		return err
	}
	if err := scheduler.Add(jobs.JobRateLimitCleanup, cfg.Jobs.CleanupSchedule, jobs.CleanupJob(limiter, logger)); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{
			"addr":      cfg.HTTPAddr,
			"domain_id": cfg.DomainID,
			"store":     cfg.Store.Backend,
		}).Info("ledger listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		scheduler.Stop(shutdownCtx)
		hub.Close()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (ledger.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db.DB); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("using postgres store")
		return postgres.New(db), func() { _ = db.Close() }, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("using redis store")
		store := redisstore.New(client, redisstore.Options{Prefix: cfg.Store.RedisPrefix, JournalCap: cfg.Store.JournalCap})
		return store, func() { _ = client.Close() }, nil

	default:
		logger.Warn("using in-memory store; balances are lost on restart")
		return ledger.NewMemoryStore(), func() {}, nil
	}
}
