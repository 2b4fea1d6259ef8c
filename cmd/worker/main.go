package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"insight-orchestrator/internal/archive"
	"insight-orchestrator/internal/clients"
	"insight-orchestrator/internal/config"
	"insight-orchestrator/internal/contextcache"
	"insight-orchestrator/internal/ledger"
	"insight-orchestrator/internal/orchestrator"
	"insight-orchestrator/internal/queue"
	"insight-orchestrator/internal/store"
	"insight-orchestrator/internal/telemetry"
	"insight-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueWithClient(redisClient, cfg)

	manager := ledger.NewManager(st, ledger.Options{
		LockAttempts:    cfg.LockAttempts,
		LockBackoffBase: cfg.LockBackoffBase,
		LockBackoffMax:  cfg.LockBackoffMax,
		ReservationHold: cfg.ReservationHold,
	}, store.IsLockContention, logger)

	retriever := clients.NewRetrievalClient(cfg.RetrievalURL, 30*time.Second)
	cache := contextcache.New(redisClient, retriever, contextcache.Options{
		Prefix:  cfg.CacheKeyPrefix,
		TTL:     cfg.CacheTTL,
		LockTTL: cfg.CacheLockTTL,
	}, logger)
	generator := clients.NewGenerationClient(cfg.GenerationURL)

	contentArchive, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init content archive", zap.Error(err))
	}
	var archiver worker.Archiver
	if contentArchive != nil {
		archiver = contentArchive
	}

	finalizer := orchestrator.NewFinalizer(st, manager, logger)
	handler := worker.NewInsightHandler(st, cache, retriever, generator, finalizer, archiver, q, worker.HandlerOptions{
		SoftTimeout: cfg.GenerationSoftTimeout,
		HardTimeout: cfg.GenerationHardTimeout,
		MaxRetries:  cfg.ItemMaxRetries,
		RetryDelay:  cfg.ItemRetryDelay,
	}, logger)

	processor := worker.NewProcessor(cfg, q, st, handler.Handle, logger)
	sweeper := ledger.NewSweeper(manager, st, cfg.SweepInterval, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("sweeper stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("soft_timeout", cfg.GenerationSoftTimeout),
		zap.Duration("hard_timeout", cfg.GenerationHardTimeout))
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("worker stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	if cfg.Env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
