package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"insight-orchestrator/internal/api"
	"insight-orchestrator/internal/clients"
	"insight-orchestrator/internal/config"
	"insight-orchestrator/internal/contextcache"
	"insight-orchestrator/internal/ledger"
	"insight-orchestrator/internal/orchestrator"
	"insight-orchestrator/internal/queue"
	"insight-orchestrator/internal/ratelimit"
	"insight-orchestrator/internal/store"
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
	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

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

	coordinator := orchestrator.NewCoordinator(st, manager, q, cache, logger)

	server := api.New(cfg, coordinator, manager, st, q, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *zap.Logger {
	if cfg.Env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
