package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hauslist/viewing-booking/internal/config"
	"github.com/hauslist/viewing-booking/internal/db"
	"github.com/hauslist/viewing-booking/internal/logging"
	"github.com/hauslist/viewing-booking/internal/notify"
	redisclient "github.com/hauslist/viewing-booking/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	logger := logging.NewLogger(cfg.Env, "notify-relay")
	defer logger.Sync()

	logger.Info("notify-relay starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.RelayInterval),
		zap.Int("batch", cfg.RelayBatch),
		zap.String("channel", cfg.NotifyChannel),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	rdb, err := redisclient.NewClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	store := notify.NewPgOutbox(pgPool)
	pub := notify.NewRedisPublisher(rdb, cfg.NotifyChannel)
	dispatcher := notify.NewDispatcher(store, pub, cfg.RelayBatch, logger)

	// Drain whatever accumulated while the relay was down
	runOnce(rootCtx, dispatcher, logger)

	ticker := time.NewTicker(cfg.RelayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping notify-relay")
			return
		case <-ticker.C:
			runOnce(rootCtx, dispatcher, logger)
		}
	}
}

func runOnce(ctx context.Context, d *notify.Dispatcher, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := d.DispatchOnce(runCtx)
	if err != nil {
		logger.Error("relay pass error", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("relay pass complete",
			zap.Int("dispatched", n),
			zap.Duration("took", time.Since(start)),
		)
	}
}
