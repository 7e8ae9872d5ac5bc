package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hauslist/viewing-booking/internal/api"
	"github.com/hauslist/viewing-booking/internal/booking"
	"github.com/hauslist/viewing-booking/internal/catalog"
	"github.com/hauslist/viewing-booking/internal/config"
	"github.com/hauslist/viewing-booking/internal/db"
	"github.com/hauslist/viewing-booking/internal/logging"
	redisclient "github.com/hauslist/viewing-booking/internal/redis"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	logger := logging.NewLogger(cfg.Env, "api-server")
	defer logger.Sync()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.Bool("slot_gate", cfg.SlotGateEnabled),
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

	// Apply migrations before serving traffic
	migCtx, cancelMig := context.WithTimeout(rootCtx, 30*time.Second)
	err = db.Migrate(migCtx, pgPool)
	cancelMig()
	if err != nil {
		logger.Fatal("migration error", zap.Error(err))
	}

	// Connect Redis
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

	grid, err := booking.NewGrid(cfg.DayStart, cfg.DayEnd, cfg.SlotStep)
	if err != nil {
		logger.Fatal("viewing grid config error", zap.Error(err))
	}

	var locker redisclient.Locker
	if cfg.SlotGateEnabled {
		locker = redisclient.NewSlotLocker(rdb, cfg.LockTTL)
	}

	repo := booking.NewPgRepository(pgPool)
	cat := catalog.NewPgCatalog(pgPool)
	svc := booking.NewService(repo, cat, locker, grid, logger)

	router := api.NewRouter(api.RouterConfig{
		Service:    svc,
		PgPool:     pgPool,
		Redis:      rdb,
		Logger:     logger,
		AuthSecret: []byte(cfg.AuthSecret),
		Env:        cfg.Env,
		Version:    version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
}
