package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/api"
	"github.com/you/supportd/internal/backoff"
	"github.com/you/supportd/internal/config"
	"github.com/you/supportd/internal/coord"
	"github.com/you/supportd/internal/delivery"
	"github.com/you/supportd/internal/jobs"
	"github.com/you/supportd/internal/logger"
	"github.com/you/supportd/internal/marketsync"
	"github.com/you/supportd/internal/storage"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	// goose speaks database/sql; the handle is only open for migration.
	sdb, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	if err := storage.Migrate(sdb, "db/migrations"); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	_ = sdb.Close()

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db, backoff.Jobs(cfg.JobBackoffCap), cfg.DeliveryMaxAttempts)
	co := coord.New(rdb)
	mkt := marketsync.NewHTTPClient(cfg.MarketplaceBaseURL, marketsync.NewTokenCache())
	engine := marketsync.NewEngine(store, mkt, co, co, log, marketsync.Config{
		BatchTenants: cfg.SyncBatchTenants,
		TenantDelay:  cfg.SyncTenantDelay,
		LockTTL:      cfg.SyncLockTTL,
		RatePerSec:   cfg.TenantRatePerSecond,
	})

	routes := delivery.DefaultRoutes(cfg.AppEnv, mkt, store, co, cfg.TenantRatePerSecond, cfg.SMTPAddr, cfg.SMTPFrom, log)
	flusher := delivery.NewWorker(store, routes, cfg.MarketplaceDomain, log, cfg.DeliveryPollInterval)

	reg := jobs.NewRegistry()
	jobs.RegisterAll(reg, engine, flusher, log)
	producer := jobs.NewProducer(store, reg)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(store, producer, engine, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
