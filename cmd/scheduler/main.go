package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/you/supportd/internal/backoff"
	"github.com/you/supportd/internal/config"
	"github.com/you/supportd/internal/coord"
	"github.com/you/supportd/internal/delivery"
	"github.com/you/supportd/internal/jobs"
	"github.com/you/supportd/internal/logger"
	"github.com/you/supportd/internal/marketsync"
	"github.com/you/supportd/internal/storage"
)

// The scheduler is the periodic trigger: it drives the global sync pass
// directly and enqueues recurring per-tenant work onto the durable queue.
func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	sdb, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	if err := storage.Migrate(sdb, "db/migrations"); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	_ = sdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	c := cron.New()

	if _, err := c.AddFunc(cfg.GlobalSyncSchedule, func() {
		sum, err := engine.RunGlobalSync(ctx)
		if err != nil {
			log.Error("global sync failed", zap.Error(err))
			return
		}
		log.Info("global sync pass",
			zap.Int("selected", sum.Selected),
			zap.Int("processed", sum.Processed),
			zap.Int("skipped", sum.Skipped),
		)
	}); err != nil {
		log.Fatal("register global sync", zap.Error(err))
	}

	if _, err := c.AddFunc(cfg.PollJobSchedule, func() {
		enqueueRecurring(ctx, store, producer, log)
	}); err != nil {
		log.Fatal("register recurring enqueue", zap.Error(err))
	}

	c.Start()
	log.Info("scheduler started",
		zap.String("global_sync", cfg.GlobalSyncSchedule),
		zap.String("recurring", cfg.PollJobSchedule),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("scheduler stopped")
}

// enqueueRecurring inserts the periodic per-tenant work items: a sweep for
// orders missing their sub-items and a delivery flush. Delta sync itself is
// driven by the global pass, not the queue.
func enqueueRecurring(ctx context.Context, store *storage.Store, producer *jobs.Producer, log *zap.Logger) {
	tenants, err := store.StalestTenants(ctx, marketsync.System, 500)
	if err != nil {
		log.Error("list tenants", zap.Error(err))
		return
	}
	for _, tenantID := range tenants {
		if _, err := producer.Enqueue(ctx, jobs.TypeSyncSweep, tenantID, struct{}{}, jobs.EnqueueOptions{}); err != nil {
			log.Error("enqueue sweep", zap.String("tenant", tenantID), zap.Error(err))
		}
	}
	if _, err := producer.Enqueue(ctx, jobs.TypeDeliveryFlush, "system", struct{}{}, jobs.EnqueueOptions{}); err != nil {
		log.Error("enqueue delivery flush", zap.Error(err))
	}
	log.Info("recurring work enqueued", zap.Int("tenants", len(tenants)))
}
