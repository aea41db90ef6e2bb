package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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
	once := flag.Bool("once", false, "process currently-due work, then exit")
	flag.Parse()

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
	deliveryWorker := delivery.NewWorker(store, routes, cfg.MarketplaceDomain, log, cfg.DeliveryPollInterval)

	reg := jobs.NewRegistry()
	jobs.RegisterAll(reg, engine, deliveryWorker, log)

	host, _ := os.Hostname()
	workers := make([]*jobs.Worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		id := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
		workers = append(workers, jobs.NewWorker(id, store, reg, co, log, cfg.JobPollInterval, cfg.ClaimTTL))
	}

	if *once {
		total := 0
		for _, w := range workers[:1] {
			n, err := w.RunOnce(ctx)
			if err != nil {
				log.Fatal("run once", zap.Error(err))
			}
			total += n
		}
		sent, err := deliveryWorker.RunOnce(ctx)
		if err != nil {
			log.Fatal("delivery run once", zap.Error(err))
		}
		log.Info("batch complete", zap.Int("jobs", total), zap.Int("deliveries", sent))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return deliveryWorker.Run(gctx) })
	g.Go(func() error { return requeueStale(gctx, store, cfg.ClaimTTL, log) })

	log.Info("workers started", zap.Int("count", cfg.WorkerCount))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal("worker group", zap.Error(err))
	}
	log.Info("workers stopped")
}

// requeueStale periodically returns work abandoned by crashed processes.
// The claim TTL is sized well above the slowest handler, so a live worker
// is never preempted.
func requeueStale(ctx context.Context, store *storage.Store, ttl time.Duration, log *zap.Logger) error {
	tick := time.NewTicker(ttl / 3)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if n, err := store.RequeueStaleJobs(ctx, ttl); err != nil {
				log.Error("requeue stale jobs", zap.Error(err))
			} else if n > 0 {
				log.Warn("requeued stale jobs", zap.Int("count", n))
			}
			if n, err := store.RequeueStaleDeliveries(ctx, ttl); err != nil {
				log.Error("requeue stale deliveries", zap.Error(err))
			} else if n > 0 {
				log.Warn("requeued stale deliveries", zap.Int("count", n))
			}
		}
	}
}
