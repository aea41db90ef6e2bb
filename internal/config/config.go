package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Job queue.
	WorkerCount     int           `env:"WORKER_COUNT" envDefault:"2"`
	JobPollInterval time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"5s"`
	JobBackoffCap   time.Duration `env:"JOB_BACKOFF_CAP" envDefault:"0"` // 0 = uncapped
	ClaimTTL        time.Duration `env:"CLAIM_TTL" envDefault:"15m"`

	// Outbound deliveries poll faster than generic jobs.
	DeliveryPollInterval time.Duration `env:"DELIVERY_POLL_INTERVAL" envDefault:"2s"`
	DeliveryMaxAttempts  int           `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"10"`

	// Marketplace sync.
	MarketplaceBaseURL  string        `env:"MARKETPLACE_BASE_URL" envDefault:"https://api.marketplace.example"`
	MarketplaceDomain   string        `env:"MARKETPLACE_MAIL_DOMAIN" envDefault:"mail.marketplace.example"`
	SyncBatchTenants    int           `env:"SYNC_BATCH_TENANTS" envDefault:"25"`
	SyncTenantDelay     time.Duration `env:"SYNC_TENANT_DELAY" envDefault:"1s"`
	SyncLockTTL         time.Duration `env:"SYNC_LOCK_TTL" envDefault:"10m"`
	TenantRatePerSecond int           `env:"TENANT_RATE_PER_SECOND" envDefault:"1"`

	// SMTP fallback path for outbound email.
	SMTPAddr string `env:"SMTP_ADDR" envDefault:"localhost:25"`
	SMTPFrom string `env:"SMTP_FROM" envDefault:"support@localhost"`

	// Scheduler cron expressions.
	GlobalSyncSchedule string `env:"GLOBAL_SYNC_SCHEDULE" envDefault:"@every 5m"`
	PollJobSchedule    string `env:"POLL_JOB_SCHEDULE" envDefault:"@every 15m"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
