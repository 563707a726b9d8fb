// Package config loads process configuration from the environment.
// A .env file in the working directory is read first when present;
// variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"medshard/internal/core/tenant"
	"medshard/internal/domain/auth"
	"medshard/internal/domain/replication"
	"medshard/internal/domain/routing"
	"medshard/internal/infrastructure/lease"
	"medshard/internal/infrastructure/syncclient"
	"medshard/pkg/logger"
)

// Config is the union of settings used by the server, worker and CLI.
type Config struct {
	Env  string `env:"APP_ENV" envDefault:"development"`
	Port string `env:"APP_PORT" envDefault:"8080"`
	// MetricsPort serves /metrics from the worker, which has no API.
	MetricsPort string `env:"WORKER_METRICS_PORT" envDefault:"9091"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	CatalogDSN string `env:"CATALOG_DATABASE_URL,required,notEmpty"`
	JWTSecret  string `env:"JWT_SECRET,required,notEmpty"`

	Tenant   TenantConfig
	Sync     SyncConfig
	Resolver ResolverConfig
	Redis    RedisConfig
}

type TenantConfig struct {
	DBUser          string        `env:"TENANT_DB_USER"`
	DBPassword      string        `env:"TENANT_DB_PASSWORD"`
	SSLMode         string        `env:"TENANT_DB_SSLMODE" envDefault:"disable"`
	MaxPools        int           `env:"TENANT_MAX_POOLS" envDefault:"100"`
	MaxConnsPerPool int32         `env:"TENANT_MAX_CONNS_PER_POOL" envDefault:"10"`
	MinConnsPerPool int32         `env:"TENANT_MIN_CONNS_PER_POOL" envDefault:"1"`
	PoolIdleTimeout time.Duration `env:"TENANT_POOL_IDLE_TIMEOUT" envDefault:"30m"`
	StatusRecheck   time.Duration `env:"TENANT_STATUS_RECHECK" envDefault:"30s"`
	Prewarm         bool          `env:"PREWARM_POOLS" envDefault:"false"`
}

type SyncConfig struct {
	CatalogURL      string        `env:"SYNC_CATALOG_URL" envDefault:"http://localhost:8080"`
	BatchSize       int           `env:"SYNC_BATCH_SIZE" envDefault:"100"`
	PollInterval    time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"5s"`
	DeliveryTimeout time.Duration `env:"SYNC_DELIVERY_TIMEOUT" envDefault:"10s"`
	ApplyInterval   time.Duration `env:"SYNC_APPLY_INTERVAL" envDefault:"10s"`
	RetentionDays   int           `env:"SYNC_RETENTION_DAYS" envDefault:"7"`

	// Catalog-side applier.
	MaxAutoRetries   int `env:"SYNC_MAX_AUTO_RETRIES" envDefault:"10"`
	MaxBatchSize     int `env:"SYNC_MAX_BATCH_SIZE" envDefault:"1000"`
	RecentErrorLimit int `env:"SYNC_RECENT_ERROR_LIMIT" envDefault:"20"`
}

type ResolverConfig struct {
	ProbeTimeout  time.Duration `env:"RESOLVER_PROBE_TIMEOUT" envDefault:"2s"`
	LocateTimeout time.Duration `env:"RESOLVER_LOCATE_TIMEOUT" envDefault:"15s"`
}

// RedisConfig is optional; without an address the worker leases in-process.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Load reads .env (if any) and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Tenant.MaxConnsPerPool < c.Tenant.MinConnsPerPool {
		errs = append(errs, fmt.Errorf("TENANT_MAX_CONNS_PER_POOL (%d) below TENANT_MIN_CONNS_PER_POOL (%d)",
			c.Tenant.MaxConnsPerPool, c.Tenant.MinConnsPerPool))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be positive"))
	}
	if c.Sync.MaxAutoRetries <= 0 {
		errs = append(errs, errors.New("SYNC_MAX_AUTO_RETRIES must be positive"))
	}
	if c.Sync.MaxBatchSize < c.Sync.BatchSize {
		errs = append(errs, errors.New("SYNC_MAX_BATCH_SIZE must not be below SYNC_BATCH_SIZE"))
	}
	if c.Sync.RecentErrorLimit < 0 {
		errs = append(errs, errors.New("SYNC_RECENT_ERROR_LIMIT must not be negative"))
	}
	if c.Sync.RetentionDays < 0 {
		errs = append(errs, errors.New("SYNC_RETENTION_DAYS must not be negative"))
	}
	if c.Resolver.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("RESOLVER_PROBE_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) Development() bool { return c.Env == "development" }

func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.LogLevel, Development: c.Development()}
}

func (c *Config) Manager() tenant.ManagerConfig {
	m := tenant.DefaultManagerConfig()
	m.CatalogDSN = c.CatalogDSN
	m.DBUser = c.Tenant.DBUser
	m.DBPassword = c.Tenant.DBPassword
	m.SSLMode = c.Tenant.SSLMode
	m.MaxTotalPools = c.Tenant.MaxPools
	m.MaxConnsPerTenant = c.Tenant.MaxConnsPerPool
	m.MinConnsPerTenant = c.Tenant.MinConnsPerPool
	m.PoolIdleTimeout = c.Tenant.PoolIdleTimeout
	m.StatusRecheckInterval = c.Tenant.StatusRecheck
	return m
}

func (c *Config) JWT() auth.JWTConfig { return auth.DefaultJWTConfig(c.JWTSecret) }

func (c *Config) Resolve() routing.ResolverConfig {
	return routing.ResolverConfig{
		ProbeTimeout:  c.Resolver.ProbeTimeout,
		LocateTimeout: c.Resolver.LocateTimeout,
	}
}

func (c *Config) Shipper() replication.ShipperConfig {
	s := replication.DefaultShipperConfig()
	s.BatchSize = c.Sync.BatchSize
	s.DeliveryTimeout = c.Sync.DeliveryTimeout
	return s
}

func (c *Config) Applier() replication.ApplierConfig {
	a := replication.DefaultApplierConfig()
	a.MaxAutoRetries = c.Sync.MaxAutoRetries
	a.RecentErrorLimit = c.Sync.RecentErrorLimit
	a.DefaultBatchSize = c.Sync.BatchSize
	a.MaxBatchSize = c.Sync.MaxBatchSize
	return a
}

func (c *Config) ShipWorker() replication.ShipWorkerConfig {
	return replication.ShipWorkerConfig{PollInterval: c.Sync.PollInterval, RefreshInterval: time.Minute}
}

func (c *Config) ApplyWorker() replication.ApplyWorkerConfig {
	return replication.ApplyWorkerConfig{
		Interval:        c.Sync.ApplyInterval,
		BatchSize:       c.Sync.BatchSize,
		RetentionDays:   c.Sync.RetentionDays,
		CleanupInterval: time.Hour,
	}
}

func (c *Config) SyncClient() syncclient.Config {
	return syncclient.Config{CatalogURL: c.Sync.CatalogURL, Timeout: c.Sync.DeliveryTimeout}
}

func (c *Config) Lease() lease.RedisConfig {
	return lease.RedisConfig{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB}
}
