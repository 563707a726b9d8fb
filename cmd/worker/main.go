// Package main is the entry point for the shard-side sync worker.
// It drains every active hospital's outbox into the catalog inbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medshard/internal/config"
	"medshard/internal/core/tenant"
	"medshard/internal/domain/auth"
	"medshard/internal/domain/replication"
	"medshard/internal/infrastructure/lease"
	"medshard/internal/infrastructure/metrics"
	"medshard/internal/infrastructure/storage/postgres"
	"medshard/internal/infrastructure/syncclient"
	"medshard/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger())
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("starting medshard sync worker", "catalog_url", cfg.Sync.CatalogURL)

	managerCfg := cfg.Manager()
	managerCfg.PoolIdleTimeout = 10 * time.Minute // Shorter for worker

	manager := tenant.NewManager(managerCfg, log,
		tenant.WithConnector(postgres.NewConnector(postgres.ConnectorConfig{
			ApplicationName: "medshard-worker",
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 5 * time.Minute,
		})))
	defer manager.Close()

	locker, closeLocker := newLocker(ctx, cfg, log)
	defer closeLocker()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(metrics.NewPoolCollector(manager))
	collectorSet := metrics.New(registry)

	transport := syncclient.New(cfg.SyncClient(), auth.NewJWTService(cfg.JWT()))
	shipper := replication.NewShipper(postgres.NewOutboxRepo(manager), transport, locker,
		cfg.Shipper(), log, replication.WithShipperMetrics(collectorSet))
	worker := replication.NewShipWorker(manager, shipper, cfg.ShipWorker(), log)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server failed", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	<-done
	log.Info("worker stopped")
}

// newLocker uses Redis when configured so that several worker replicas
// never drain the same shard at once.
func newLocker(ctx context.Context, cfg *config.Config, log *logger.Logger) (replication.Locker, func()) {
	if cfg.Redis.Addr == "" {
		log.Info("REDIS_ADDR not set, drain leases are process-local")
		return lease.NewLocalLocker(), func() {}
	}

	locker, err := lease.NewRedisLocker(ctx, cfg.Lease())
	if err != nil {
		log.Fatalw("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
	}
	return locker, func() { _ = locker.Close() }
}
