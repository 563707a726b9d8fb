// Package main is the entry point for the catalog API server.
// It hosts the replication inbox, the trash and cross-shard lookups.
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

	"medshard/internal/config"
	"medshard/internal/core/tenant"
	"medshard/internal/domain/auth"
	"medshard/internal/domain/entity"
	"medshard/internal/domain/replication"
	"medshard/internal/domain/routing"
	"medshard/internal/domain/trash"
	v1 "medshard/internal/infrastructure/http/v1"
	"medshard/internal/infrastructure/metrics"
	"medshard/internal/infrastructure/storage/postgres"
	"medshard/pkg/logger"
)

const version = "0.1.0"

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

	log.Infow("starting medshard server", "version", version)

	// --- Pool cache ---
	manager := tenant.NewManager(cfg.Manager(), log,
		tenant.WithConnector(postgres.NewConnector(postgres.DefaultConnectorConfig())))
	defer manager.Close()

	if _, err := manager.CatalogPool(ctx); err != nil {
		log.Fatalw("failed to connect to catalog database", "error", err)
	}
	log.Info("catalog database connection established")

	if cfg.Tenant.Prewarm {
		if err := manager.PrewarmPools(ctx); err != nil {
			log.Warnw("failed to prewarm some pools", "error", err)
		}
	}

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(metrics.NewPoolCollector(manager))
	collectorSet := metrics.New(registry)

	// --- Domain ---
	entities := entity.Default()
	catalogTx := postgres.NewTxManager(tenant.CatalogKey.String(), manager.CatalogPool)

	resolver := routing.NewResolver(manager.Registry(), postgres.NewShardProber(manager), entities,
		cfg.Resolve(), log, routing.WithObserver(collectorSet))
	shardRouter := routing.NewRouter(manager, resolver, log)

	trashRepo, err := postgres.NewTrashRepo(catalogTx, postgres.DefaultCompressThreshold)
	if err != nil {
		log.Fatalw("failed to create trash repository", "error", err)
	}
	shardEffects := postgres.NewShardEffects(manager, postgres.NewOutboxRepo(manager), log)
	trashService := trash.NewService(trashRepo, shardEffects, manager.Registry(), entities, log)

	applier := replication.NewApplier(catalogTx,
		postgres.NewInboxRepo(catalogTx),
		postgres.NewMirrorRepo(catalogTx),
		entities,
		cfg.Applier(),
		log,
		replication.WithApplierMetrics(collectorSet),
	)

	applyDone := make(chan struct{})
	go func() {
		defer close(applyDone)
		replication.RunApplyLoop(ctx, applier, cfg.ApplyWorker(), log)
	}()

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		Pools:        manager,
		Logger:       log,
		JWTValidator: auth.NewJWTService(cfg.JWT()),
		Sync:         applier,
		CleanupDays:  cfg.Sync.RetentionDays,
		Locator:      resolver,
		Router:       shardRouter,
		Trash:        trashService,
		Metrics:      collectorSet,
		Gatherer:     registry,
		Version:      version,
	})

	// --- HTTP Server ---
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}
	<-applyDone

	log.Info("server stopped")
}
