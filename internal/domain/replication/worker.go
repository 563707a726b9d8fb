package replication

import (
	"context"
	"sync"
	"time"

	appctx "medshard/internal/core/context"
	"medshard/internal/core/tenant"
	"medshard/pkg/logger"
)

// TenantLister lists the shards that should be drained.
type TenantLister interface {
	ListActiveTenants(ctx context.Context) ([]*tenant.Tenant, error)
}

// ShipWorkerConfig sets the shard-side timers.
type ShipWorkerConfig struct {
	PollInterval    time.Duration
	RefreshInterval time.Duration
}

// ShipWorker runs one drain loop per active tenant. A slow or unreachable
// shard only delays its own loop.
type ShipWorker struct {
	tenants TenantLister
	shipper *Shipper
	cfg     ShipWorkerConfig
	log     *logger.Logger

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

func NewShipWorker(tenants TenantLister, shipper *Shipper, cfg ShipWorkerConfig, log *logger.Logger) *ShipWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return &ShipWorker{
		tenants: tenants,
		shipper: shipper,
		cfg:     cfg,
		log:     log.WithComponent("ship-worker"),
		running: make(map[int64]context.CancelFunc),
	}
}

// Run blocks until ctx is cancelled, then waits for every tenant loop to stop.
func (w *ShipWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()

	w.refreshTenants(ctx)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			for _, cancel := range w.running {
				cancel()
			}
			w.mu.Unlock()
			w.wg.Wait()
			return

		case <-ticker.C:
			w.refreshTenants(ctx)
		}
	}
}

// Running returns the IDs of tenants with a live drain loop.
func (w *ShipWorker) Running() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]int64, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	return ids
}

func (w *ShipWorker) refreshTenants(ctx context.Context) {
	tenants, err := w.tenants.ListActiveTenants(ctx)
	if err != nil {
		w.log.Errorw("failed to get active tenants", "error", err)
		return
	}

	active := make(map[int64]struct{}, len(tenants))
	for _, t := range tenants {
		active[t.ID] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for tenantID, cancel := range w.running {
		if _, ok := active[tenantID]; !ok {
			cancel()
			delete(w.running, tenantID)
			w.log.Infow("stopped drain loop for inactive tenant", "tenant_id", tenantID)
		}
	}

	for _, t := range tenants {
		if _, exists := w.running[t.ID]; exists {
			continue
		}
		tenantCtx, cancel := context.WithCancel(ctx)
		w.running[t.ID] = cancel

		w.wg.Add(1)
		go func(tenantID int64) {
			defer w.wg.Done()
			w.runTenantLoop(tenantCtx, tenantID)
		}(t.ID)

		w.log.Infow("started drain loop for tenant", "tenant_id", t.ID)
	}
}

func (w *ShipWorker) runTenantLoop(ctx context.Context, tenantID int64) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Infow("stopping drain loop", "tenant_id", tenantID)
			return
		case <-ticker.C:
			tickCtx := appctx.WithTrace(ctx, appctx.NewTraceContext())
			if _, err := w.shipper.Drain(tickCtx, tenantID); err != nil && ctx.Err() == nil {
				// Transport failures are retried on the next tick; nobody upstream is waiting.
				w.log.WithContext(tickCtx).Warnw("drain failed", "tenant_id", tenantID, "error", err)
			}
		}
	}
}

// ApplyWorkerConfig sets the catalog-side timers.
type ApplyWorkerConfig struct {
	Interval        time.Duration
	BatchSize       int
	RetentionDays   int // 0 disables cleanup
	CleanupInterval time.Duration
}

// RunApplyLoop periodically applies pending inbox rows and prunes old processed rows.
func RunApplyLoop(ctx context.Context, applier *Applier, cfg ApplyWorkerConfig, log *logger.Logger) {
	log = log.WithComponent("apply-worker")
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 6 * time.Hour
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx := appctx.WithTrace(ctx, appctx.NewTraceContext())
			if _, err := applier.ProcessPending(tickCtx, cfg.BatchSize); err != nil && ctx.Err() == nil {
				log.WithContext(tickCtx).Errorw("apply pass failed", "error", err)
			}
		case <-cleanupTicker.C:
			if cfg.RetentionDays <= 0 {
				continue
			}
			if _, err := applier.Cleanup(ctx, cfg.RetentionDays); err != nil && ctx.Err() == nil {
				log.Errorw("inbox cleanup failed", "error", err)
			}
		}
	}
}
