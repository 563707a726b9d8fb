package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"medshard/pkg/logger"
)

// ManagerConfig configures Manager behavior.
type ManagerConfig struct {
	// Catalog connection string, taken from process configuration.
	CatalogDSN      string
	CatalogMaxConns int32

	// Fallback credentials for shards whose catalog row carries none.
	DBUser     string
	DBPassword string
	SSLMode    string

	// Pool settings (per tenant)
	MaxConnsPerTenant int32
	MinConnsPerTenant int32

	// Connection settings
	ConnectTimeout time.Duration

	// Lifecycle settings
	MaxTotalPools         int           // Max simultaneous pools (0 = unlimited)
	PoolIdleTimeout       time.Duration // Close pool after inactivity (0 = never)
	HealthCheckPeriod     time.Duration // How often to check pool health (0 = never)
	StatusRecheckInterval time.Duration // Re-read a cached tenant's active flag (0 = never)
}

// DefaultManagerConfig returns production-safe defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CatalogMaxConns:       20,
		SSLMode:               "disable",
		MaxConnsPerTenant:     10,
		MinConnsPerTenant:     1,
		ConnectTimeout:        10 * time.Second,
		MaxTotalPools:         100,
		PoolIdleTimeout:       30 * time.Minute,
		HealthCheckPeriod:     time.Minute,
		StatusRecheckInterval: 30 * time.Second,
	}
}

// Connector opens a pool from a parsed config.
// The default connector pings the database before returning.
type Connector func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error)

func defaultConnector(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ManagedPool wraps pgxpool.Pool with lifecycle tracking.
type ManagedPool struct {
	key      PoolKey
	pool     *pgxpool.Pool
	tenant   *Tenant      // nil for the catalog
	lastUsed atomic.Int64 // Unix timestamp
	refCount atomic.Int32 // Active requests using this pool
	// checkedAt is when the tenant's active flag was last confirmed (unix nano).
	checkedAt atomic.Int64
	// unhealthySince is set when health check fails (unix timestamp). 0 means healthy/unknown.
	unhealthySince atomic.Int64
	// retired pools are already out of the cache and close on their last ReleaseRef.
	retired   atomic.Bool
	closeOnce sync.Once
}

// Touch updates last used timestamp.
func (mp *ManagedPool) Touch() {
	mp.lastUsed.Store(time.Now().Unix())
}

// Key returns the cache key.
func (mp *ManagedPool) Key() PoolKey {
	return mp.key
}

// Pool returns underlying pgxpool.Pool.
func (mp *ManagedPool) Pool() *pgxpool.Pool {
	return mp.pool
}

// Tenant returns tenant info, nil for the catalog pool.
func (mp *ManagedPool) Tenant() *Tenant {
	return mp.tenant
}

// AcquireRef increments reference count (for tracking active requests).
func (mp *ManagedPool) AcquireRef() {
	mp.refCount.Add(1)
}

// ReleaseRef decrements reference count.
func (mp *ManagedPool) ReleaseRef() {
	if mp.refCount.Add(-1) <= 0 && mp.retired.Load() {
		mp.close()
	}
}

func (mp *ManagedPool) close() {
	mp.closeOnce.Do(mp.pool.Close)
}

// Manager caches one connection pool per PoolKey.
// Thread-safe for concurrent access; concurrent first use of a key creates exactly one pool.
type Manager struct {
	config   ManagerConfig
	registry Registry
	connect  Connector

	pools     sync.Map // map[PoolKey]*ManagedPool
	poolCount atomic.Int32
	creating  singleflight.Group
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRegistry replaces the catalog-backed registry.
func WithRegistry(r Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithConnector replaces the function that opens pools.
func WithConnector(c Connector) Option {
	return func(m *Manager) { m.connect = c }
}

// NewManager creates a new multi-tenant connection manager.
// Unless WithRegistry is given, tenants are read from the catalog through this manager.
func NewManager(cfg ManagerConfig, log *logger.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:  cfg,
		connect: defaultConnector,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.WithComponent("tenant-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = NewPostgresRegistry(m)
	}

	// Start background workers
	if cfg.PoolIdleTimeout > 0 {
		m.wg.Add(1)
		go m.evictionLoop()
	}

	if cfg.HealthCheckPeriod > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop()
	}

	m.log.Infow("multi-tenant manager started",
		"max_pools", cfg.MaxTotalPools,
		"idle_timeout", cfg.PoolIdleTimeout,
		"health_check_period", cfg.HealthCheckPeriod,
		"status_recheck", cfg.StatusRecheckInterval,
	)

	return m
}

// CatalogPool returns the catalog database pool.
func (m *Manager) CatalogPool(ctx context.Context) (*pgxpool.Pool, error) {
	mp, err := m.GetPool(ctx, CatalogKey)
	if err != nil {
		return nil, err
	}
	return mp.pool, nil
}

// TenantPool returns the pool of one hospital shard.
func (m *Manager) TenantPool(ctx context.Context, tenantID int64) (*ManagedPool, error) {
	return m.GetPool(ctx, TenantKey(tenantID))
}

// GetPool returns the pool for key, creating it on first use.
// Tenant keys fail with ErrTenantNotFound or ErrTenantInactive before any connection is opened.
func (m *Manager) GetPool(ctx context.Context, key PoolKey) (*ManagedPool, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	// Fast path: pool exists
	if mp, ok := m.load(key); ok {
		if err := m.recheckStatus(ctx, mp); err != nil {
			return nil, err
		}
		mp.Touch()
		return mp, nil
	}

	// Slow path: one creator per key, everyone else waits for its result.
	v, err, _ := m.creating.Do(string(key), func() (any, error) {
		if mp, ok := m.load(key); ok {
			return mp, nil
		}
		return m.createPool(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	mp := v.(*ManagedPool)
	mp.Touch()
	return mp, nil
}

func (m *Manager) load(key PoolKey) (*ManagedPool, bool) {
	val, ok := m.pools.Load(key)
	if !ok {
		return nil, false
	}
	return val.(*ManagedPool), true
}

// createPool creates a new connection pool for key.
func (m *Manager) createPool(ctx context.Context, key PoolKey) (*ManagedPool, error) {
	// Check limits
	if m.config.MaxTotalPools > 0 && int(m.poolCount.Load()) >= m.config.MaxTotalPools {
		return nil, fmt.Errorf("%w (%d)", ErrMaxPoolLimit, m.config.MaxTotalPools)
	}

	var (
		t        *Tenant
		dsn      string
		maxConns = m.config.MaxConnsPerTenant
		minConns = m.config.MinConnsPerTenant
	)

	if key.IsCatalog() {
		dsn = m.config.CatalogDSN
		maxConns, minConns = m.config.CatalogMaxConns, 0
	} else {
		tenantID, err := key.TenantID()
		if err != nil {
			return nil, err
		}

		t, err = m.lookupActive(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		dsn = t.DSN(m.config.DBUser, m.config.DBPassword, m.config.SSLMode)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn for %s: %w", key, err)
	}

	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MinConns = minConns
	if m.config.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = m.config.HealthCheckPeriod
	}
	if m.config.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = m.config.ConnectTimeout
	}

	// The pool outlives the request that happened to create it.
	createCtx := context.WithoutCancel(ctx)
	if m.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		createCtx, cancel = context.WithTimeout(createCtx, m.config.ConnectTimeout)
		defer cancel()
	}

	pool, err := m.connect(createCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", key, err)
	}

	mp := &ManagedPool{
		key:    key,
		pool:   pool,
		tenant: t,
	}
	mp.Touch()
	mp.checkedAt.Store(time.Now().UnixNano())

	// Store (Evict/Close may have raced the creator)
	actual, loaded := m.pools.LoadOrStore(key, mp)
	if loaded {
		pool.Close()
		return actual.(*ManagedPool), nil
	}

	m.poolCount.Add(1)
	m.log.Infow("created pool",
		"pool_key", key,
		"db_name", t.DisplayDB(),
		"total_pools", m.poolCount.Load(),
	)

	return mp, nil
}

func (m *Manager) lookupActive(ctx context.Context, tenantID int64) (*Tenant, error) {
	t, err := m.registry.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrTenantNotFound, tenantID)
		}
		return nil, fmt.Errorf("tenant lookup failed: %w", err)
	}
	if !t.IsActive {
		return nil, fmt.Errorf("%w: %d", ErrTenantInactive, tenantID)
	}
	return t, nil
}

// recheckStatus re-reads a cached tenant's row once StatusRecheckInterval has passed.
// A tenant that was deactivated or removed loses its pool.
func (m *Manager) recheckStatus(ctx context.Context, mp *ManagedPool) error {
	interval := m.config.StatusRecheckInterval
	if mp.tenant == nil || interval <= 0 {
		return nil
	}
	checked := mp.checkedAt.Load()
	if time.Since(time.Unix(0, checked)) < interval {
		return nil
	}
	if !mp.checkedAt.CompareAndSwap(checked, time.Now().UnixNano()) {
		// Another request is already re-checking.
		return nil
	}

	_, err := m.lookupActive(ctx, mp.tenant.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTenantInactive), errors.Is(err, ErrTenantNotFound):
		m.retire(mp, "tenant no longer active")
		return err
	default:
		// Catalog hiccup: keep serving from the cached pool.
		m.log.Warnw("tenant status recheck failed", "pool_key", mp.key, "error", err)
		return nil
	}
}

// Evict closes and removes one cached pool, e.g. after credential rotation.
// A pool still used by in-flight requests is closed when its last reference is released.
func (m *Manager) Evict(key PoolKey) bool {
	mp, ok := m.load(key)
	if !ok {
		return false
	}
	m.retire(mp, "evicted")
	return true
}

// EvictAll closes every cached pool without stopping the manager.
func (m *Manager) EvictAll() int {
	var n int
	m.pools.Range(func(_, value any) bool {
		m.retire(value.(*ManagedPool), "evict all")
		n++
		return true
	})
	return n
}

// retire removes mp from the cache and closes it once unused.
func (m *Manager) retire(mp *ManagedPool, reason string) {
	if !m.pools.CompareAndDelete(mp.key, mp) {
		return
	}
	m.poolCount.Add(-1)
	mp.retired.Store(true)
	if mp.refCount.Load() <= 0 {
		mp.close()
	}

	m.log.Infow("closed pool",
		"pool_key", mp.key,
		"reason", reason,
		"total_pools", m.poolCount.Load(),
	)
}

// evictionLoop closes idle pools periodically.
func (m *Manager) evictionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PoolIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdlePools()
		}
	}
}

// evictIdlePools closes tenant pools that haven't been used recently.
func (m *Manager) evictIdlePools() {
	threshold := time.Now().Add(-m.config.PoolIdleTimeout).Unix()

	m.pools.Range(func(_, value any) bool {
		mp := value.(*ManagedPool)

		// Don't evict if actively in use
		if mp.refCount.Load() > 0 {
			return true
		}

		// If pool was marked unhealthy and is not in use, close it ASAP.
		// The catalog pool is handed out without a ref, so it is never retired here.
		if mp.unhealthySince.Load() > 0 && !mp.key.IsCatalog() {
			m.retire(mp, "unhealthy pool (no active refs)")
			return true
		}

		if !mp.key.IsCatalog() && mp.lastUsed.Load() < threshold {
			m.retire(mp, "idle timeout")
		}

		return true
	})
}

// healthCheckLoop monitors pool health.
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkPoolsHealth()
		}
	}
}

// checkPoolsHealth pings all pools and closes unhealthy ones.
func (m *Manager) checkPoolsHealth() {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	m.pools.Range(func(_, value any) bool {
		mp := value.(*ManagedPool)

		if err := mp.pool.Ping(ctx); err != nil {
			if mp.unhealthySince.Load() == 0 {
				mp.unhealthySince.Store(time.Now().Unix())
			}
			m.log.Warnw("pool health check failed",
				"pool_key", mp.key,
				"error", err,
			)
			// Never close pools that are currently used by active requests.
			// pgxpool redials the catalog on its own once it is reachable again.
			if mp.refCount.Load() == 0 && !mp.key.IsCatalog() {
				m.retire(mp, "health check failed")
			}
			return true
		}

		if mp.unhealthySince.Load() != 0 {
			mp.unhealthySince.Store(0)
		}
		return true
	})
}

// Close shuts down manager and all pools gracefully.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.log.Info("shutting down multi-tenant manager...")

	// Stop background workers
	m.cancel()
	m.wg.Wait()

	poolsClosed := m.EvictAll()

	m.log.Infow("multi-tenant manager closed", "pools_closed", poolsClosed)
}

// Stats returns current manager statistics.
func (m *Manager) Stats() ManagerStats {
	var stats ManagerStats
	stats.TotalPools = int(m.poolCount.Load())

	m.pools.Range(func(_, value any) bool {
		mp := value.(*ManagedPool)
		poolStats := mp.pool.Stat()

		stats.TotalConns += int(poolStats.TotalConns())
		stats.IdleConns += int(poolStats.IdleConns())
		stats.AcquiredConns += int(poolStats.AcquiredConns())

		ps := PoolStats{
			Key:           mp.key,
			DBName:        mp.tenant.DisplayDB(),
			TotalConns:    int(poolStats.TotalConns()),
			IdleConns:     int(poolStats.IdleConns()),
			AcquiredConns: int(poolStats.AcquiredConns()),
			ActiveRefs:    int(mp.refCount.Load()),
			LastUsed:      time.Unix(mp.lastUsed.Load(), 0),
		}
		if mp.tenant != nil {
			ps.TenantID = mp.tenant.ID
		}
		stats.Pools = append(stats.Pools, ps)
		return true
	})

	return stats
}

// ManagerStats contains manager runtime statistics.
type ManagerStats struct {
	TotalPools    int
	TotalConns    int
	IdleConns     int
	AcquiredConns int
	Pools         []PoolStats
}

// PoolStats contains per-pool statistics.
type PoolStats struct {
	Key           PoolKey
	TenantID      int64
	DBName        string
	TotalConns    int
	IdleConns     int
	AcquiredConns int
	ActiveRefs    int
	LastUsed      time.Time
}

// ListActiveTenants returns all active tenants from the registry, ordered by ID.
func (m *Manager) ListActiveTenants(ctx context.Context) ([]*Tenant, error) {
	return m.registry.ListActive(ctx)
}

// Registry returns the tenant registry.
func (m *Manager) Registry() Registry {
	return m.registry
}

// PrewarmPools creates pools for all active tenants.
// Useful for reducing latency on first requests.
func (m *Manager) PrewarmPools(ctx context.Context) error {
	tenants, err := m.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}

	m.log.Infow("prewarming pools", "tenant_count", len(tenants))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(8)

	for _, t := range tenants {
		g.Go(func() error {
			if _, err := m.TenantPool(ctx, t.ID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("prewarm tenant %d: %w", t.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		m.log.Warnw("some pools failed to prewarm", "error_count", len(errs))
		return errors.Join(errs...)
	}

	m.log.Info("all pools prewarmed successfully")
	return nil
}
