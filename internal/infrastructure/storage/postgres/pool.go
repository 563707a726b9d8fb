// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"medshard/internal/core/tenant"
)

// ConnectorConfig tunes every pool the tenant manager opens.
type ConnectorConfig struct {
	ApplicationName string
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConnectorConfig returns sensible defaults for production.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		ApplicationName: "medshard",
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// NewConnector returns a tenant.Connector that tags sessions with the
// application name and verifies the pool before handing it out.
func NewConnector(cfg ConnectorConfig) tenant.Connector {
	return func(ctx context.Context, poolConfig *pgxpool.Config) (*pgxpool.Pool, error) {
		if cfg.MaxConnLifetime > 0 {
			poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
		}
		if cfg.MaxConnIdleTime > 0 {
			poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
		}

		appName := cfg.ApplicationName
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if appName == "" {
				return nil
			}
			_, err := conn.Exec(ctx, "SELECT set_config('application_name', $1, false)", appName)
			return err
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return pool, nil
	}
}

// ShardPools hands out reference-counted shard pools.
// *tenant.Manager implements it.
type ShardPools interface {
	TenantPool(ctx context.Context, tenantID int64) (*tenant.ManagedPool, error)
}

// withShard runs fn against the shard's pool while holding a pool reference,
// so the manager cannot close the pool mid-call.
func withShard(ctx context.Context, pools ShardPools, tenantID int64, fn func(txm *TxManager) error) error {
	mp, err := pools.TenantPool(ctx, tenantID)
	if err != nil {
		return err
	}
	mp.AcquireRef()
	defer mp.ReleaseRef()

	return fn(NewTxManagerFromRawPool(mp.Key().String(), mp.Pool()))
}
