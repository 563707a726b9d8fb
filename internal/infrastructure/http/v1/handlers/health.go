// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"medshard/internal/core/tenant"
)

// PoolMonitor exposes the pool cache to health checks. *tenant.Manager implements it.
type PoolMonitor interface {
	CatalogPool(ctx context.Context) (*pgxpool.Pool, error)
	Stats() tenant.ManagerStats
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	pools   PoolMonitor
	version string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(pools PoolMonitor, version string) *HealthHandler {
	return &HealthHandler{pools: pools, version: version}
}

// Live handles liveness probe.
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready handles readiness probe - checks the catalog connection.
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx := c.Request.Context()

	pool, err := h.pools.CatalogPool(ctx)
	if err == nil {
		err = pool.Ping(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"checks": map[string]string{
				"catalog": "unhealthy: " + err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": map[string]string{
			"catalog": "healthy",
		},
	})
}

// Info returns application information with pool cache totals.
// GET /health/info
func (h *HealthHandler) Info(c *gin.Context) {
	stats := h.pools.Stats()

	c.JSON(http.StatusOK, gin.H{
		"app":     "medshard",
		"version": h.version,
		"pools": map[string]any{
			"open":           stats.TotalPools,
			"total_conns":    stats.TotalConns,
			"idle_conns":     stats.IdleConns,
			"acquired_conns": stats.AcquiredConns,
		},
	})
}

// TenantsStats returns detailed statistics for every open pool.
// GET /health/tenants
func (h *HealthHandler) TenantsStats(c *gin.Context) {
	stats := h.pools.Stats()

	pools := make([]gin.H, 0, len(stats.Pools))
	for _, p := range stats.Pools {
		pools = append(pools, gin.H{
			"key":            p.Key.String(),
			"tenant_id":      p.TenantID,
			"db_name":        p.DBName,
			"total_conns":    p.TotalConns,
			"idle_conns":     p.IdleConns,
			"acquired_conns": p.AcquiredConns,
			"active_refs":    p.ActiveRefs,
			"last_used":      p.LastUsed,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"total_pools": stats.TotalPools,
		"total_conns": stats.TotalConns,
		"pools":       pools,
	})
}
