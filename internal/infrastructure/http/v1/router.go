// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appctx "medshard/internal/core/context"
	"medshard/internal/infrastructure/http/v1/handlers"
	"medshard/internal/infrastructure/http/v1/middleware"
	"medshard/internal/infrastructure/metrics"
	"medshard/pkg/logger"
)

// RouterConfig holds the services behind the API.
type RouterConfig struct {
	// Pools backs the health endpoints.
	Pools handlers.PoolMonitor

	Logger *logger.Logger

	// JWTValidator for token validation
	JWTValidator middleware.JWTValidator

	// Sync is the catalog inbox. Nil leaves /sync unregistered.
	Sync handlers.SyncService
	// CleanupDays is the default retention of DELETE /sync/cleanup.
	CleanupDays int

	Locator handlers.Locator
	Router  handlers.EntityRouter
	Trash   handlers.TrashService

	// Metrics and Gatherer are optional; /metrics is served when Gatherer is set.
	Metrics  *metrics.Collectors
	Gatherer prometheus.Gatherer

	Version string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.GinMiddleware())
	}

	// Health endpoints (no auth)
	if cfg.Pools != nil {
		health := handlers.NewHealthHandler(cfg.Pools, cfg.Version)
		group := router.Group("/health")
		{
			group.GET("/live", health.Live)
			group.GET("/ready", health.Ready)
			group.GET("/info", health.Info)
			group.GET("/tenants", health.TenantsStats)
		}
	}

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	base := handlers.NewBaseHandler()
	registerSyncRoutes(router, base, cfg)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.JWTValidator))
	v1.Use(middleware.TenantHints())
	registerEntityRoutes(v1, base, cfg)
	registerTrashRoutes(v1, base, cfg)

	return router
}

// registerSyncRoutes registers the replication endpoints. Shards post with
// service tokens; everything else is for operators.
func registerSyncRoutes(r *gin.Engine, base *handlers.BaseHandler, cfg RouterConfig) {
	if cfg.Sync == nil {
		return
	}
	handler := handlers.NewSyncHandler(base, cfg.Sync, cfg.CleanupDays)

	sync := r.Group("/sync")
	sync.Use(middleware.Auth(cfg.JWTValidator))

	sync.POST("/inbox", middleware.RequireRole(appctx.RoleSyncAgent), handler.Inbox)

	admin := sync.Group("", middleware.RequireAdmin())
	{
		admin.GET("/status", handler.Status)
		admin.POST("/process", handler.Process)
		admin.POST("/retry/:inboxId", handler.Retry)
		admin.DELETE("/cleanup", handler.Cleanup)
	}
}

func registerEntityRoutes(rg *gin.RouterGroup, base *handlers.BaseHandler, cfg RouterConfig) {
	if cfg.Locator == nil || cfg.Router == nil || cfg.Trash == nil {
		return
	}
	handler := handlers.NewEntityHandler(base, cfg.Locator, cfg.Router, cfg.Trash)

	entities := rg.Group("/entities/:type/:key")
	entities.GET("/location", middleware.RequireAdmin(), handler.Location)
	entities.DELETE("", handler.Delete)
}

func registerTrashRoutes(rg *gin.RouterGroup, base *handlers.BaseHandler, cfg RouterConfig) {
	if cfg.Trash == nil {
		return
	}
	handler := handlers.NewTrashHandler(base, cfg.Trash)

	trash := rg.Group("/trash")
	{
		trash.GET("", handler.List)
		trash.GET("/:id", handler.Get)
		trash.POST("/:id/restore", handler.Restore)
		trash.POST("/:id/purge", handler.Purge)
	}
}
