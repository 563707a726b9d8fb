package routing

import (
	"context"
	"errors"
	"fmt"

	appctx "medshard/internal/core/context"
	"medshard/internal/core/tenant"
	"medshard/pkg/logger"
)

// PoolSource hands out validated tenant pools. tenant.Manager implements it.
type PoolSource interface {
	TenantPool(ctx context.Context, tenantID int64) (*tenant.ManagedPool, error)
}

// Route is a shard pool checked out for one request. Call Release when done.
type Route struct {
	TenantID int64
	Source   Source
	Pool     *tenant.ManagedPool
}

// Release returns the pool reference taken by the router.
func (r *Route) Release() {
	if r != nil && r.Pool != nil {
		r.Pool.ReleaseRef()
	}
}

// Router is the only gateway from request code to a shard.
type Router struct {
	pools    PoolSource
	resolver *Resolver
	log      *logger.Logger
}

func NewRouter(pools PoolSource, resolver *Resolver, log *logger.Logger) *Router {
	return &Router{
		pools:    pools,
		resolver: resolver,
		log:      log.WithComponent("shard-router"),
	}
}

// Pick applies hint precedence without touching any database.
// The caller's own tenant fills the last slot when the HintSet leaves it empty.
func Pick(hints HintSet, caller *appctx.UserContext) (int64, Source, error) {
	if hints.Caller == 0 && caller != nil {
		hints.Caller = caller.TenantID
	}
	if id, src, ok := hints.First(); ok {
		return id, src, nil
	}
	if caller.CanSpanTenants() {
		return 0, "", ErrResolveRequired
	}
	return 0, "", ErrTenantRequired
}

// RouteFor resolves hints to an active tenant's pool.
func (r *Router) RouteFor(ctx context.Context, hints HintSet, caller *appctx.UserContext) (*Route, error) {
	tenantID, src, err := Pick(hints, caller)
	if err != nil {
		return nil, err
	}
	return r.open(ctx, tenantID, src)
}

// RouteEntity routes by hint, or locates the entity across shards when a
// privileged caller supplied none.
func (r *Router) RouteEntity(ctx context.Context, hints HintSet, caller *appctx.UserContext, entityType, key string) (*Route, error) {
	route, err := r.RouteFor(ctx, hints, caller)
	if !errors.Is(err, ErrResolveRequired) {
		return route, err
	}
	if r.resolver == nil {
		return nil, ErrTenantRequired
	}

	tenantID, err := r.resolver.Locate(ctx, LocateQuery{EntityType: entityType, Key: key})
	if err != nil {
		return nil, err
	}
	return r.open(ctx, tenantID, SourceResolver)
}

func (r *Router) open(ctx context.Context, tenantID int64, src Source) (*Route, error) {
	mp, err := r.pools.TenantPool(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("route tenant %d: %w", tenantID, err)
	}
	mp.AcquireRef()

	r.log.WithContext(ctx).Debugw("routed to shard", "tenant_id", tenantID, "hint_source", src)
	return &Route{TenantID: tenantID, Source: src, Pool: mp}, nil
}
