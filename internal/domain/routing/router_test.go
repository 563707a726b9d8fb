package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "medshard/internal/core/context"
	"medshard/internal/core/tenant"
	"medshard/internal/domain/entity"
	"medshard/pkg/logger"
)

func TestPick(t *testing.T) {
	staff := &appctx.UserContext{UserID: "u", TenantID: 4}
	admin := &appctx.UserContext{UserID: "a", IsAdmin: true}
	anonymous := &appctx.UserContext{UserID: "x"}

	id, src, err := Pick(HintSet{Header: 3}, staff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)
	assert.Equal(t, SourceHeader, src)

	id, src, err = Pick(HintSet{}, staff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)
	assert.Equal(t, SourceCaller, src)

	_, _, err = Pick(HintSet{}, anonymous)
	assert.ErrorIs(t, err, ErrTenantRequired)

	_, _, err = Pick(HintSet{}, nil)
	assert.ErrorIs(t, err, ErrTenantRequired)

	_, _, err = Pick(HintSet{}, admin)
	assert.ErrorIs(t, err, ErrResolveRequired)
}

func TestRouter_RouteForDelegatesToPoolCache(t *testing.T) {
	pools := &fakePools{}
	r := NewRouter(pools, nil, logger.Nop())

	route, err := r.RouteFor(context.Background(), HintSet{Query: 2, Caller: 9}, nil)
	require.NoError(t, err)
	defer route.Release()

	assert.Equal(t, int64(2), route.TenantID)
	assert.Equal(t, SourceQuery, route.Source)
	assert.Equal(t, []int64{2}, pools.calls)
}

func TestRouter_RouteForSurfacesInactiveTenant(t *testing.T) {
	pools := &fakePools{err: tenant.ErrTenantInactive}
	r := NewRouter(pools, nil, logger.Nop())

	_, err := r.RouteFor(context.Background(), HintSet{Query: 9}, nil)
	assert.ErrorIs(t, err, tenant.ErrTenantInactive)
}

func TestRouter_RouteEntityDefersToResolverForAdmin(t *testing.T) {
	prober := newFakeProber().put(3, "C-2025-000042")
	res := NewResolver(newFakeTenants([]int64{1, 2, 3}), prober, entity.Default(), DefaultResolverConfig(), logger.Nop())
	pools := &fakePools{}
	r := NewRouter(pools, res, logger.Nop())

	admin := &appctx.UserContext{UserID: "a", IsAdmin: true}
	route, err := r.RouteEntity(context.Background(), HintSet{}, admin, entity.TypeComplaint, "C-2025-000042")
	require.NoError(t, err)
	defer route.Release()

	assert.Equal(t, int64(3), route.TenantID)
	assert.Equal(t, SourceResolver, route.Source)
	assert.Equal(t, []int64{3}, pools.calls)
}

func TestRouter_RouteEntityWithHintSkipsResolver(t *testing.T) {
	prober := newFakeProber()
	res := NewResolver(newFakeTenants([]int64{1, 2}), prober, entity.Default(), DefaultResolverConfig(), logger.Nop())
	r := NewRouter(&fakePools{}, res, logger.Nop())

	route, err := r.RouteEntity(context.Background(), HintSet{Body: 2}, nil, entity.TypeComplaint, "C-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), route.TenantID)
	assert.Empty(t, prober.probed())
}
