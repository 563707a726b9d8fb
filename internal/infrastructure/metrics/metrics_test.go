package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medshard/internal/core/tenant"
	"medshard/internal/domain/replication"
	"medshard/internal/domain/routing"
)

func TestCollectors_RoutingAndReplication(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ObserveProbe(routing.ProbeHit, 5*time.Millisecond)
	c.ObserveProbe(routing.ProbeTimeout, 2*time.Second)
	c.ObserveProbe(routing.ProbeTimeout, 2*time.Second)
	c.ObserveLocate(true, 3, 10*time.Millisecond)

	c.EventApplied("COMPLAINT", replication.OpInsert)
	c.EventFailed("COMPLAINT")
	c.BatchShipped(5, 10, 9, 50*time.Millisecond)
	c.ShipFailed(5)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.probes.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.probes.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.locates.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsApplied.WithLabelValues("COMPLAINT", "INSERT")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.shipped.WithLabelValues("5")))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.acked.WithLabelValues("5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.shipFailures.WithLabelValues("5")))
}

type staticStats tenant.ManagerStats

func (s staticStats) Stats() tenant.ManagerStats { return tenant.ManagerStats(s) }

func TestPoolCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPoolCollector(staticStats{
		TotalPools: 2,
		Pools: []tenant.PoolStats{
			{Key: tenant.CatalogKey, IdleConns: 3, AcquiredConns: 1, LastUsed: time.Now()},
			{Key: tenant.TenantKey(5), TenantID: 5, IdleConns: 1, ActiveRefs: 2, LastUsed: time.Now()},
		},
	}))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]int)
	for _, f := range families {
		names[f.GetName()] = len(f.GetMetric())
	}
	assert.Equal(t, 1, names["medshard_pools_open"])
	assert.Equal(t, 4, names["medshard_pool_connections"])
	assert.Equal(t, 2, names["medshard_pool_active_refs"])
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := New(prometheus.NewRegistry())
	r := gin.New()
	r.Use(c.GinMiddleware())
	r.GET("/sync/status", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	for _, path := range []string{"/sync/status", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpReqs.WithLabelValues("GET", "/sync/status", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpReqs.WithLabelValues("GET", "unmatched", "404")))
	assert.Zero(t, testutil.ToFloat64(c.httpInflight))
}
