// Package metrics exposes Prometheus collectors for pools, shard routing,
// replication and HTTP traffic.
//
// Label sets stay bounded: tenant IDs only label per-shard replication
// series, and HTTP paths use the registered gin route.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"medshard/internal/core/tenant"
	"medshard/internal/domain/replication"
	"medshard/internal/domain/routing"
)

const namespace = "medshard"

var (
	_ routing.Observer    = (*Collectors)(nil)
	_ replication.Metrics = (*Collectors)(nil)
)

// Collectors holds every series the service exports.
type Collectors struct {
	probes        *prometheus.CounterVec
	probeLatency  *prometheus.HistogramVec
	locates       *prometheus.CounterVec
	locateLatency prometheus.Histogram
	locateProbes  prometheus.Histogram

	eventsApplied *prometheus.CounterVec
	eventsFailed  *prometheus.CounterVec
	shipped       *prometheus.CounterVec
	acked         *prometheus.CounterVec
	shipFailures  *prometheus.CounterVec
	shipLatency   *prometheus.HistogramVec

	httpReqs     *prometheus.CounterVec
	httpLat      *prometheus.HistogramVec
	httpInflight prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "probes_total",
			Help: "Shard probes by outcome (hit, miss, error, timeout).",
		}, []string{"outcome"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "probe_duration_seconds",
			Help:    "Duration of single shard probes.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"outcome"}),
		locates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "locates_total",
			Help: "Cross-shard locate calls by result.",
		}, []string{"result"}),
		locateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "locate_duration_seconds",
			Help:    "Duration of cross-shard locate calls.",
			Buckets: prometheus.DefBuckets,
		}),
		locateProbes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "locate_probes",
			Help:    "Shards probed per locate call.",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
		}),

		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "events_applied_total",
			Help: "Inbox events applied to mirror tables.",
		}, []string{"entity_type", "operation"}),
		eventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "events_failed_total",
			Help: "Inbox events whose apply failed.",
		}, []string{"entity_type"}),
		shipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "events_sent_total",
			Help: "Outbox events delivered to the catalog.",
		}, []string{"tenant_id"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "events_acked_total",
			Help: "Outbox events acknowledged and marked sent.",
		}, []string{"tenant_id"}),
		shipFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "delivery_failures_total",
			Help: "Failed batch deliveries.",
		}, []string{"tenant_id"}),
		shipLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "delivery_duration_seconds",
			Help:    "Round-trip time of batch deliveries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant_id"}),

		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		c.probes, c.probeLatency, c.locates, c.locateLatency, c.locateProbes,
		c.eventsApplied, c.eventsFailed, c.shipped, c.acked, c.shipFailures, c.shipLatency,
		c.httpReqs, c.httpLat, c.httpInflight,
	)
	return c
}

func (c *Collectors) ObserveProbe(outcome routing.ProbeOutcome, elapsed time.Duration) {
	c.probes.WithLabelValues(string(outcome)).Inc()
	c.probeLatency.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

func (c *Collectors) ObserveLocate(found bool, probes int, elapsed time.Duration) {
	result := "not_found"
	if found {
		result = "found"
	}
	c.locates.WithLabelValues(result).Inc()
	c.locateLatency.Observe(elapsed.Seconds())
	c.locateProbes.Observe(float64(probes))
}

func (c *Collectors) EventApplied(entityType string, op replication.Operation) {
	c.eventsApplied.WithLabelValues(entityType, string(op)).Inc()
}

func (c *Collectors) EventFailed(entityType string) {
	c.eventsFailed.WithLabelValues(entityType).Inc()
}

func (c *Collectors) BatchShipped(tenantID int64, sent, acked int, elapsed time.Duration) {
	id := strconv.FormatInt(tenantID, 10)
	c.shipped.WithLabelValues(id).Add(float64(sent))
	c.acked.WithLabelValues(id).Add(float64(acked))
	c.shipLatency.WithLabelValues(id).Observe(elapsed.Seconds())
}

func (c *Collectors) ShipFailed(tenantID int64) {
	c.shipFailures.WithLabelValues(strconv.FormatInt(tenantID, 10)).Inc()
}

// StatsSource reports pool cache statistics. *tenant.Manager implements it.
type StatsSource interface {
	Stats() tenant.ManagerStats
}

// PoolCollector reads pool statistics at scrape time.
type PoolCollector struct {
	source   StatsSource
	pools    *prometheus.Desc
	conns    *prometheus.Desc
	refs     *prometheus.Desc
	idleSecs *prometheus.Desc
}

// NewPoolCollector creates a collector over source; register it with the same registry.
func NewPoolCollector(source StatsSource) *PoolCollector {
	return &PoolCollector{
		source: source,
		pools: prometheus.NewDesc(namespace+"_pools_open",
			"Open connection pools.", nil, nil),
		conns: prometheus.NewDesc(namespace+"_pool_connections",
			"Connections per pool by state.", []string{"pool", "state"}, nil),
		refs: prometheus.NewDesc(namespace+"_pool_active_refs",
			"In-flight operations holding a pool.", []string{"pool"}, nil),
		idleSecs: prometheus.NewDesc(namespace+"_pool_idle_seconds",
			"Seconds since a pool was last used.", []string{"pool"}, nil),
	}
}

func (p *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.pools
	ch <- p.conns
	ch <- p.refs
	ch <- p.idleSecs
}

func (p *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := p.source.Stats()
	ch <- prometheus.MustNewConstMetric(p.pools, prometheus.GaugeValue, float64(stats.TotalPools))
	for _, ps := range stats.Pools {
		key := ps.Key.String()
		ch <- prometheus.MustNewConstMetric(p.conns, prometheus.GaugeValue, float64(ps.IdleConns), key, "idle")
		ch <- prometheus.MustNewConstMetric(p.conns, prometheus.GaugeValue, float64(ps.AcquiredConns), key, "acquired")
		ch <- prometheus.MustNewConstMetric(p.refs, prometheus.GaugeValue, float64(ps.ActiveRefs), key)
		ch <- prometheus.MustNewConstMetric(p.idleSecs, prometheus.GaugeValue, time.Since(ps.LastUsed).Seconds(), key)
	}
}
