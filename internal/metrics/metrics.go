// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache lookup results
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// Routing batch outcomes
const (
	BatchOK            = "ok"
	BatchRequestFailed = "request_failed"
	BatchUnavailable   = "unavailable"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distance_cache_lookups_total",
		Help: "Nearby-origin cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	CacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distance_cache_writes_total",
		Help: "Distance cache upserts by result (ok, error)",
	}, []string{"result"})
)

var (
	ResolvedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "distance_records_resolved_total",
		Help: "Distance records produced by the resolver, by source (live, fallback)",
	}, []string{"source"})

	RoutingBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_batches_total",
		Help: "Routing service batch requests by outcome",
	}, []string{"outcome"})

	EnsureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ensure_distances_duration_seconds",
		Help:    "Time to produce distances for a home coordinate, by cache path",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)

var (
	OutgoingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outgoing_http_request_duration_seconds",
		Help:    "Latency of outgoing HTTP requests to routing and geocoding APIs",
		Buckets: prometheus.DefBuckets,
	}, []string{"url", "method", "status"})
)

var jobsDesc = prometheus.NewDesc(
	"distance_jobs",
	"Batch distance jobs currently held by the queue, by status",
	[]string{"status"}, nil,
)

// NewSessionGauge reports the number of live sessions returned by count.
func NewSessionGauge(count func() int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "distance_sessions_active",
		Help: "Client sessions currently registered",
	}, func() float64 { return float64(count()) })
}

// NewJobCollector reports job counts by status from stats, which is called
// on every scrape. A "total" entry is skipped since it is the sum.
func NewJobCollector(stats func() map[string]int) prometheus.Collector {
	return jobCollector{stats: stats}
}

type jobCollector struct {
	stats func() map[string]int
}

func (c jobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
}

func (c jobCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.stats() {
		if status == "total" {
			continue
		}
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n), status)
	}
}
