package stats

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports snapshots of named sources as Prometheus metrics. The
// source name becomes the "role" label (client, server, ...).
type Collector struct {
	sources map[string]Source

	requests     *prometheus.Desc
	timeouts     *prometheus.Desc
	cacheHits    *prometheus.Desc
	responseTime *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string, sources map[string]Source) *Collector {
	return &Collector{
		sources: sources,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rpc", "requests_total"),
			"Finished RPC requests by outcome.",
			[]string{"role", "outcome"}, nil),
		timeouts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rpc", "timeouts_total"),
			"RPC requests that failed by timeout.",
			[]string{"role"}, nil),
		cacheHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rpc", "cache_hits_total"),
			"RPC requests answered from the result cache.",
			[]string{"role"}, nil),
		responseTime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rpc", "response_time_seconds"),
			"Response time of network calls.",
			[]string{"role", "stat"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.timeouts
	ch <- c.cacheHits
	ch <- c.responseTime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	roles := make([]string, 0, len(c.sources))
	for role := range c.sources {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		s := c.sources[role].Snapshot()
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.SuccessfulRequests), role, "success")
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.FailedRequests), role, "failure")
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.TimeoutRequests), role)
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.CacheHits), role)
		ch <- prometheus.MustNewConstMetric(c.responseTime, prometheus.GaugeValue, s.AverageResponseTime.Seconds(), role, "avg")
		ch <- prometheus.MustNewConstMetric(c.responseTime, prometheus.GaugeValue, s.MinResponseTime.Seconds(), role, "min")
		ch <- prometheus.MustNewConstMetric(c.responseTime, prometheus.GaugeValue, s.MaxResponseTime.Seconds(), role, "max")
	}
}
