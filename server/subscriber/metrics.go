package subscriber

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// stats are the counters shared by the registry and the hub.
type stats struct {
	connsLive    atomic.Int64
	upstreamLive atomic.Int64
	received     atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	openFailed   atomic.Int64
}

// Collector exports the subscriber statistics in Prometheus format.
type Collector struct {
	stats *stats

	connsLive    *prometheus.Desc
	upstreamLive *prometheus.Desc
	received     *prometheus.Desc
	delivered    *prometheus.Desc
	dropped      *prometheus.Desc
	openFailed   *prometheus.Desc
}

func newCollector(namespace string, st *stats) *Collector {
	return &Collector{
		stats: st,
		connsLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_live_count"),
			"Number of currently open push connections.",
			nil,
			nil,
		),
		upstreamLive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "upstream_live_count"),
			"Number of currently open upstream subscriptions.",
			nil,
			nil,
		),
		received: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "messages_received_total"),
			"Total number of messages received from upstream.",
			nil,
			nil,
		),
		delivered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "messages_delivered_total"),
			"Total number of messages written to push connections.",
			nil,
			nil,
		),
		dropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "messages_dropped_total"),
			"Total number of messages which could not be stored.",
			nil,
			nil,
		),
		openFailed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "upstream_open_failures_total"),
			"Total number of failed attempts to open an upstream subscription.",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connsLive
	ch <- c.upstreamLive
	ch <- c.received
	ch <- c.delivered
	ch <- c.dropped
	ch <- c.openFailed
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.connsLive, prometheus.GaugeValue, float64(c.stats.connsLive.Load()))
	ch <- prometheus.MustNewConstMetric(c.upstreamLive, prometheus.GaugeValue, float64(c.stats.upstreamLive.Load()))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(c.stats.received.Load()))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(c.stats.delivered.Load()))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.stats.dropped.Load()))
	ch <- prometheus.MustNewConstMetric(c.openFailed, prometheus.CounterValue, float64(c.stats.openFailed.Load()))
}
