// Package metrics exposes a pager's fault statistics as a
// prometheus.Collector, grounded on the corpus's RDMA exporter collector
// (other_examples: yuuki-rdma_exporter's internal/collector.RdmaCollector):
// a stateless Collect that reads a snapshot and emits const metrics,
// no persistent vector state to keep in sync.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/distmem/pager/pkg/stats"
)

// Source is the subset of *stats.Stats the collector depends on.
type Source interface {
	Snapshot() stats.Snapshot
}

// Collector implements prometheus.Collector over one pager's fault stats.
type Collector struct {
	source Source

	localFaultsDesc  *prometheus.Desc
	remoteFaultsDesc *prometheus.Desc
	missRatioDesc    *prometheus.Desc
	medianUsDesc     *prometheus.Desc
	p99UsDesc        *prometheus.Desc
}

// New builds a Collector reading from source. nodeID is attached as a
// constant label so one Prometheus instance can scrape every node in the
// cluster through a single registry.
func New(source Source, nodeID int) *Collector {
	labels := prometheus.Labels{"node": strconv.Itoa(nodeID)}

	return &Collector{
		source: source,
		localFaultsDesc: prometheus.NewDesc(
			"pager_local_faults_total", "Page faults served from local memory.", nil, labels),
		remoteFaultsDesc: prometheus.NewDesc(
			"pager_remote_faults_total", "Page faults served by fetching from a remote node.", nil, labels),
		missRatioDesc: prometheus.NewDesc(
			"pager_remote_miss_ratio", "Fraction of faults served remotely.", nil, labels),
		medianUsDesc: prometheus.NewDesc(
			"pager_fault_latency_median_us", "Median fault-service latency in microseconds.", nil, labels),
		p99UsDesc: prometheus.NewDesc(
			"pager_fault_latency_p99_us", "P99 fault-service latency in microseconds.", nil, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.localFaultsDesc
	ch <- c.remoteFaultsDesc
	ch <- c.missRatioDesc
	ch <- c.medianUsDesc
	ch <- c.p99UsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.localFaultsDesc, prometheus.CounterValue, float64(snap.LocalFaults))
	ch <- prometheus.MustNewConstMetric(c.remoteFaultsDesc, prometheus.CounterValue, float64(snap.RemoteFaults))
	ch <- prometheus.MustNewConstMetric(c.missRatioDesc, prometheus.GaugeValue, snap.RemoteMissRatio())

	if median, ok := snap.Median(); ok {
		ch <- prometheus.MustNewConstMetric(c.medianUsDesc, prometheus.GaugeValue, float64(median))
	}

	if p99, ok := snap.P99(); ok {
		ch <- prometheus.MustNewConstMetric(c.p99UsDesc, prometheus.GaugeValue, float64(p99))
	}
}
