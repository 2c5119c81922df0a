// Package metrics instruments the agent's internals. Counters live on a
// private registry; hosts that want them scraped can expose Gatherer()
// through their own metrics endpoint. No export pipeline is provided.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds the agent's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	SnapshotsCaptured  prometheus.Counter
	SnapshotsDropped   prometheus.Counter
	CapturesSuppressed prometheus.Counter
	ExceptionsCaptured prometheus.Counter
	Redactions         prometheus.Counter
	PollCycles         *prometheus.CounterVec
	RemoteUpdates      prometheus.Counter
}

// NewCollector creates a collector with its own registry under the given
// namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		SnapshotsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_captured_total",
			Help:      "Total number of breakpoint snapshots captured",
		}),
		SnapshotsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_dropped_total",
			Help:      "Total number of records dropped at the transport queue",
		}),
		CapturesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_suppressed_total",
			Help:      "Total number of captures suppressed by the rate ceiling",
		}),
		ExceptionsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_captured_total",
			Help:      "Total number of exceptions captured",
		}),
		Redactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redactions_total",
			Help:      "Total number of values redacted before leaving the process",
		}),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of control-plane poll cycles by outcome",
		}, []string{"status"}),
		RemoteUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_updates_total",
			Help:      "Total number of breakpoint descriptors applied from remote state",
		}),
	}

	registry.MustRegister(
		c.SnapshotsCaptured,
		c.SnapshotsDropped,
		c.CapturesSuppressed,
		c.ExceptionsCaptured,
		c.Redactions,
		c.PollCycles,
		c.RemoteUpdates,
	)

	return c
}

// Gatherer exposes the private registry for hosts that scrape.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}
