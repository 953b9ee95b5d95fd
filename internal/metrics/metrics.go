package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments the sync engine exposes. Each
// Orchestrator owns one Metrics value registered against its own registry so
// that multiple collections (and multiple tests) never collide on the
// default global registry.
type Metrics struct {
	registry *prometheus.Registry

	PullsTotal          prometheus.Counter
	PullErrorsTotal     prometheus.Counter
	PullLatency         prometheus.Histogram
	PushesTotal         prometheus.Counter
	PushErrorsTotal     prometheus.Counter
	PushLatency         prometheus.Histogram
	ChangesMerged       prometheus.Counter
	UnreplicatedSize    prometheus.Gauge
	CheckpointValue     prometheus.Gauge
	SnapshotRecoveries  prometheus.Counter
	ReconciledPhantoms  prometheus.Counter
	IsLeader            prometheus.Gauge
	LeaderElections     prometheus.Counter
}

// New constructs a Metrics value for one collection, giving every
// instrument a constant "collection" label so multiple collections can be
// told apart on a shared dashboard even though each has its own registry.
func New(collection string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"collection": collection}

	return &Metrics{
		registry: reg,
		PullsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "syncengine_pulls_total",
			Help:        "Total number of pull rounds attempted against the remote transport.",
			ConstLabels: constLabels,
		}),
		PullErrorsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "syncengine_pull_errors_total",
			Help:        "Total number of pull rounds that failed.",
			ConstLabels: constLabels,
		}),
		PullLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:        "syncengine_pull_latency_seconds",
			Help:        "Pull round-trip latency distribution.",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 10),
			ConstLabels: constLabels,
		}),
		PushesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "syncengine_pushes_total",
			Help:        "Total number of push rounds attempted against the remote transport.",
			ConstLabels: constLabels,
		}),
		PushErrorsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "syncengine_push_errors_total",
			Help:        "Total number of push rounds that failed.",
			ConstLabels: constLabels,
		}),
		PushLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:        "syncengine_push_latency_seconds",
			Help:        "Push round-trip latency distribution.",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 10),
			ConstLabels: constLabels,
		}),
		ChangesMerged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "syncengine_changes_merged_total",
			Help:        "Total number of remote changes merged into the CRDT store.",
			ConstLabels: constLabels,
		}),
		UnreplicatedSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "syncengine_unreplicated_size",
			Help:        "Current size of the unreplicated set.",
			ConstLabels: constLabels,
		}),
		CheckpointValue: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "syncengine_checkpoint_last_modified",
			Help:        "Current checkpoint high-watermark.",
			ConstLabels: constLabels,
		}),
		SnapshotRecoveries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "syncengine_snapshot_recoveries_total",
			Help:        "Total number of snapshot-recovery passes performed.",
			ConstLabels: constLabels,
		}),
		ReconciledPhantoms: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "syncengine_reconciled_phantoms_total",
			Help:        "Total number of phantom documents removed by reconciliation.",
			ConstLabels: constLabels,
		}),
		IsLeader: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "syncengine_is_leader",
			Help:        "1 if this process currently holds tab leadership, 0 otherwise.",
			ConstLabels: constLabels,
		}),
		LeaderElections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "syncengine_leader_elections_total",
			Help:        "Total number of times this process became leader.",
			ConstLabels: constLabels,
		}),
	}
}

// Registry returns the private registry backing this Metrics value, for
// callers that want to expose it behind an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
