package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics holds the Prometheus metrics owned by the engine.
type engineMetrics struct {
	// rebuildsTotal counts rebuild requests by outcome: "ok", "error" or
	// "coalesced".
	rebuildsTotal *prometheus.CounterVec

	// rebuildDurationSeconds records the wall time of rebuilds that ran.
	rebuildDurationSeconds prometheus.Histogram

	// indexChunks is the number of chunks in the published index.
	indexChunks prometheus.Gauge

	// retrievalsTotal counts retrieval requests by outcome: "ok", "empty"
	// or "error".
	retrievalsTotal *prometheus.CounterVec

	// retrievalDurationSeconds records query embedding plus search latency.
	retrievalDurationSeconds prometheus.Histogram
}

// newEngineMetrics registers the engine metrics against reg. A nil reg
// registers into a private registry so engines built without one (tests,
// one-shot CLI commands) never collide on the default registerer.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &engineMetrics{
		rebuildsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Total number of index rebuild requests, partitioned by outcome.",
		}, []string{"outcome"}),

		rebuildDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragchat",
			Subsystem: "index",
			Name:      "rebuild_duration_seconds",
			Help:      "Wall-clock duration of index rebuilds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),

		indexChunks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragchat",
			Subsystem: "index",
			Name:      "chunks",
			Help:      "Number of chunks in the published index.",
		}),

		retrievalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragchat",
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Total number of retrieval requests, partitioned by outcome.",
		}, []string{"outcome"}),

		retrievalDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragchat",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Latency of retrieval requests (query embedding plus search).",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
