// Package metrics provides Prometheus metrics collection for meterd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the accounting pipeline.
type Collector struct {
	// Ingestion metrics
	EventsSubmitted prometheus.Counter
	EventsDropped   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	// Aggregation metrics
	EventsProcessed *prometheus.CounterVec
	DedupSkips      prometheus.Counter
	TxnRetries      prometheus.Counter
	ProcessDuration prometheus.Histogram

	// FX metrics
	FxFetches   *prometheus.CounterVec
	FxCacheHits prometheus.Counter
}

// New creates a collector registered on the given registerer.
// Pass prometheus.NewRegistry() in tests to avoid global registration.
func New(reg prometheus.Registerer) *Collector {
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Collector{
		EventsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "events_submitted_total",
			Help:      "Usage events accepted by Submit",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "events_dropped_total",
			Help:      "Usage events dropped before aggregation",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meterd",
			Name:      "queue_depth",
			Help:      "Events currently queued for aggregation",
		}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "events_processed_total",
			Help:      "Aggregation outcomes per result",
		}, []string{"result"}),
		DedupSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "dedup_skips_total",
			Help:      "Events skipped because the request id was already counted",
		}),
		TxnRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "txn_retries_total",
			Help:      "Guarded transaction retries after contention",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meterd",
			Name:      "process_duration_seconds",
			Help:      "Time to aggregate one event",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		FxFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "fx_fetches_total",
			Help:      "Exchange-rate fetches per outcome",
		}, []string{"outcome"}),
		FxCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterd",
			Name:      "fx_cache_hits_total",
			Help:      "Rate resolutions served from the in-process cache",
		}),
	}

	factory(m.EventsSubmitted)
	factory(m.EventsDropped)
	factory(m.QueueDepth)
	factory(m.EventsProcessed)
	factory(m.DedupSkips)
	factory(m.TxnRetries)
	factory(m.ProcessDuration)
	factory(m.FxFetches)
	factory(m.FxCacheHits)

	return m
}
