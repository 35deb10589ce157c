// Package metrics holds the Prometheus collectors for ingestion and serving.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feedgen"

// Metrics groups every collector the service exports. Build one per process
// with New and hand it to the components that record into it.
type Metrics struct {
	EventsReceived  *prometheus.CounterVec
	EventsQueued    prometheus.Counter
	EventsOverflow  prometheus.Counter
	EventsSkipped   prometheus.Counter
	DecodeErrors    prometheus.Counter
	StoreErrors     prometheus.Counter
	PostsIndexed    prometheus.Counter
	PostsDeleted    prometheus.Counter
	QueueDepth      prometheus.Gauge
	ApplyDuration   prometheus.Histogram
	FeedRequests    *prometheus.CounterVec
	PostsPruned     prometheus.Counter
	SourceReconnect *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events read from the upstream source.",
		}, []string{"source"}),
		EventsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_queued_total",
			Help:      "Events appended to the ingestion queue.",
		}),
		EventsOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_overflow_total",
			Help:      "Events processed synchronously because the queue was full.",
		}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Events dropped at enqueue time by the relevance prefilter.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Events dropped because they could not be decoded.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Events dropped because the post store rejected the write.",
		}),
		PostsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_indexed_total",
			Help:      "Relevant post creates forwarded to the store.",
		}),
		PostsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_deleted_total",
			Help:      "Post deletes forwarded to the store.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the ingestion queue.",
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Latency of post store apply calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		FeedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_requests_total",
			Help:      "getFeedSkeleton requests by response status.",
		}, []string{"status"}),
		PostsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_pruned_total",
			Help:      "Posts removed by the retention job.",
		}),
		SourceReconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_reconnects_total",
			Help:      "Upstream connection failures followed by a reconnect.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.EventsReceived,
		m.EventsQueued,
		m.EventsOverflow,
		m.EventsSkipped,
		m.DecodeErrors,
		m.StoreErrors,
		m.PostsIndexed,
		m.PostsDeleted,
		m.QueueDepth,
		m.ApplyDuration,
		m.FeedRequests,
		m.PostsPruned,
		m.SourceReconnect,
	)

	return m
}

// NewUnregistered returns collectors that are not attached to any registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
