package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Push/transform Prometheus metrics. Defined in a standalone package to
// avoid import cycles between the pusher, transformer and HTTP packages.

var (
	PushesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_pushes_enqueued_total",
		Help: "Pushes accepted into a pusher work queue",
	})

	PushBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_push_batches_total",
		Help: "Combined per-client batches forwarded to the user API",
	})

	MutationsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_mutations_forwarded_total",
		Help: "Mutations forwarded to the user API, by batch outcome",
	}, []string{"outcome"})

	MutationsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_mutations_processed_total",
		Help: "Mutations run through the transactor, by result",
	}, []string{"result"})

	GatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_gateway_requests_total",
		Help: "Outbound calls to user endpoints, by component and status class",
	}, []string{"component", "code"})

	GatewayRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_gateway_request_duration_ms",
		Help:    "Outbound call latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	TransformCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_transform_cache_hits_total",
		Help: "Custom-query transformations served from cache",
	})

	TransformCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_transform_cache_misses_total",
		Help: "Custom-query transformations resolved remotely",
	})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_push_queue_depth",
		Help: "Entries currently queued per client group",
	}, []string{"client_group"})
)

// Register registers the sync metrics on the given registry (or the
// default one if nil). Re-registration is tolerated.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		PushesEnqueued,
		PushBatches,
		MutationsForwarded,
		MutationsProcessed,
		GatewayRequests,
		GatewayRequestDuration,
		TransformCacheHits,
		TransformCacheMisses,
		QueueDepth,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
