package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and histograms the write-consistency core
// exposes. A single instance is constructed per process and threaded
// into WC and ES; tests may construct their own with a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	ProtocolOutcomes  *prometheus.CounterVec
	ProtocolDuration  prometheus.Histogram
	PendingSetSize    prometheus.Gauge
	EventsDispatched  *prometheus.CounterVec
	ListenerFailures  prometheus.Counter
	SubscriptionRetry prometheus.Counter
}

// NewMetrics builds a Metrics bundle registered against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,
		ProtocolOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "writecoord",
			Subsystem: "protocol",
			Name:      "outcomes_total",
			Help:      "Count of write-consistency protocol runs by outcome.",
		}, []string{"outcome"}),
		ProtocolDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "writecoord",
			Subsystem: "protocol",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of RunConsistencyProtocol invocations.",
			Buckets:   prometheus.DefBuckets,
		}),
		PendingSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "writecoord",
			Subsystem: "protocol",
			Name:      "pending_set_size",
			Help:      "Sum of initial pending-ack set sizes across all writes between INSERT_ACKS and CLEANUP.",
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "writecoord",
			Subsystem: "eventsub",
			Name:      "events_dispatched_total",
			Help:      "Count of change events dispatched to listeners, by event name and kind.",
		}, []string{"event_name", "kind"}),
		ListenerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "writecoord",
			Subsystem: "eventsub",
			Name:      "listener_failures_total",
			Help:      "Count of listener callbacks that returned an error or panicked.",
		}),
		SubscriptionRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "writecoord",
			Subsystem: "eventsub",
			Name:      "subscription_retries_total",
			Help:      "Count of change-stream (re)establishment attempts.",
		}),
	}
	reg.MustRegister(
		m.ProtocolOutcomes,
		m.ProtocolDuration,
		m.PendingSetSize,
		m.EventsDispatched,
		m.ListenerFailures,
		m.SubscriptionRetry,
	)
	return m
}
