package pubsub

import "github.com/prometheus/client_golang/prometheus"

// metrics is the small set of counters/gauges a single Session exposes.
// Grounded in bitechdev-ResolveSpec and quay-claircore, both of which wire
// prometheus/client_golang into their connection/coordination layers.
type metrics struct {
	reconnects       prometheus.Counter
	reconnectFailed  prometheus.Counter
	locksAcquired    prometheus.Counter
	locksLost        prometheus.Counter
	messagesRouted   prometheus.Counter
	messagesDropped  prometheus.Counter
	decodeErrors     prometheus.Counter
	activeListens    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, sessionID string) *metrics {
	labels := prometheus.Labels{"session": sessionID}
	factory := prometheus.WrapRegistererWith(labels, reg)

	m := &metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_reconnects_total",
			Help: "Successful reconnect cycles completed by this session.",
		}),
		reconnectFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_reconnect_exhausted_total",
			Help: "Times this session gave up reconnecting after exhausting its retry limit.",
		}),
		locksAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_lock_acquired_total",
			Help: "Channel locks acquired by this session.",
		}),
		locksLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_lock_lost_total",
			Help: "Channel locks released or lost by this session.",
		}),
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_messages_routed_total",
			Help: "Application notifications delivered to handlers.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_messages_dropped_total",
			Help: "Application notifications dropped because this session was not the active listener.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_decode_errors_total",
			Help: "Notifications that failed unpack.",
		}),
		activeListens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgpubsub_active_listens",
			Help: "Channels this session currently holds the lock for (single-listener mode only; multi-listener channels are not counted).",
		}),
	}

	// Registration failures (e.g. a duplicate collector under test) are
	// non-fatal: metrics are an observability aid, not correctness.
	for _, c := range []prometheus.Collector{
		m.reconnects, m.reconnectFailed, m.locksAcquired, m.locksLost,
		m.messagesRouted, m.messagesDropped, m.decodeErrors, m.activeListens,
	} {
		_ = factory.Register(c)
	}

	return m
}
