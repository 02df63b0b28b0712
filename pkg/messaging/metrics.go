package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	FetchedMessages prometheus.Counter
	Fetches         *prometheus.CounterVec
	Sends           *prometheus.CounterVec
	Reads           *prometheus.CounterVec
	RealtimeEvents  *prometheus.CounterVec
	Evictions       prometheus.Counter
	Subscriptions   prometheus.Gauge
}

// NewMetrics creates the client's collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests and embedders
// without a metrics endpoint want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ephemera",
			Subsystem: "messaging",
			Name:      "fetched_messages_total",
			Help:      "Messages added to the cache by page fetches",
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemera",
			Subsystem: "messaging",
			Name:      "fetches_total",
			Help:      "Page fetches by result",
		}, []string{"result"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemera",
			Subsystem: "messaging",
			Name:      "sends_total",
			Help:      "Message sends by result",
		}, []string{"result"}),
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemera",
			Subsystem: "messaging",
			Name:      "read_markers_total",
			Help:      "Read marker updates by result",
		}, []string{"result"}),
		RealtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemera",
			Subsystem: "messaging",
			Name:      "realtime_events_total",
			Help:      "Pushed events by outcome",
		}, []string{"outcome"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ephemera",
			Subsystem: "messaging",
			Name:      "cache_evictions_total",
			Help:      "Conversations evicted from the cache",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ephemera",
			Subsystem: "messaging",
			Name:      "subscriptions",
			Help:      "Open conversation subscriptions",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FetchedMessages,
			m.Fetches,
			m.Sends,
			m.Reads,
			m.RealtimeEvents,
			m.Evictions,
			m.Subscriptions,
		)
	}
	return m
}
