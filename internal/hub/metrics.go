package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the hub is doing; served on /metrics.
type Metrics struct {
	Connections      prometheus.Gauge
	RoomsOpen        prometheus.Gauge
	DeltasApplied    prometheus.Counter
	DeltasDropped    prometheus.Counter
	PresenceMessages prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inkroom_connections",
			Help: "Currently connected clients.",
		}),
		RoomsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inkroom_rooms_open",
			Help: "Rooms with a running replica.",
		}),
		DeltasApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "inkroom_deltas_applied_total",
			Help: "Document deltas merged into room replicas.",
		}),
		DeltasDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "inkroom_deltas_dropped_total",
			Help: "Deltas dropped as malformed or unauthorized.",
		}),
		PresenceMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "inkroom_presence_messages_total",
			Help: "Presence updates fanned out.",
		}),
	}
}
