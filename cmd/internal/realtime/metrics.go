package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pawfect",
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawfect",
		Name:      "realtime_events_total",
		Help:      "Events fanned out to rooms, by event name.",
	}, []string{"event"})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pawfect",
		Name:      "realtime_dropped_total",
		Help:      "Deliveries dropped because a client queue was full or closing.",
	})
)
