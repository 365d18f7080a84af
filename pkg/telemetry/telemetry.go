package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and gauges for the realtime core, exposed on /metrics.
var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "campuschat",
		Name:      "connected_clients",
		Help:      "Number of live websocket connections.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campuschat",
		Name:      "messages_sent_total",
		Help:      "Messages persisted and fanned out.",
	})

	EventsFannedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campuschat",
		Name:      "room_fanouts_total",
		Help:      "Room fan-out operations performed by the hub.",
	})
)
