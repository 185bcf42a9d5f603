// Package metrics holds the Prometheus collectors of the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Name:      "ws_open_connections",
		Help:      "Conversation channels currently joined.",
	})

	EventsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "ws_events_in_total",
		Help:      "Inbound events by kind.",
	}, []string{"kind"})

	EventsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "ws_events_out_total",
		Help:      "Outbound events written to sockets by type.",
	}, []string{"type"})

	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "ws_broadcast_drops_total",
		Help:      "Handles closed because their send buffer was full.",
	})

	ReplayedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "backlog_replayed_messages_total",
		Help:      "Backlog messages streamed on connect.",
	})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat",
		Name:      "store_op_seconds",
		Help:      "Message store operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)
