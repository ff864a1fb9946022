package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	routerConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "loomctl",
			Subsystem: "router",
			Name:      "connections",
			Help:      "Nodes currently connected to the network router.",
		},
	)
	routerMessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loomctl",
			Subsystem: "router",
			Name:      "messages_routed_total",
			Help:      "Kernel messages forwarded to a connected target.",
		},
		[]string{"target"},
	)
	routerMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loomctl",
			Subsystem: "router",
			Name:      "messages_dropped_total",
			Help:      "Kernel messages dropped because the target was not connected.",
		},
		[]string{"target"},
	)
	routerHandshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loomctl",
			Subsystem: "router",
			Name:      "handshake_failures_total",
			Help:      "Connections dropped during the identity handshake.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			routerConnections,
			routerMessagesRouted,
			routerMessagesDropped,
			routerHandshakeFailures,
		)
	})
}

func RecordConnectionOpened() {
	RegisterMetrics()
	routerConnections.Inc()
}

func RecordConnectionClosed() {
	RegisterMetrics()
	routerConnections.Dec()
}

func RecordMessageRouted(target string) {
	RegisterMetrics()
	routerMessagesRouted.WithLabelValues(target).Inc()
}

func RecordMessageDropped(target string) {
	RegisterMetrics()
	routerMessagesDropped.WithLabelValues(target).Inc()
}

func RecordHandshakeFailure() {
	RegisterMetrics()
	routerHandshakeFailures.Inc()
}
