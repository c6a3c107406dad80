package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedRobots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "connected_robots",
		Help:      "Number of live robot connections.",
	})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "messages_received_total",
		Help:      "Inbound protocol messages by type.",
	}, []string{"type"})

	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "messages_sent_total",
		Help:      "Outbound protocol messages written to robot sockets.",
	})

	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "auth_failures_total",
		Help:      "Robot channel connections rejected for bad credentials.",
	})

	supersededConns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "superseded_connections_total",
		Help:      "Connections replaced by a reconnect from the same robot.",
	})

	staleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "stale_evictions_total",
		Help:      "Connections evicted after heartbeat timeout.",
	})
)
