package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "relay",
		Name:      "events_published_total",
		Help:      "Events fanned out to the hub.",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "relay",
		Name:      "events_dropped_total",
		Help:      "Events evicted from slow subscriber queues.",
	})

	subscriberCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "relay",
		Name:      "subscribers",
		Help:      "Live hub subscribers.",
	})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "relay",
		Name:      "jobs_finished_total",
		Help:      "Terminal job outcomes recorded, by status.",
	}, []string{"status"})

	persistRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "relay",
		Name:      "persist_retries_total",
		Help:      "Store write retries, by operation.",
	}, []string{"op"})

	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "relay",
		Name:      "persist_failures_total",
		Help:      "Store writes abandoned after the retry window, by operation.",
	}, []string{"op"})
)
