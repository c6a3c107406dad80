package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var assignOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "orchestrator",
	Subsystem: "dispatch",
	Name:      "assignments_total",
	Help:      "Assignment round-trip outcomes: accepted, rejected, error, unexpected.",
}, []string{"outcome"})
