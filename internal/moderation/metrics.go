package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reportsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "moderation",
		Name:      "reports_total",
		Help:      "Total reports accepted",
	})

	// freezeTransitions counts freeze state changes.
	// Labels: transition (frozen, cleared, cycle_reset)
	freezeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "moderation",
		Name:      "freeze_transitions_total",
		Help:      "Total freeze state transitions",
	}, []string{"transition"})

	frozenScopes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixelboard",
		Subsystem: "moderation",
		Name:      "frozen_scopes",
		Help:      "Number of scope keys currently frozen",
	})
)
