package earning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "earning",
		Name:      "events_recorded_total",
		Help:      "Earning events recorded, by event type.",
	}, []string{"event_type"})

	recordedCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "earning",
		Name:      "creator_cents_total",
		Help:      "Creator share credited to pending, in cents, by event type.",
	}, []string{"event_type"})

	duplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "earning",
		Name:      "duplicates_total",
		Help:      "Record calls answered with an already existing event.",
	})

	exemptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "earning",
		Name:      "exempt_total",
		Help:      "Sales of platform owned content that produced no earning.",
	})
)
