package payout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "payout",
		Name:      "requests_total",
		Help:      "Payout requests created, by origin (manual or auto).",
	}, []string{"origin"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "payout",
		Name:      "transitions_total",
		Help:      "Payout request status transitions, by target status.",
	}, []string{"status"})
)
