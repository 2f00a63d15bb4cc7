package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	postingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "ledger",
		Name:      "postings_total",
		Help:      "Ledger entries appended, by entry type.",
	}, []string{"type"})

	postedCents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "ledger",
		Name:      "posted_cents_total",
		Help:      "Sum of posted amounts in cents, by entry type.",
	}, []string{"type"})

	reconcileDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "ledger",
		Name:      "reconcile_drift_total",
		Help:      "Balances overwritten by reconciliation because they drifted from the journal.",
	})
)
