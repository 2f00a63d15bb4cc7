package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "settlement",
		Name:      "runs_total",
		Help:      "Settlement runs, by outcome (completed, failed, skipped).",
	}, []string{"status"})

	creatorsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "settlement",
		Name:      "creators_settled_total",
		Help:      "Creators whose pending balance was released.",
	})

	creatorsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "settlement",
		Name:      "creators_failed_total",
		Help:      "Creators whose settlement transaction failed.",
	})

	movedCents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "settlement",
		Name:      "pending_moved_cents_total",
		Help:      "Pending cents released to available.",
	})

	autoPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "settlement",
		Name:      "auto_payouts_total",
		Help:      "Auto payouts created during settlement.",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "creator_earnings",
		Subsystem: "settlement",
		Name:      "run_duration_seconds",
		Help:      "Wall time of settlement runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)
