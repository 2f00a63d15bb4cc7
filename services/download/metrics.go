package download

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "download",
		Name:      "tracked_total",
		Help:      "Downloads tracked, by download type.",
	}, []string{"type"})

	milestonesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "creator_earnings",
		Subsystem: "download",
		Name:      "milestones_total",
		Help:      "Free download milestones reached.",
	})
)
