package usecase

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/cattleid/internal/decision"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cattleid",
		Subsystem: "identify",
		Name:      "decisions_total",
		Help:      "Identification decisions by outcome status.",
	}, []string{"status"})

	identifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cattleid",
		Subsystem: "identify",
		Name:      "duration_seconds",
		Help:      "End-to-end identification latency.",
		Buckets:   prometheus.DefBuckets,
	})

	extractorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cattleid",
		Subsystem: "extractor",
		Name:      "failures_total",
		Help:      "Failed feature-extraction calls.",
	})
)

func observeDecision(status decision.Status, elapsed time.Duration) {
	decisionsTotal.WithLabelValues(string(status)).Inc()
	identifyDuration.Observe(elapsed.Seconds())
}
