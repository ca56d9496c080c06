package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks ceremony and order outcomes for the coordinator.
type Metrics struct {
	SessionsStarted    prometheus.Counter
	SessionsFinalized  prometheus.Counter
	SessionsFailed     *prometheus.CounterVec
	CollisionsDetected prometheus.Counter
	RoundsCompleted    *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
}

// NewMetrics registers the coordinator metrics on the supplied registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "coordinator",
			Name:      "sessions_started_total",
			Help:      "Multisig sessions started.",
		}),
		SessionsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "coordinator",
			Name:      "sessions_finalized_total",
			Help:      "Multisig sessions that produced a shared address.",
		}),
		SessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "coordinator",
			Name:      "sessions_failed_total",
			Help:      "Multisig sessions that reached a terminal failure.",
		}, []string{"reason"}),
		CollisionsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "coordinator",
			Name:      "fingerprint_collisions_total",
			Help:      "Round-1 fingerprint collisions detected and retried.",
		}),
		RoundsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "coordinator",
			Name:      "rounds_completed_total",
			Help:      "Key ceremony rounds completed.",
		}, []string{"round"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "coordinator",
			Name:      "session_duration_seconds",
			Help:      "Wall time from start_escrow to a terminal session state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	reg.MustRegister(
		m.SessionsStarted,
		m.SessionsFinalized,
		m.SessionsFailed,
		m.CollisionsDetected,
		m.RoundsCompleted,
		m.SessionDuration,
	)
	return m
}
