package txmanager

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "acid_bank"

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	Transfers        *prometheus.CounterVec
	Votes            *prometheus.CounterVec
	RollbackFailures prometheus.Counter
	Duration         prometheus.Histogram
	InFlight         prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txmanager",
			Name:      "transfers_total",
			Help:      "Transfers by outcome.",
		}, []string{"outcome"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txmanager",
			Name:      "prepare_votes_total",
			Help:      "Prepare votes by bank and vote.",
		}, []string{"bank", "vote"}),
		RollbackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txmanager",
			Name:      "rollback_failures_total",
			Help:      "Branch rollbacks that failed and were left to recovery.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txmanager",
			Name:      "transfer_duration_seconds",
			Help:      "Wall time of Transfer.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "txmanager",
			Name:      "in_flight",
			Help:      "Global transactions currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Transfers, m.Votes, m.RollbackFailures, m.Duration, m.InFlight)
	}
	return m
}

// outcome labels a finished Transfer.
func outcome(err error) string {
	if err == nil {
		return "committed"
	}
	switch KindOf(err) {
	case KindValidation:
		return "rejected"
	case KindInDoubt:
		return "in_doubt"
	}
	return "aborted"
}
