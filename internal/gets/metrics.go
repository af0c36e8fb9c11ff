package gets

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the claim and reconciliation instruments.
type Metrics struct {
	claimAttempts        *prometheus.CounterVec
	claimCommitLatency   prometheus.Histogram
	reconcileCorrections prometheus.Counter
	reconcileRuns        *prometheus.CounterVec
	leaderboardEntries   prometheus.GaugeFunc
}

// NewMetrics registers the instruments on promRegistry. entries reports the current
// number of ranked users and may be nil.
func NewMetrics(promRegistry prometheus.Registerer, entries func() int) *Metrics {
	promautoFactory := promauto.With(promRegistry)
	m := &Metrics{}
	m.claimAttempts = promautoFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "voyager_claim_attempts_total",
		Help: "claim attempts by outcome",
	}, []string{"outcome"})
	m.claimCommitLatency = promautoFactory.NewHistogram(prometheus.HistogramOpts{
		Name:    "voyager_claim_commit_seconds",
		Help:    "latency of a claim attempt from commit to ranked outcome",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	m.reconcileCorrections = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "voyager_reconcile_corrections_total",
		Help: "leaderboard entries corrected from the claim ledger",
	})
	m.reconcileRuns = promautoFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "voyager_reconcile_runs_total",
		Help: "reconciliation passes by result",
	}, []string{"result"})
	if entries != nil {
		m.leaderboardEntries = promautoFactory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "voyager_leaderboard_entries",
			Help: "number of ranked users",
		}, func() float64 { return float64(entries()) })
	}
	return m
}

func (m *Metrics) observeAttempt(kind OutcomeKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.claimAttempts.WithLabelValues(string(kind)).Inc()
	m.claimCommitLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) observeReconcile(corrections int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.reconcileRuns.WithLabelValues("error").Inc()
		return
	}
	m.reconcileRuns.WithLabelValues("ok").Inc()
	m.reconcileCorrections.Add(float64(corrections))
}
