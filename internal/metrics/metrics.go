// Package metrics holds the Prometheus collectors. The control plane
// exposes them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric in production. Tests pass their own so
// repeated registrations on the default registry do not collide.
const Namespace = "matchline"

type Collector struct {
	CandidatesProcessed *prometheus.CounterVec
	Sends               *prometheus.CounterVec
	SafetyRefusals      *prometheus.CounterVec
	DecisionScore       *prometheus.HistogramVec
	PlannerTurns        prometheus.Histogram
	RequestDuration     *prometheus.HistogramVec
	RunDuration         prometheus.Histogram
}

func New(namespace string) *Collector {
	return &Collector{
		CandidatesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_processed_total",
			Help:      "Candidates processed, by final outcome.",
		}, []string{"outcome"}),
		Sends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Send attempts, by result (verified, failed, blocked).",
		}, []string{"result"}),
		SafetyRefusals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_refusals_total",
			Help:      "Actions refused by the safety monitor, by reason.",
		}, []string{"reason"}),
		DecisionScore: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_score",
			Help:      "Verdict scores, by decision mode.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"mode"}),
		PlannerTurns: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "planner_turns_per_candidate",
			Help:      "Planner turns spent on one candidate.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "External request latency, by service (planner, advisor).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of completed runs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
	}
}

// Timer observes the elapsed time for one external request when the
// returned func runs.
func (c *Collector) Timer(service string) func() {
	start := time.Now()
	return func() {
		c.RequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	}
}
