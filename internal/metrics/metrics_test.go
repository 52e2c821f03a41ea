package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"matchline/internal/metrics"
)

func TestCollectorObserves(t *testing.T) {
	c := metrics.New("matchline_collector_test")

	c.CandidatesProcessed.WithLabelValues("SEND").Inc()
	c.CandidatesProcessed.WithLabelValues("SKIP").Inc()
	c.CandidatesProcessed.WithLabelValues("SKIP").Inc()
	if got := testutil.ToFloat64(c.CandidatesProcessed.WithLabelValues("SKIP")); got != 2 {
		t.Fatalf("skip count = %v, want 2", got)
	}

	c.SafetyRefusals.WithLabelValues("quota_exceeded").Inc()
	if got := testutil.ToFloat64(c.SafetyRefusals.WithLabelValues("quota_exceeded")); got != 1 {
		t.Fatalf("refusals = %v, want 1", got)
	}

	c.DecisionScore.WithLabelValues("rubric").Observe(0.62)
	if n := testutil.CollectAndCount(c.DecisionScore); n != 1 {
		t.Fatalf("decision score series = %d, want 1", n)
	}

	done := c.Timer("advisor")
	done()
	if n := testutil.CollectAndCount(c.RequestDuration); n != 1 {
		t.Fatalf("request duration series = %d, want 1", n)
	}
}
