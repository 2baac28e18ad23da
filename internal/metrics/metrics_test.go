package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kokino/broker/internal/metrics"
)

func TestTicketsEnqueuedTotal_Increments(t *testing.T) {
	metrics.TicketsEnqueuedTotal.WithLabelValues("agent-1").Inc()
	got := testutil.ToFloat64(metrics.TicketsEnqueuedTotal.WithLabelValues("agent-1"))
	if got < 1 {
		t.Errorf("TicketsEnqueuedTotal = %v, want >= 1", got)
	}
}

func TestActiveAgents_Gauge(t *testing.T) {
	metrics.ActiveAgents.Set(3)
	got := testutil.ToFloat64(metrics.ActiveAgents)
	if got != 3 {
		t.Errorf("ActiveAgents = %v, want 3", got)
	}
}
