package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gavelhq/gavel"
)

func TestPrometheusCollectorWorkflowMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordWorkflowStarted("acme", gavel.EntityTypeOrder)
	c.RecordWorkflowFinished("acme", gavel.EntityTypeOrder, gavel.StatusCompleted, 150*time.Millisecond)

	if got := testutil.ToFloat64(c.workflowStarted.WithLabelValues("acme", "order")); got != 1 {
		t.Fatalf("workflowStarted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.workflowFinished.WithLabelValues("acme", "order", "completed")); got != 1 {
		t.Fatalf("workflowFinished = %v, want 1", got)
	}
}

func TestPrometheusCollectorStepMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordStepActivated("acme", gavel.EntityTypeOrder, "Manager approval")
	c.RecordStepResolved("acme", gavel.EntityTypeOrder, "Manager approval", gavel.StepStatusApproved, time.Second)

	if got := testutil.ToFloat64(c.stepActivated.WithLabelValues("acme", "order", "Manager approval")); got != 1 {
		t.Fatalf("stepActivated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.stepResolved.WithLabelValues("acme", "order", "Manager approval", "approved")); got != 1 {
		t.Fatalf("stepResolved = %v, want 1", got)
	}
}
