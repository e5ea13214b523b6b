package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gavelhq/gavel"
)

// PrometheusCollector labels by tenant, entity type and step name. Labels
// stay low-cardinality: no per-instance or per-approver labels.
type PrometheusCollector struct {
	workflowStarted  *prometheus.CounterVec
	workflowFinished *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec

	stepActivated *prometheus.CounterVec
	stepResolved  *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
}

func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &PrometheusCollector{
		workflowStarted: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_workflow_started_total",
				Help: "Total number of approval workflows started",
			},
			[]string{"tenant_id", "entity_type"},
		),
		workflowFinished: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_workflow_finished_total",
				Help: "Total number of approval workflows reaching a terminal status",
			},
			[]string{"tenant_id", "entity_type", "status"},
		),
		workflowDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gavel_workflow_duration_seconds",
				Help:    "Time from workflow start to terminal status in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 4, 12),
			},
			[]string{"tenant_id", "entity_type", "status"},
		),
		stepActivated: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_step_activated_total",
				Help: "Total number of approval steps activated",
			},
			[]string{"tenant_id", "entity_type", "step_name"},
		),
		stepResolved: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gavel_step_resolved_total",
				Help: "Total number of approval steps resolved",
			},
			[]string{"tenant_id", "entity_type", "step_name", "status"},
		),
		stepDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gavel_step_duration_seconds",
				Help:    "Time from step activation to resolution in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 4, 12),
			},
			[]string{"tenant_id", "entity_type", "step_name", "status"},
		),
	}
}

func (c *PrometheusCollector) RecordWorkflowStarted(tenantID string, entityType gavel.EntityType) {
	c.workflowStarted.WithLabelValues(tenantID, string(entityType)).Inc()
}

func (c *PrometheusCollector) RecordWorkflowFinished(
	tenantID string,
	entityType gavel.EntityType,
	status gavel.WorkflowStatus,
	duration time.Duration,
) {
	c.workflowFinished.WithLabelValues(tenantID, string(entityType), string(status)).Inc()
	c.workflowDuration.WithLabelValues(tenantID, string(entityType), string(status)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordStepActivated(tenantID string, entityType gavel.EntityType, stepName string) {
	c.stepActivated.WithLabelValues(tenantID, string(entityType), stepName).Inc()
}

func (c *PrometheusCollector) RecordStepResolved(
	tenantID string,
	entityType gavel.EntityType,
	stepName string,
	status gavel.StepStatus,
	duration time.Duration,
) {
	c.stepResolved.WithLabelValues(tenantID, string(entityType), stepName, string(status)).Inc()
	c.stepDuration.WithLabelValues(tenantID, string(entityType), stepName, string(status)).Observe(duration.Seconds())
}
