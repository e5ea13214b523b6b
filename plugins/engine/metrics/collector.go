package metrics

import (
	"time"

	"github.com/gavelhq/gavel"
)

type MetricsCollector interface {
	RecordWorkflowStarted(tenantID string, entityType gavel.EntityType)
	RecordWorkflowFinished(tenantID string, entityType gavel.EntityType, status gavel.WorkflowStatus, duration time.Duration)
	RecordStepActivated(tenantID string, entityType gavel.EntityType, stepName string)
	RecordStepResolved(tenantID string, entityType gavel.EntityType, stepName string, status gavel.StepStatus, duration time.Duration)
}
