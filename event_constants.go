package gavel

const (
	// Event types
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowRejected  = "workflow_rejected"
	EventWorkflowCancelled = "workflow_cancelled"
	EventStepActivated     = "step_activated"
	EventStepApproved      = "step_approved"
	EventStepRejected      = "step_rejected"
	EventStepReassigned    = "step_reassigned"
	EventStepEscalated     = "step_escalated"
	EventStepTimedOut      = "step_timed_out"
	EventStepSkipped       = "step_skipped"

	// Event data keys
	KeyTenantID      = "tenant_id"
	KeyEntityType    = "entity_type"
	KeyEntityID      = "entity_id"
	KeyDefinitionID  = "definition_id"
	KeyTemplateID    = "template_id"
	KeyStepName      = "step_name"
	KeyAssignee      = "assignee"
	KeyPrevAssignee  = "prev_assignee"
	KeyDecision      = "decision"
	KeyDecidedBy     = "decided_by"
	KeyInitiator     = "initiator"
	KeyReason        = "reason"
	KeyActivation    = "activation"
	KeyDeadline      = "deadline"
	KeyFinalDecision = "final_decision"
)
