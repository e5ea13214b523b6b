package gavel

import (
	"context"
	"time"
)

// Store owns the mutable state of running workflow instances. TransitionStep
// is the single atomic mutation primitive: it applies only when the step's
// current status and activation match the expected values, which is what
// keeps a human decision and a firing timeout from both winning the same
// step.
type Store interface {
	DefinitionSource

	SaveDefinition(ctx context.Context, def *WorkflowDefinition) error

	// CreateInstance persists the instance together with its step rows,
	// all in status pending.
	CreateInstance(ctx context.Context, instance *WorkflowInstance) error
	GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, tenantID string) ([]WorkflowInstance, error)
	UpdateInstanceStatus(ctx context.Context, instanceID int64, status WorkflowStatus, finalDecision *Decision) error

	// MarkInstanceTerminal moves an instance into a terminal status only
	// while it is still pending or in progress; a concurrent path that
	// finished it first wins and this call fails with ErrStaleTransition.
	MarkInstanceTerminal(ctx context.Context, instanceID int64, status WorkflowStatus, finalDecision *Decision) error

	GetStep(ctx context.Context, instanceID, stepID int64) (*StepInstance, error)

	// TransitionStep is the compare-and-set primitive. It fails with
	// ErrStaleTransition when the step's status or activation no longer
	// match (from, activation).
	TransitionStep(
		ctx context.Context,
		instanceID, stepID int64,
		from, to StepStatus,
		activation int,
		meta TransitionMeta,
	) (*StepInstance, error)

	// ReassignStep swaps the assignee of an active step and appends to its
	// escalation history; step status and activation stay untouched. Fails
	// with ErrStaleTransition when the step is no longer active.
	ReassignStep(ctx context.Context, instanceID, stepID int64, newApprover string, rec EscalationRecord) (*StepInstance, error)

	GetPendingForApprover(ctx context.Context, tenantID, approverID string) ([]PendingStep, error)

	// ListOverdueSteps returns active steps whose deadline passed before
	// now. The sweeper drives these through the timeout path.
	ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]OverdueStep, error)

	// LogEvent appends an audit record with the next instance-local
	// sequence number.
	LogEvent(ctx context.Context, instanceID int64, stepID *int64, eventType string, payload map[string]any) error
	GetEvents(ctx context.Context, instanceID int64) ([]WorkflowEvent, error)

	GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error)
}
