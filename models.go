package gavel

import (
	"time"
)

type EntityType string

const (
	EntityTypeOrder    EntityType = "order"
	EntityTypeQuote    EntityType = "quote"
	EntityTypeContract EntityType = "contract"
	EntityTypePricing  EntityType = "pricing"
)

type CompletionPolicy string

const (
	PolicyAllRequiredApprove CompletionPolicy = "all_required_approve"
	PolicyAnyApprove         CompletionPolicy = "any_approve"
	PolicyWeightedMajority   CompletionPolicy = "weighted_majority"
)

type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "pending"
	StatusInProgress WorkflowStatus = "in_progress"
	StatusCompleted  WorkflowStatus = "completed"
	StatusRejected   WorkflowStatus = "rejected"
	StatusCancelled  WorkflowStatus = "cancelled"
)

func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusCancelled
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusActive    StepStatus = "active"
	StepStatusApproved  StepStatus = "approved"
	StepStatusRejected  StepStatus = "rejected"
	StepStatusEscalated StepStatus = "escalated"
	StepStatusTimedOut  StepStatus = "timed_out"
	StepStatusSkipped   StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	return s == StepStatusApproved || s == StepStatusRejected || s == StepStatusSkipped
}

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

type TimeoutDisposition string

const (
	TimeoutEscalate    TimeoutDisposition = "escalate"
	TimeoutAutoApprove TimeoutDisposition = "auto_approve"
	TimeoutAutoReject  TimeoutDisposition = "auto_reject"
)

// SystemPrincipalID is recorded as the deciding principal when the engine
// itself resolves a step (auto-approve/auto-reject on timeout).
const SystemPrincipalID = "system"

// WorkflowDefinition is a tenant-configured approval template for one entity
// type. Definitions are immutable once loaded; the Registry validates and
// caches them per tenant.
type WorkflowDefinition struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	EntityType       EntityType       `json:"entity_type"`
	Version          int              `json:"version"`
	CompletionPolicy CompletionPolicy `json:"completion_policy"`
	TerritoryScoped  bool             `json:"territory_scoped"`
	Steps            []StepTemplate   `json:"steps"`
	CreatedAt        time.Time        `json:"created_at"`
}

// StepTemplate describes a single approval gate. Templates with the same
// SequenceIndex run in parallel; a higher index activates only after every
// required step at the lower index has resolved.
type StepTemplate struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	SequenceIndex      int                `json:"sequence_index"`
	RequiredPermission string             `json:"required_permission"`
	MaxAmount          *float64           `json:"max_amount,omitempty"`
	Required           bool               `json:"required"`
	Weight             int                `json:"weight"`
	ApproverID         string             `json:"approver_id"`
	EscalationChain    []string           `json:"escalation_chain,omitempty"`
	Timeout            time.Duration      `json:"timeout"` // 0 = never times out
	TimeoutDisposition TimeoutDisposition `json:"timeout_disposition,omitempty"`
	// FallbackDisposition applies when the escalation rule has no next
	// approver. It must be configured explicitly whenever the disposition
	// is escalate; the Registry rejects definitions that omit it.
	FallbackDisposition TimeoutDisposition `json:"fallback_disposition,omitempty"`
}

// EntityRef identifies the business entity a workflow instance approves,
// along with the monetary and territory context the authority checks
// evaluate against.
type EntityRef struct {
	ID          string   `json:"id"`
	Amount      *float64 `json:"amount,omitempty"`
	Territories []string `json:"territories,omitempty"`
}

type WorkflowInstance struct {
	ID            int64          `json:"id"`
	TenantID      string         `json:"tenant_id"`
	EntityType    EntityType     `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	DefinitionID  string         `json:"definition_id"`
	Status        WorkflowStatus `json:"status"`
	Amount        *float64       `json:"amount,omitempty"`
	Territories   []string       `json:"territories,omitempty"`
	StartedBy     string         `json:"started_by"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	FinalDecision *Decision      `json:"final_decision,omitempty"`
	Steps         []StepInstance `json:"steps,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StepInstance is one approval gate inside a running instance. Activation
// starts at 1 and increments on every escalation, so every transition names
// the activation it belongs to; a timer armed for an older activation can
// never resolve the step.
type StepInstance struct {
	ID                int64              `json:"id"`
	InstanceID        int64              `json:"instance_id"`
	TemplateID        string             `json:"template_id"`
	Name              string             `json:"name"`
	SequenceIndex     int                `json:"sequence_index"`
	Required          bool               `json:"required"`
	Weight            int                `json:"weight"`
	Status            StepStatus         `json:"status"`
	Activation        int                `json:"activation"`
	AssignedApprover  string             `json:"assigned_approver,omitempty"`
	Deadline          *time.Time         `json:"deadline,omitempty"`
	DecisionBy        *string            `json:"decision_by,omitempty"`
	DecisionAt        *time.Time         `json:"decision_at,omitempty"`
	DecisionNotes     *string            `json:"decision_notes,omitempty"`
	EscalationHistory []EscalationRecord `json:"escalation_history,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

type EscalationRecord struct {
	FromApprover string    `json:"from_approver"`
	ToApprover   string    `json:"to_approver"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// TransitionMeta carries the optional fields a compare-and-set transition
// writes alongside the status change.
type TransitionMeta struct {
	DecidedBy  string
	Notes      *string
	Reason     string
	Assignee   string
	Activation int // new activation number when re-activating, 0 = keep
	Deadline   *time.Time
	Escalation *EscalationRecord
}

// Principal is the identity attempting an action. Permission sets, approval
// limits and territory membership come from the identity provider; the
// engine never mutates them.
type Principal struct {
	ID             string                 `json:"id"`
	Permissions    []string               `json:"permissions"`
	ApprovalLimits map[EntityType]float64 `json:"approval_limits,omitempty"`
	Territories    []string               `json:"territories,omitempty"`
	System         bool                   `json:"-"`
}

func (p Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}

	return false
}

// SystemPrincipal bypasses authority checks; timeout dispositions decide as it.
func SystemPrincipal() Principal {
	return Principal{ID: SystemPrincipalID, System: true}
}

// WorkflowEvent is one audit record. Seq is monotonically increasing per
// instance and assigned by the store at commit time.
type WorkflowEvent struct {
	ID         int64          `json:"id"`
	InstanceID int64          `json:"instance_id"`
	StepID     *int64         `json:"step_id,omitempty"`
	Seq        int64          `json:"seq"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PendingStep is a row of the approver inbox: an active step joined with
// the instance it belongs to.
type PendingStep struct {
	Step       StepInstance `json:"step"`
	InstanceID int64        `json:"instance_id"`
	TenantID   string       `json:"tenant_id"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Amount     *float64     `json:"amount,omitempty"`
	StartedBy  string       `json:"started_by"`
}

type SummaryStats struct {
	TotalInstances     uint `json:"total_instances"`
	InProgress         uint `json:"in_progress"`
	CompletedInstances uint `json:"completed_instances"`
	RejectedInstances  uint `json:"rejected_instances"`
	CancelledInstances uint `json:"cancelled_instances"`
	ActiveSteps        uint `json:"active_steps"`
	EscalatedSteps     uint `json:"escalated_steps"`
}

// OverdueStep identifies an active step whose deadline has passed; the
// sweeper feeds these back into the timeout path after restarts.
type OverdueStep struct {
	InstanceID int64
	StepID     int64
	Activation int
}
