package gavel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Builder assembles a workflow definition fluently. Steps added after
// Stage() land on the next sequence index and run in parallel with each
// other; steps on the same stage before a Stage() call are siblings.
//
//	def, err := NewBuilder("acme", EntityTypeOrder, 1).
//		Policy(PolicyAllRequiredApprove).
//		Step("manager", "Manager approval").
//		WithMaxAmount(10_000).
//		WithTimeout(48*time.Hour, TimeoutEscalate).
//		WithEscalationChain("director", "vp-sales").
//		Stage().
//		Step("finance", "Finance sign-off").
//		WithPermission("order:finance-approve").
//		Build()
type Builder struct {
	tenantID    string
	entityType  EntityType
	version     int
	policy      CompletionPolicy
	territorial bool
	steps       []StepTemplate
	stage       int
	current     int
}

func NewBuilder(tenantID string, entityType EntityType, version int) *Builder {
	return &Builder{
		tenantID:   tenantID,
		entityType: entityType,
		version:    version,
		policy:     PolicyAllRequiredApprove,
		current:    -1,
	}
}

func (builder *Builder) Policy(policy CompletionPolicy) *Builder {
	builder.policy = policy

	return builder
}

func (builder *Builder) TerritoryScoped() *Builder {
	builder.territorial = true

	return builder
}

// Stage advances to the next sequence index. Calling it before any Step,
// or repeatedly without an intervening Step, is a no-op, so stages never
// end up empty.
func (builder *Builder) Stage() *Builder {
	for i := range builder.steps {
		if builder.steps[i].SequenceIndex == builder.stage {
			builder.stage++

			break
		}
	}
	builder.current = -1

	return builder
}

func (builder *Builder) Step(id, name string) *Builder {
	builder.steps = append(builder.steps, StepTemplate{
		ID:            id,
		Name:          name,
		SequenceIndex: builder.stage,
		Required:      true,
		Weight:        1,
	})
	builder.current = len(builder.steps) - 1

	return builder
}

func (builder *Builder) WithApprover(approverID string) *Builder {
	if builder.current >= 0 {
		builder.steps[builder.current].ApproverID = approverID
	}

	return builder
}

func (builder *Builder) WithPermission(permission string) *Builder {
	if builder.current >= 0 {
		builder.steps[builder.current].RequiredPermission = permission
	}

	return builder
}

func (builder *Builder) WithMaxAmount(amount float64) *Builder {
	if builder.current >= 0 {
		builder.steps[builder.current].MaxAmount = &amount
	}

	return builder
}

func (builder *Builder) WithTimeout(timeout time.Duration, disposition TimeoutDisposition) *Builder {
	if builder.current >= 0 {
		builder.steps[builder.current].Timeout = timeout
		builder.steps[builder.current].TimeoutDisposition = disposition
	}

	return builder
}

func (builder *Builder) WithFallback(disposition TimeoutDisposition) *Builder {
	if builder.current >= 0 {
		builder.steps[builder.current].FallbackDisposition = disposition
	}

	return builder
}

func (builder *Builder) WithEscalationChain(approvers ...string) *Builder {
	if builder.current >= 0 {
		builder.steps[builder.current].EscalationChain = approvers
	}

	return builder
}

func (builder *Builder) WithWeight(weight int) *Builder {
	if builder.current >= 0 {
		builder.steps[builder.current].Weight = weight
	}

	return builder
}

// Optional marks the current step as advisory: its outcome never blocks
// the frontier and never feeds the completion policy.
func (builder *Builder) Optional() *Builder {
	if builder.current >= 0 {
		builder.steps[builder.current].Required = false
	}

	return builder
}

func (builder *Builder) Build() (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{
		ID:               uuid.New().String(),
		TenantID:         builder.tenantID,
		EntityType:       builder.entityType,
		Version:          builder.version,
		CompletionPolicy: builder.policy,
		TerritoryScoped:  builder.territorial,
		Steps:            builder.steps,
	}

	if err := ValidateDefinition(def); err != nil {
		return nil, fmt.Errorf("build definition: %w", err)
	}

	return def, nil
}
