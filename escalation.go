package gavel

import (
	"context"
	"fmt"
)

// EscalationRule resolves the next approver when a step escalates. It fails
// with ErrNoEscalationTarget when the chain is exhausted; the coordinator
// then falls back to the step's explicit fallback disposition.
type EscalationRule interface {
	NextApprover(ctx context.Context, tenantID string, tmpl *StepTemplate, step *StepInstance) (string, error)
}

// ChainEscalationRule walks the template's configured escalation chain:
// the approver after the current assignee, skipping anyone the step has
// already been escalated to. Skipping visited approvers is what guarantees
// escalation never loops on the same principal.
type ChainEscalationRule struct{}

func (ChainEscalationRule) NextApprover(
	ctx context.Context,
	tenantID string,
	tmpl *StepTemplate,
	step *StepInstance,
) (string, error) {
	visited := map[string]bool{step.AssignedApprover: true}
	for _, rec := range step.EscalationHistory {
		visited[rec.FromApprover] = true
		visited[rec.ToApprover] = true
	}

	for _, candidate := range tmpl.EscalationChain {
		if candidate == step.AssignedApprover || visited[candidate] {
			continue
		}

		return candidate, nil
	}

	return "", ErrNoEscalationTarget
}

// ApproverResolver supplies the initial assignee of a step. The default
// reads the definition; deployments with role-based assignment plug in
// their identity provider via WithApproverResolver.
type ApproverResolver interface {
	ResolveApprover(ctx context.Context, tenantID string, tmpl *StepTemplate, entity EntityRef) (string, error)
}

type templateApproverResolver struct{}

func (templateApproverResolver) ResolveApprover(
	ctx context.Context,
	tenantID string,
	tmpl *StepTemplate,
	entity EntityRef,
) (string, error) {
	if tmpl.ApproverID != "" {
		return tmpl.ApproverID, nil
	}

	if len(tmpl.EscalationChain) > 0 {
		return tmpl.EscalationChain[0], nil
	}

	return "", fmt.Errorf("step %q has no configured approver", tmpl.ID)
}
