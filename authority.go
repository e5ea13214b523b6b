package gavel

import (
	"fmt"
)

// AuthorityResolver answers "can this principal resolve this step, within
// what limits". It is a pure function over the principal and the step
// template: no side effects, safe to call speculatively for "can I act"
// UI queries.
type AuthorityResolver struct{}

func NewAuthorityResolver() *AuthorityResolver {
	return &AuthorityResolver{}
}

// Authorize checks, in order: the base permission for the entity type, the
// step's max-amount limit plus the principal's own approval limit, and the
// territory intersection when the definition is territory-scoped.
//
// A missing territory context degrades to "no restriction enforced" only
// when the definition itself carries no territory requirement; a
// territory-scoped definition denies on absent context.
func (r *AuthorityResolver) Authorize(principal Principal, def *WorkflowDefinition, tmpl *StepTemplate, instance *WorkflowInstance) error {
	if principal.ID == "" {
		return ErrUnauthenticated
	}

	if principal.System {
		return nil
	}

	perm := tmpl.RequiredPermission
	if perm == "" {
		perm = BasePermission(def.EntityType)
	}

	if !principal.HasPermission(perm) {
		return fmt.Errorf("%w: missing %q", ErrInsufficientPermission, perm)
	}

	if instance.Amount != nil {
		if tmpl.MaxAmount != nil && *instance.Amount > *tmpl.MaxAmount {
			return &LimitExceededError{Limit: *tmpl.MaxAmount, Attempted: *instance.Amount}
		}

		if limit, ok := principal.ApprovalLimits[def.EntityType]; ok && *instance.Amount > limit {
			return &LimitExceededError{Limit: limit, Attempted: *instance.Amount}
		}
	}

	if def.TerritoryScoped {
		if !territoriesIntersect(principal.Territories, instance.Territories) {
			return ErrOutOfTerritory
		}
	}

	return nil
}

// BasePermission is the default permission string gating approvals for an
// entity type, e.g. "order:approve".
func BasePermission(entityType EntityType) string {
	return string(entityType) + ":approve"
}

func territoriesIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}

	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}

	return false
}
