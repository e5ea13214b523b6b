package gavel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefinitionSource loads tenant workflow configuration. The Postgres and
// in-memory stores both implement it.
type DefinitionSource interface {
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	GetDefinitionByEntityType(ctx context.Context, tenantID string, entityType EntityType) (*WorkflowDefinition, error)
}

// Registry resolves the approval definition for a tenant and entity type.
// Definitions are validated on first load and cached process-locally;
// Invalidate drops a tenant's cache entries when its configuration changes.
type Registry struct {
	source DefinitionSource

	mu    sync.RWMutex
	cache map[string]*WorkflowDefinition
}

func NewRegistry(source DefinitionSource) *Registry {
	return &Registry{
		source: source,
		cache:  make(map[string]*WorkflowDefinition),
	}
}

// Resolve returns the definition for (tenant, entityType), or
// ErrNoDefinition when the tenant has not configured one. An invalid
// definition fails here with ErrInvalidDefinition rather than being
// discovered mid-workflow.
func (r *Registry) Resolve(ctx context.Context, tenantID string, entityType EntityType) (*WorkflowDefinition, error) {
	key := cacheKey(tenantID, entityType)

	r.mu.RLock()
	def, ok := r.cache[key]
	r.mu.RUnlock()

	if ok {
		return def, nil
	}

	def, err := r.source.GetDefinitionByEntityType(ctx, tenantID, entityType)
	if err != nil {
		if errors.Is(err, ErrNoDefinition) {
			return nil, ErrNoDefinition
		}

		return nil, fmt.Errorf("load definition: %w", err)
	}

	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = def
	r.mu.Unlock()

	return def, nil
}

// Invalidate drops every cached definition of the tenant. Called from the
// tenant-configuration-change event, which arrives from outside the engine.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entityType := range []EntityType{EntityTypeOrder, EntityTypeQuote, EntityTypeContract, EntityTypePricing} {
		delete(r.cache, cacheKey(tenantID, entityType))
	}
}

func cacheKey(tenantID string, entityType EntityType) string {
	return tenantID + ":" + string(entityType)
}

// ValidateDefinition fails fast on misconfiguration: non-contiguous
// sequence indices, duplicate step IDs, an escalate disposition without an
// explicit fallback, or a completion policy inconsistent with the step set.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def.TenantID == "" {
		return invalidDefinition("tenant id is required")
	}

	switch def.EntityType {
	case EntityTypeOrder, EntityTypeQuote, EntityTypeContract, EntityTypePricing:
	default:
		return invalidDefinition("unknown entity type %q", def.EntityType)
	}

	switch def.CompletionPolicy {
	case PolicyAllRequiredApprove, PolicyAnyApprove, PolicyWeightedMajority:
	default:
		return invalidDefinition("unknown completion policy %q", def.CompletionPolicy)
	}

	// A definition with zero steps is legal: Start completes the instance
	// immediately with an approved decision.
	if len(def.Steps) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(def.Steps))
	indices := make(map[int]int)
	maxIndex := 0
	hasRequired := false

	for i := range def.Steps {
		tmpl := &def.Steps[i]

		if tmpl.ID == "" {
			return invalidDefinition("step %d has no id", i)
		}
		if _, dup := seen[tmpl.ID]; dup {
			return invalidDefinition("duplicate step id %q", tmpl.ID)
		}
		seen[tmpl.ID] = struct{}{}

		if tmpl.SequenceIndex < 0 {
			return invalidDefinition("step %q has negative sequence index", tmpl.ID)
		}
		indices[tmpl.SequenceIndex]++
		if tmpl.SequenceIndex > maxIndex {
			maxIndex = tmpl.SequenceIndex
		}

		if tmpl.Required {
			hasRequired = true
		}

		if tmpl.Timeout < 0 {
			return invalidDefinition("step %q has negative timeout", tmpl.ID)
		}

		if tmpl.Timeout > 0 {
			switch tmpl.TimeoutDisposition {
			case TimeoutAutoApprove, TimeoutAutoReject:
			case TimeoutEscalate:
				// The fallback for an exhausted escalation chain must be
				// explicit in the definition, never implicit.
				if tmpl.FallbackDisposition != TimeoutAutoApprove && tmpl.FallbackDisposition != TimeoutAutoReject {
					return invalidDefinition("step %q escalates but has no explicit fallback disposition", tmpl.ID)
				}
			default:
				return invalidDefinition("step %q has timeout but no disposition", tmpl.ID)
			}
		}

		for _, target := range tmpl.EscalationChain {
			if target == "" {
				return invalidDefinition("step %q has empty escalation target", tmpl.ID)
			}
		}

		if def.CompletionPolicy == PolicyWeightedMajority && tmpl.Required && tmpl.Weight <= 0 {
			return invalidDefinition("step %q requires positive weight under weighted majority", tmpl.ID)
		}
	}

	for idx := 0; idx <= maxIndex; idx++ {
		if indices[idx] == 0 {
			return invalidDefinition("sequence indices are not contiguous: missing index %d", idx)
		}
	}

	if !hasRequired {
		return invalidDefinition("completion policy %s needs at least one required step", def.CompletionPolicy)
	}

	return nil
}
