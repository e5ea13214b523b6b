package gavel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:               "def-1",
		TenantID:         "acme",
		EntityType:       EntityTypeOrder,
		Version:          1,
		CompletionPolicy: PolicyAllRequiredApprove,
		Steps: []StepTemplate{
			{ID: "manager", Name: "Manager approval", SequenceIndex: 0, Required: true, Weight: 1, ApproverID: "alice"},
			{ID: "finance", Name: "Finance sign-off", SequenceIndex: 1, Required: true, Weight: 1, ApproverID: "dave"},
		},
	}
}

func TestValidateDefinition(t *testing.T) {
	assert.NoError(t, ValidateDefinition(validDefinition()))
}

func TestValidateDefinitionRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(def *WorkflowDefinition)
	}{
		{
			name:   "missing tenant",
			mutate: func(def *WorkflowDefinition) { def.TenantID = "" },
		},
		{
			name:   "unknown entity type",
			mutate: func(def *WorkflowDefinition) { def.EntityType = "invoice" },
		},
		{
			name:   "unknown policy",
			mutate: func(def *WorkflowDefinition) { def.CompletionPolicy = "unanimous" },
		},
		{
			name:   "empty step id",
			mutate: func(def *WorkflowDefinition) { def.Steps[0].ID = "" },
		},
		{
			name:   "duplicate step id",
			mutate: func(def *WorkflowDefinition) { def.Steps[1].ID = "manager" },
		},
		{
			name:   "non-contiguous indices",
			mutate: func(def *WorkflowDefinition) { def.Steps[1].SequenceIndex = 3 },
		},
		{
			name:   "negative timeout",
			mutate: func(def *WorkflowDefinition) { def.Steps[0].Timeout = -time.Hour },
		},
		{
			name: "timeout without disposition",
			mutate: func(def *WorkflowDefinition) {
				def.Steps[0].Timeout = time.Hour
			},
		},
		{
			name: "escalate without fallback",
			mutate: func(def *WorkflowDefinition) {
				def.Steps[0].Timeout = time.Hour
				def.Steps[0].TimeoutDisposition = TimeoutEscalate
				def.Steps[0].EscalationChain = []string{"bob"}
			},
		},
		{
			name: "weighted majority with zero weight",
			mutate: func(def *WorkflowDefinition) {
				def.CompletionPolicy = PolicyWeightedMajority
				def.Steps[0].Weight = 0
			},
		},
		{
			name: "no required steps",
			mutate: func(def *WorkflowDefinition) {
				def.Steps[0].Required = false
				def.Steps[1].Required = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)

			assert.ErrorIs(t, ValidateDefinition(def), ErrInvalidDefinition)
		})
	}
}

func TestValidateZeroStepDefinition(t *testing.T) {
	def := validDefinition()
	def.Steps = nil

	assert.NoError(t, ValidateDefinition(def))
}

func TestRegistryResolveCachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewRegistry(store)

	def := validDefinition()
	require.NoError(t, store.SaveDefinition(ctx, def))

	resolved, err := registry.Resolve(ctx, "acme", EntityTypeOrder)
	require.NoError(t, err)
	assert.Equal(t, def.ID, resolved.ID)

	// A newer version is invisible until the tenant cache is dropped.
	v2 := validDefinition()
	v2.ID = "def-2"
	v2.Version = 2
	require.NoError(t, store.SaveDefinition(ctx, v2))

	resolved, err = registry.Resolve(ctx, "acme", EntityTypeOrder)
	require.NoError(t, err)
	assert.Equal(t, "def-1", resolved.ID)

	registry.Invalidate("acme")

	resolved, err = registry.Resolve(ctx, "acme", EntityTypeOrder)
	require.NoError(t, err)
	assert.Equal(t, "def-2", resolved.ID)
}

func TestRegistryResolveNoDefinition(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(NewMemoryStore())

	_, err := registry.Resolve(ctx, "acme", EntityTypeQuote)
	assert.ErrorIs(t, err, ErrNoDefinition)
}

func TestRegistryResolveInvalidDefinition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewRegistry(store)

	def := validDefinition()
	def.Steps[1].SequenceIndex = 5
	require.NoError(t, store.SaveDefinition(ctx, def))

	_, err := registry.Resolve(ctx, "acme", EntityTypeOrder)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}
