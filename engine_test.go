package gavel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	engine := NewEngine(store, opts...)
	t.Cleanup(engine.Shutdown)

	return engine, store
}

func testPrincipal(id string, permissions ...string) Principal {
	return Principal{ID: id, Permissions: permissions}
}

func amountOf(v float64) *float64 {
	return &v
}

func findStepByTemplate(instance *WorkflowInstance, templateID string) *StepInstance {
	for i := range instance.Steps {
		if instance.Steps[i].TemplateID == templateID {
			return &instance.Steps[i]
		}
	}

	return nil
}

func stepByTemplate(t *testing.T, instance *WorkflowInstance, templateID string) *StepInstance {
	t.Helper()

	step := findStepByTemplate(instance, templateID)
	if step == nil {
		t.Fatalf("step %s not found in instance %d", templateID, instance.ID)
	}

	return step
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func twoStageDefinition(t *testing.T) *WorkflowDefinition {
	t.Helper()

	def, err := NewBuilder("acme", EntityTypeOrder, 1).
		Policy(PolicyAllRequiredApprove).
		Step("manager", "Manager approval").
		WithApprover("alice").
		Stage().
		Step("finance", "Finance sign-off").
		WithApprover("dave").
		WithPermission("order:finance-approve").
		Build()
	require.NoError(t, err)

	return def
}

func TestStartActivatesFirstStage(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def := twoStageDefinition(t)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1", Amount: amountOf(100)}, testPrincipal("rep"))
	require.NoError(t, err)

	assert.Equal(t, StatusInProgress, instance.Status)

	manager := stepByTemplate(t, instance, "manager")
	assert.Equal(t, StepStatusActive, manager.Status)
	assert.Equal(t, "alice", manager.AssignedApprover)
	assert.Equal(t, 1, manager.Activation)

	finance := stepByTemplate(t, instance, "finance")
	assert.Equal(t, StepStatusPending, finance.Status)
}

func TestStartActivatesPastAdvisoryFirstStage(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeOrder, 1).
		Step("fyi", "Sales FYI").Optional().WithApprover("carol").
		Stage().
		Step("manager", "Manager approval").WithApprover("alice").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1", Amount: amountOf(100)}, testPrincipal("rep"))
	require.NoError(t, err)

	fyi := stepByTemplate(t, instance, "fyi")
	assert.Equal(t, StepStatusActive, fyi.Status)
	assert.Equal(t, "carol", fyi.AssignedApprover)

	manager := stepByTemplate(t, instance, "manager")
	assert.Equal(t, StepStatusActive, manager.Status)
	assert.Equal(t, "alice", manager.AssignedApprover)

	_, instance, err = engine.Decide(ctx, instance.ID, manager.ID,
		testPrincipal("alice", "order:approve"), DecisionApproved, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)
	assert.Equal(t, StepStatusSkipped, stepByTemplate(t, instance, "fyi").Status)
}

type failingApproverResolver struct{}

func (failingApproverResolver) ResolveApprover(context.Context, string, *StepTemplate, EntityRef) (string, error) {
	return "", errors.New("approver directory unavailable")
}

func TestStartResolverFailureCreatesNothing(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, WithApproverResolver(failingApproverResolver{}))

	def := twoStageDefinition(t)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	_, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1", Amount: amountOf(100)}, testPrincipal("rep"))
	require.Error(t, err)

	instances, err := store.ListInstances(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestSequentialApprovalCompletesWorkflow(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	def := twoStageDefinition(t)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1", Amount: amountOf(100)}, testPrincipal("rep"))
	require.NoError(t, err)

	manager := stepByTemplate(t, instance, "manager")
	_, instance, err = engine.Decide(ctx, instance.ID, manager.ID,
		testPrincipal("alice", "order:approve"), DecisionApproved, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusInProgress, instance.Status)
	finance := stepByTemplate(t, instance, "finance")
	assert.Equal(t, StepStatusActive, finance.Status)

	_, instance, err = engine.Decide(ctx, instance.ID, finance.ID,
		testPrincipal("dave", "order:finance-approve"), DecisionApproved, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)
	require.NotNil(t, instance.FinalDecision)
	assert.Equal(t, DecisionApproved, *instance.FinalDecision)

	events, err := store.GetEvents(ctx, instance.ID)
	require.NoError(t, err)

	var kinds []string
	for _, event := range events {
		kinds = append(kinds, event.EventType)
	}
	assert.Equal(t, []string{
		EventWorkflowStarted,
		EventStepActivated,
		EventStepApproved,
		EventStepActivated,
		EventStepApproved,
		EventWorkflowCompleted,
	}, kinds)

	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func TestRejectionShortCircuits(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def := twoStageDefinition(t)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1", Amount: amountOf(100)}, testPrincipal("rep"))
	require.NoError(t, err)

	manager := stepByTemplate(t, instance, "manager")
	_, instance, err = engine.Decide(ctx, instance.ID, manager.ID,
		testPrincipal("alice", "order:approve"), DecisionRejected, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, instance.Status)
	require.NotNil(t, instance.FinalDecision)
	assert.Equal(t, DecisionRejected, *instance.FinalDecision)

	finance := stepByTemplate(t, instance, "finance")
	assert.Equal(t, StepStatusSkipped, finance.Status)
}

func TestParallelSiblingsAllRequired(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeOrder, 1).
		Policy(PolicyAllRequiredApprove).
		Step("legal", "Legal review").WithApprover("lia").
		Step("compliance", "Compliance review").WithApprover("carl").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	legal := stepByTemplate(t, instance, "legal")
	compliance := stepByTemplate(t, instance, "compliance")
	assert.Equal(t, StepStatusActive, legal.Status)
	assert.Equal(t, StepStatusActive, compliance.Status)

	_, instance, err = engine.Decide(ctx, instance.ID, legal.ID,
		testPrincipal("lia", "order:approve"), DecisionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, instance.Status)

	_, instance, err = engine.Decide(ctx, instance.ID, compliance.ID,
		testPrincipal("carl", "order:approve"), DecisionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, instance.Status)
}

func TestAnyApprovePolicy(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeQuote, 1).
		Policy(PolicyAnyApprove).
		Step("a", "Approver A").WithApprover("ann").
		Step("b", "Approver B").WithApprover("ben").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeQuote,
		EntityRef{ID: "quote-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	stepA := stepByTemplate(t, instance, "a")
	_, instance, err = engine.Decide(ctx, instance.ID, stepA.ID,
		testPrincipal("ann", "quote:approve"), DecisionApproved, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)

	stepB := stepByTemplate(t, instance, "b")
	assert.Equal(t, StepStatusSkipped, stepB.Status)
}

func TestAnyApproveAllRejectedMeansRejected(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeQuote, 1).
		Policy(PolicyAnyApprove).
		Step("a", "Approver A").WithApprover("ann").
		Step("b", "Approver B").WithApprover("ben").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeQuote,
		EntityRef{ID: "quote-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	stepA := stepByTemplate(t, instance, "a")
	_, instance, err = engine.Decide(ctx, instance.ID, stepA.ID,
		testPrincipal("ann", "quote:approve"), DecisionRejected, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, instance.Status)

	stepB := stepByTemplate(t, instance, "b")
	_, instance, err = engine.Decide(ctx, instance.ID, stepB.ID,
		testPrincipal("ben", "quote:approve"), DecisionRejected, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, instance.Status)
}

func TestWeightedMajorityPolicy(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeContract, 1).
		Policy(PolicyWeightedMajority).
		Step("senior", "Senior partner").WithApprover("sam").WithWeight(3).
		Step("junior1", "Junior partner").WithApprover("jan").WithWeight(1).
		Step("junior2", "Junior partner").WithApprover("joe").WithWeight(1).
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeContract,
		EntityRef{ID: "contract-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	// Weight 3 of total 5 is a strict majority on its own.
	senior := stepByTemplate(t, instance, "senior")
	_, instance, err = engine.Decide(ctx, instance.ID, senior.ID,
		testPrincipal("sam", "contract:approve"), DecisionApproved, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)
	require.NotNil(t, instance.FinalDecision)
	assert.Equal(t, DecisionApproved, *instance.FinalDecision)
}

func TestWeightedMajorityRejection(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeContract, 1).
		Policy(PolicyWeightedMajority).
		Step("a", "A").WithApprover("ann").WithWeight(2).
		Step("b", "B").WithApprover("ben").WithWeight(1).
		Step("c", "C").WithApprover("cat").WithWeight(1).
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeContract,
		EntityRef{ID: "contract-2"}, testPrincipal("rep"))
	require.NoError(t, err)

	// Rejected weight 2 of total 4 blocks any approving majority.
	stepA := stepByTemplate(t, instance, "a")
	_, instance, err = engine.Decide(ctx, instance.ID, stepA.ID,
		testPrincipal("ann", "contract:approve"), DecisionRejected, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, instance.Status)
}

func TestOptionalStepDoesNotBlockCompletion(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeOrder, 1).
		Step("manager", "Manager approval").WithApprover("alice").
		Step("fyi", "Advisory review").WithApprover("frank").Optional().
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	manager := stepByTemplate(t, instance, "manager")
	_, instance, err = engine.Decide(ctx, instance.ID, manager.ID,
		testPrincipal("alice", "order:approve"), DecisionApproved, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)

	fyi := stepByTemplate(t, instance, "fyi")
	assert.Equal(t, StepStatusSkipped, fyi.Status)
}

func TestZeroStepDefinitionCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def := &WorkflowDefinition{
		ID:               "def-empty",
		TenantID:         "acme",
		EntityType:       EntityTypePricing,
		Version:          1,
		CompletionPolicy: PolicyAllRequiredApprove,
	}
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypePricing,
		EntityRef{ID: "price-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, instance.Status)
	require.NotNil(t, instance.FinalDecision)
	assert.Equal(t, DecisionApproved, *instance.FinalDecision)
}

func TestStartWithoutDefinition(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	_, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	assert.ErrorIs(t, err, ErrNoDefinition)
}

func TestDecideOnResolvedStep(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeOrder, 1).
		Step("manager", "Manager approval").WithApprover("alice").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	manager := stepByTemplate(t, instance, "manager")
	_, _, err = engine.Decide(ctx, instance.ID, manager.ID,
		testPrincipal("alice", "order:approve"), DecisionApproved, nil)
	require.NoError(t, err)

	_, _, err = engine.Decide(ctx, instance.ID, manager.ID,
		testPrincipal("alice", "order:approve"), DecisionRejected, nil)
	assert.ErrorIs(t, err, ErrStepNotActive)
}

func TestConcurrentDecisionsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeOrder, 1).
		Step("manager", "Manager approval").WithApprover("alice").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	manager := stepByTemplate(t, instance, "manager")

	const workers = 8
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		decision := DecisionApproved
		if i%2 == 1 {
			decision = DecisionRejected
		}
		go func(d Decision) {
			_, _, err := engine.Decide(ctx, instance.ID, manager.ID,
				testPrincipal("alice", "order:approve"), d, nil)
			errCh <- err
		}(decision)
	}

	wins := 0
	for i := 0; i < workers; i++ {
		err := <-errCh
		if err == nil {
			wins++
			continue
		}
		if !errorIsAny(err, ErrDecisionTooLate, ErrStepNotActive) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)

	result, err := engine.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.True(t, result.Status.Terminal())
}

func errorIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

func TestReassignKeepsActivationAndDeadline(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeOrder, 1).
		Step("manager", "Manager approval").
		WithApprover("alice").
		WithTimeout(time.Hour, TimeoutAutoReject).
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	manager := stepByTemplate(t, instance, "manager")
	deadline := manager.Deadline
	require.NotNil(t, deadline)

	updated, err := engine.Reassign(ctx, instance.ID, manager.ID, "bob", "vacation", testPrincipal("admin"))
	require.NoError(t, err)

	assert.Equal(t, "bob", updated.AssignedApprover)
	assert.Equal(t, manager.Activation, updated.Activation)
	require.NotNil(t, updated.Deadline)
	assert.True(t, updated.Deadline.Equal(*deadline))

	require.Len(t, updated.EscalationHistory, 1)
	assert.Equal(t, "alice", updated.EscalationHistory[0].FromApprover)
	assert.Equal(t, "bob", updated.EscalationHistory[0].ToApprover)
}

func TestCancelInProgressWorkflow(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	def := twoStageDefinition(t)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	result, err := engine.Cancel(ctx, instance.ID, "rep", "order withdrawn")
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, result.Status)
	assert.Nil(t, result.FinalDecision)
	for _, step := range result.Steps {
		assert.Equal(t, StepStatusSkipped, step.Status)
	}

	events, err := store.GetEvents(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, EventWorkflowCancelled, events[len(events)-1].EventType)
}

func TestCancelTerminalWorkflow(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def, err := NewBuilder("acme", EntityTypeOrder, 1).
		Step("manager", "Manager approval").WithApprover("alice").
		Build()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	manager := stepByTemplate(t, instance, "manager")
	_, _, err = engine.Decide(ctx, instance.ID, manager.ID,
		testPrincipal("alice", "order:approve"), DecisionApproved, nil)
	require.NoError(t, err)

	_, err = engine.Cancel(ctx, instance.ID, "rep", "too late")
	assert.ErrorIs(t, err, ErrDecisionTooLate)
}

func TestGetPendingForApprover(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def := twoStageDefinition(t)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1", Amount: amountOf(250)}, testPrincipal("rep"))
	require.NoError(t, err)

	pending, err := engine.GetPendingFor(ctx, "acme", "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, instance.ID, pending[0].InstanceID)
	assert.Equal(t, "order-1", pending[0].EntityID)

	pending, err = engine.GetPendingFor(ctx, "acme", "dave")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCanDecide(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	def := twoStageDefinition(t)
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	instance, err := engine.StartForEntity(ctx, "acme", EntityTypeOrder,
		EntityRef{ID: "order-1"}, testPrincipal("rep"))
	require.NoError(t, err)

	manager := stepByTemplate(t, instance, "manager")

	assert.NoError(t, engine.CanDecide(ctx, instance.ID, manager.ID,
		testPrincipal("alice", "order:approve")))
	assert.ErrorIs(t, engine.CanDecide(ctx, instance.ID, manager.ID,
		testPrincipal("mallory")), ErrInsufficientPermission)

	finance := stepByTemplate(t, instance, "finance")
	assert.ErrorIs(t, engine.CanDecide(ctx, instance.ID, finance.ID,
		testPrincipal("dave", "order:finance-approve")), ErrStepNotActive)
}
