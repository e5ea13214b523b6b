package gavel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Engine is the step coordinator: the single entry point for starting,
// deciding, reassigning and cancelling approval workflows. All state lives
// in the Store; the engine itself holds no per-instance mutable state, so
// it is safe to call from any number of request handlers concurrently.
type Engine struct {
	store      Store
	txManager  TxManager
	authority  *AuthorityResolver
	registry   *Registry
	scheduler  *Scheduler
	dispatcher *Dispatcher
	escalation EscalationRule
	approvers  ApproverResolver
	plugins    *PluginManager
	logger     *slog.Logger
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	engine := &Engine{
		store:      store,
		txManager:  NewMemoryTxManager(),
		authority:  NewAuthorityResolver(),
		dispatcher: NewDispatcher(),
		escalation: ChainEscalationRule{},
		approvers:  templateApproverResolver{},
		plugins:    NewPluginManager(),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	if engine.registry == nil {
		engine.registry = NewRegistry(store)
	}
	engine.scheduler = NewScheduler(engine.fireTimeout, engine.logger)

	return engine
}

// Shutdown stops all armed timers. Instance state is untouched; the
// sweeper picks up outstanding deadlines on the next start.
func (engine *Engine) Shutdown() {
	engine.scheduler.Shutdown()
}

func (engine *Engine) Registry() *Registry {
	return engine.registry
}

// RegisterDefinition validates and stores a tenant's workflow definition,
// then drops the tenant's registry cache so the new version takes effect.
func (engine *Engine) RegisterDefinition(ctx context.Context, def *WorkflowDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}

	if err := engine.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}

	engine.registry.Invalidate(def.TenantID)

	return nil
}

// StartForEntity resolves the tenant's definition for the entity type and
// starts an instance from it. ErrNoDefinition means no approval is
// required and the caller proceeds without a workflow.
func (engine *Engine) StartForEntity(
	ctx context.Context,
	tenantID string,
	entityType EntityType,
	entity EntityRef,
	initiator Principal,
) (*WorkflowInstance, error) {
	def, err := engine.registry.Resolve(ctx, tenantID, entityType)
	if err != nil {
		return nil, err
	}

	return engine.Start(ctx, def, entity, initiator)
}

// Start creates an instance from the definition and activates the initial
// frontier: sequence index 0 plus every following index sitting behind
// advisory-only stages, so a required step is active from the first moment.
// Approvers for the frontier are resolved before the instance is created,
// keeping a resolver failure from leaving a half-started workflow behind.
// A definition with zero steps completes immediately with an approved
// decision.
func (engine *Engine) Start(
	ctx context.Context,
	def *WorkflowDefinition,
	entity EntityRef,
	initiator Principal,
) (*WorkflowInstance, error) {
	if initiator.ID == "" {
		return nil, ErrUnauthenticated
	}

	now := time.Now()
	instance := &WorkflowInstance{
		TenantID:     def.TenantID,
		EntityType:   def.EntityType,
		EntityID:     entity.ID,
		DefinitionID: def.ID,
		Status:       StatusPending,
		Amount:       entity.Amount,
		Territories:  entity.Territories,
		StartedBy:    initiator.ID,
		StartedAt:    now,
	}

	for i := range def.Steps {
		tmpl := &def.Steps[i]
		instance.Steps = append(instance.Steps, StepInstance{
			TemplateID:    tmpl.ID,
			Name:          tmpl.Name,
			SequenceIndex: tmpl.SequenceIndex,
			Required:      tmpl.Required,
			Weight:        tmpl.Weight,
			Status:        StepStatusPending,
			Activation:    1,
		})
	}

	resolved := make(map[string]string)
	for _, idx := range initialIndices(def) {
		for i := range def.Steps {
			tmpl := &def.Steps[i]
			if tmpl.SequenceIndex != idx {
				continue
			}

			assignee, err := engine.approvers.ResolveApprover(ctx, def.TenantID, tmpl, entity)
			if err != nil {
				return nil, fmt.Errorf("resolve approver for step %s: %w", tmpl.ID, err)
			}
			resolved[tmpl.ID] = assignee
		}
	}

	var events []Event
	var arms []armRequest

	err := engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		if err := engine.store.CreateInstance(ctx, instance); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}

		engine.record(ctx, instance, nil, EventWorkflowStarted, map[string]any{
			KeyDefinitionID: def.ID,
			KeyEntityID:     instance.EntityID,
			KeyInitiator:    initiator.ID,
		}, &events)

		if len(def.Steps) == 0 {
			decision := DecisionApproved
			if err := engine.store.MarkInstanceTerminal(ctx, instance.ID, StatusCompleted, &decision); err != nil {
				return fmt.Errorf("complete empty workflow: %w", err)
			}

			engine.record(ctx, instance, nil, EventWorkflowCompleted, map[string]any{
				KeyFinalDecision: decision,
			}, &events)

			return nil
		}

		if err := engine.store.UpdateInstanceStatus(ctx, instance.ID, StatusInProgress, nil); err != nil {
			return fmt.Errorf("update instance status: %w", err)
		}

		activated, err := engine.advanceFrontier(ctx, instance, def, resolved, &events)
		if err != nil {
			return err
		}
		arms = append(arms, activated...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	result, err := engine.store.GetInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	engine.armAll(arms)
	engine.plugins.onWorkflowStarted(ctx, result)
	if result.Status.Terminal() {
		engine.plugins.onWorkflowFinished(ctx, result)
	}
	engine.dispatcher.Dispatch(ctx, events...)

	return result, nil
}

// Decide records a human approval or rejection on an active step, then
// re-evaluates the workflow: a short-circuiting rejection skips unresolved
// siblings, a final approval either activates the next sequence index or
// completes the workflow.
//
// ErrDecisionTooLate means a timeout or a concurrent resolution won the
// compare-and-set race first; it is an expected outcome, not a failure.
func (engine *Engine) Decide(
	ctx context.Context,
	instanceID, stepID int64,
	principal Principal,
	decision Decision,
	notes *string,
) (*StepInstance, *WorkflowInstance, error) {
	instance, err := engine.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	def, err := engine.store.GetDefinition(ctx, instance.DefinitionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load definition %s: %w", instance.DefinitionID, err)
	}

	step := findStep(instance, stepID)
	if step == nil {
		return nil, nil, ErrStepNotFound
	}
	if step.Status != StepStatusActive {
		return nil, nil, ErrStepNotActive
	}

	tmpl := findTemplate(def, step.TemplateID)
	if tmpl == nil {
		return nil, nil, fmt.Errorf("step template %s not in definition %s", step.TemplateID, def.ID)
	}

	// Authority is checked before the atomic transition, never inside it.
	if err := engine.authority.Authorize(principal, def, tmpl, instance); err != nil {
		return nil, nil, err
	}

	to := StepStatusApproved
	eventKind := EventStepApproved
	if decision == DecisionRejected {
		to = StepStatusRejected
		eventKind = EventStepRejected
	}

	var updated *StepInstance
	var result *WorkflowInstance
	var events []Event
	var arms []armRequest

	err = engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		var err error
		updated, err = engine.store.TransitionStep(ctx, instanceID, stepID,
			StepStatusActive, to, step.Activation,
			TransitionMeta{DecidedBy: principal.ID, Notes: notes})
		if errors.Is(err, ErrStaleTransition) {
			return ErrDecisionTooLate
		}
		if err != nil {
			return err
		}

		engine.record(ctx, instance, &stepID, eventKind, map[string]any{
			KeyTemplateID: updated.TemplateID,
			KeyStepName:   updated.Name,
			KeyDecision:   decision,
			KeyDecidedBy:  principal.ID,
		}, &events)

		result, arms, err = engine.afterStepResolved(ctx, def, instanceID, &events)

		return err
	})
	if err != nil {
		return nil, nil, err
	}

	engine.scheduler.Cancel(instanceID, stepID)
	engine.armAll(arms)
	if result.Status.Terminal() {
		engine.scheduler.CancelInstance(instanceID)
		engine.plugins.onWorkflowFinished(ctx, result)
	}
	engine.plugins.onStepResolved(ctx, result, updated)
	engine.dispatcher.Dispatch(ctx, events...)

	return updated, result, nil
}

// CanDecide answers the UI's "can I act" query: the full authority check
// with no side effects.
func (engine *Engine) CanDecide(ctx context.Context, instanceID, stepID int64, principal Principal) error {
	instance, err := engine.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	def, err := engine.store.GetDefinition(ctx, instance.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition %s: %w", instance.DefinitionID, err)
	}

	step := findStep(instance, stepID)
	if step == nil {
		return ErrStepNotFound
	}
	if step.Status != StepStatusActive {
		return ErrStepNotActive
	}

	tmpl := findTemplate(def, step.TemplateID)
	if tmpl == nil {
		return fmt.Errorf("step template %s not in definition %s", step.TemplateID, def.ID)
	}

	return engine.authority.Authorize(principal, def, tmpl, instance)
}

// Reassign swaps the assignee of an active step. Step status, activation
// and any armed deadline stay untouched; the swap is recorded in the
// escalation history.
func (engine *Engine) Reassign(
	ctx context.Context,
	instanceID, stepID int64,
	newApprover, reason string,
	by Principal,
) (*StepInstance, error) {
	if by.ID == "" {
		return nil, ErrUnauthenticated
	}

	instance, err := engine.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	step := findStep(instance, stepID)
	if step == nil {
		return nil, ErrStepNotFound
	}
	if step.Status != StepStatusActive {
		return nil, ErrStepNotActive
	}

	rec := EscalationRecord{
		FromApprover: step.AssignedApprover,
		ToApprover:   newApprover,
		Reason:       reason,
		At:           time.Now(),
	}

	updated, err := engine.store.ReassignStep(ctx, instanceID, stepID, newApprover, rec)
	if errors.Is(err, ErrStaleTransition) {
		return nil, ErrStepNotActive
	}
	if err != nil {
		return nil, err
	}

	var events []Event
	engine.record(ctx, instance, &stepID, EventStepReassigned, map[string]any{
		KeyTemplateID:   updated.TemplateID,
		KeyStepName:     updated.Name,
		KeyPrevAssignee: rec.FromApprover,
		KeyAssignee:     newApprover,
		KeyReason:       reason,
	}, &events)
	engine.dispatcher.Dispatch(ctx, events...)

	return updated, nil
}

// Cancel aborts an in-progress workflow. Every non-terminal step goes
// through the same compare-and-set discipline as a decision would, so a
// concurrent approval that commits first simply keeps its outcome.
func (engine *Engine) Cancel(ctx context.Context, instanceID int64, cancelledBy, reason string) (*WorkflowInstance, error) {
	var result *WorkflowInstance
	var events []Event

	err := engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		instance, err := engine.store.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if instance.Status.Terminal() {
			return ErrDecisionTooLate
		}

		for i := range instance.Steps {
			step := &instance.Steps[i]
			if step.Status.Terminal() {
				continue
			}

			_, err := engine.store.TransitionStep(ctx, instanceID, step.ID,
				step.Status, StepStatusSkipped, step.Activation,
				TransitionMeta{Reason: "cancelled"})
			if errors.Is(err, ErrStaleTransition) {
				// A concurrent decision resolved the step first.
				continue
			}
			if err != nil {
				return err
			}

			engine.record(ctx, instance, &step.ID, EventStepSkipped, map[string]any{
				KeyTemplateID: step.TemplateID,
				KeyReason:     "cancelled",
			}, &events)
		}

		if err := engine.store.MarkInstanceTerminal(ctx, instanceID, StatusCancelled, nil); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				return ErrDecisionTooLate
			}

			return err
		}

		engine.record(ctx, instance, nil, EventWorkflowCancelled, map[string]any{
			KeyDecidedBy: cancelledBy,
			KeyReason:    reason,
		}, &events)

		result, err = engine.store.GetInstance(ctx, instanceID)

		return err
	})
	if err != nil {
		return nil, err
	}

	engine.scheduler.CancelInstance(instanceID)
	engine.plugins.onWorkflowFinished(ctx, result)
	engine.dispatcher.Dispatch(ctx, events...)

	return result, nil
}

func (engine *Engine) GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error) {
	return engine.store.GetInstance(ctx, instanceID)
}

// GetPendingFor lists the active steps assigned to the approver: the inbox.
func (engine *Engine) GetPendingFor(ctx context.Context, tenantID, approverID string) ([]PendingStep, error) {
	return engine.store.GetPendingForApprover(ctx, tenantID, approverID)
}

// HandleTimeout is invoked by the scheduler (and the sweeper) when a step
// deadline fires. A stale activation or an already-resolved step is
// silently dropped: the human decision won the race.
func (engine *Engine) HandleTimeout(ctx context.Context, instanceID, stepID int64, activation int) error {
	instance, err := engine.store.GetInstance(ctx, instanceID)
	if errors.Is(err, ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		return nil
	}

	def, err := engine.store.GetDefinition(ctx, instance.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition %s: %w", instance.DefinitionID, err)
	}

	step := findStep(instance, stepID)
	if step == nil {
		return nil
	}
	if step.Status != StepStatusActive || step.Activation != activation {
		return nil
	}

	tmpl := findTemplate(def, step.TemplateID)
	if tmpl == nil {
		return fmt.Errorf("step template %s not in definition %s", step.TemplateID, def.ID)
	}

	disposition := tmpl.TimeoutDisposition

	if disposition == TimeoutEscalate {
		next, err := engine.escalation.NextApprover(ctx, instance.TenantID, tmpl, step)
		if err == nil {
			return engine.escalateStep(ctx, instance, tmpl, step, next)
		}
		if !errors.Is(err, ErrNoEscalationTarget) {
			return fmt.Errorf("resolve escalation target: %w", err)
		}

		disposition = tmpl.FallbackDisposition
		if disposition == "" {
			disposition = TimeoutAutoReject
		}
	}

	return engine.resolveByTimeout(ctx, def, instance, step, disposition)
}

// escalateStep hands the step to the next approver with a fresh activation
// and a fresh timeout window. The active->escalated transition is the
// compare-and-set that races the human decision.
func (engine *Engine) escalateStep(
	ctx context.Context,
	instance *WorkflowInstance,
	tmpl *StepTemplate,
	step *StepInstance,
	nextApprover string,
) error {
	now := time.Now()
	deadline := now.Add(tmpl.Timeout)
	newActivation := step.Activation + 1

	var events []Event
	lost := false

	err := engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		_, err := engine.store.TransitionStep(ctx, instance.ID, step.ID,
			StepStatusActive, StepStatusEscalated, step.Activation,
			TransitionMeta{Reason: "timeout"})
		if errors.Is(err, ErrStaleTransition) {
			lost = true

			return nil
		}
		if err != nil {
			return err
		}

		rec := EscalationRecord{
			FromApprover: step.AssignedApprover,
			ToApprover:   nextApprover,
			Reason:       "timeout",
			At:           now,
		}

		_, err = engine.store.TransitionStep(ctx, instance.ID, step.ID,
			StepStatusEscalated, StepStatusActive, step.Activation,
			TransitionMeta{
				Assignee:   nextApprover,
				Activation: newActivation,
				Deadline:   &deadline,
				Escalation: &rec,
			})
		if err != nil {
			return err
		}

		engine.record(ctx, instance, &step.ID, EventStepEscalated, map[string]any{
			KeyTemplateID:   step.TemplateID,
			KeyStepName:     step.Name,
			KeyPrevAssignee: rec.FromApprover,
			KeyAssignee:     nextApprover,
			KeyActivation:   newActivation,
			KeyDeadline:     deadline,
		}, &events)

		return nil
	})
	if err != nil || lost {
		return err
	}

	engine.scheduler.Arm(instance.ID, step.ID, newActivation, deadline)
	engine.dispatcher.Dispatch(ctx, events...)

	return nil
}

// resolveByTimeout applies an auto-approve or auto-reject disposition as
// the system principal. The active->timed_out transition is the race
// winner; a stale result means the step was already decided and the
// timeout is dropped without touching anything.
func (engine *Engine) resolveByTimeout(
	ctx context.Context,
	def *WorkflowDefinition,
	instance *WorkflowInstance,
	step *StepInstance,
	disposition TimeoutDisposition,
) error {
	to := StepStatusRejected
	eventKind := EventStepRejected
	if disposition == TimeoutAutoApprove {
		to = StepStatusApproved
		eventKind = EventStepApproved
	}

	var result *WorkflowInstance
	var updated *StepInstance
	var events []Event
	var arms []armRequest
	lost := false

	err := engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		_, err := engine.store.TransitionStep(ctx, instance.ID, step.ID,
			StepStatusActive, StepStatusTimedOut, step.Activation,
			TransitionMeta{Reason: "timeout"})
		if errors.Is(err, ErrStaleTransition) {
			lost = true

			return nil
		}
		if err != nil {
			return err
		}

		engine.record(ctx, instance, &step.ID, EventStepTimedOut, map[string]any{
			KeyTemplateID: step.TemplateID,
			KeyStepName:   step.Name,
			KeyReason:     string(disposition),
		}, &events)

		updated, err = engine.store.TransitionStep(ctx, instance.ID, step.ID,
			StepStatusTimedOut, to, step.Activation,
			TransitionMeta{DecidedBy: SystemPrincipalID, Reason: "timeout"})
		if err != nil {
			return err
		}

		engine.record(ctx, instance, &step.ID, eventKind, map[string]any{
			KeyTemplateID: step.TemplateID,
			KeyStepName:   step.Name,
			KeyDecidedBy:  SystemPrincipalID,
			KeyReason:     "timeout",
		}, &events)

		result, arms, err = engine.afterStepResolved(ctx, def, instance.ID, &events)

		return err
	})
	if err != nil || lost {
		return err
	}

	engine.armAll(arms)
	if result.Status.Terminal() {
		engine.scheduler.CancelInstance(instance.ID)
		engine.plugins.onWorkflowFinished(ctx, result)
	}
	engine.plugins.onStepResolved(ctx, result, updated)
	engine.dispatcher.Dispatch(ctx, events...)

	return nil
}

// afterStepResolved re-reads the instance and aggregates step outcomes into
// a workflow outcome. Runs inside the caller's transaction: activation of
// sequence index N+1 always observes every committed resolution of index N.
func (engine *Engine) afterStepResolved(
	ctx context.Context,
	def *WorkflowDefinition,
	instanceID int64,
	events *[]Event,
) (*WorkflowInstance, []armRequest, error) {
	instance, err := engine.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	if instance.Status.Terminal() {
		return instance, nil, nil
	}

	done, decision := evaluateOutcome(def.CompletionPolicy, instance.Steps)
	if done {
		return engine.finishWorkflow(ctx, instance, decision, events)
	}

	arms, err := engine.advanceFrontier(ctx, instance, def, nil, events)
	if err != nil {
		return nil, nil, err
	}

	result, err := engine.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	return result, arms, nil
}

// finishWorkflow short-circuits: every unresolved step is skipped through
// the usual compare-and-set, then the instance goes terminal.
func (engine *Engine) finishWorkflow(
	ctx context.Context,
	instance *WorkflowInstance,
	decision Decision,
	events *[]Event,
) (*WorkflowInstance, []armRequest, error) {
	for i := range instance.Steps {
		step := &instance.Steps[i]
		if step.Status.Terminal() {
			continue
		}

		_, err := engine.store.TransitionStep(ctx, instance.ID, step.ID,
			step.Status, StepStatusSkipped, step.Activation,
			TransitionMeta{Reason: "short_circuit"})
		if errors.Is(err, ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		engine.record(ctx, instance, &step.ID, EventStepSkipped, map[string]any{
			KeyTemplateID: step.TemplateID,
			KeyReason:     "short_circuit",
		}, events)
	}

	status := StatusCompleted
	eventKind := EventWorkflowCompleted
	if decision == DecisionRejected {
		status = StatusRejected
		eventKind = EventWorkflowRejected
	}

	err := engine.store.MarkInstanceTerminal(ctx, instance.ID, status, &decision)
	if err != nil && !errors.Is(err, ErrStaleTransition) {
		return nil, nil, err
	}
	if err == nil {
		engine.record(ctx, instance, nil, eventKind, map[string]any{
			KeyFinalDecision: decision,
		}, events)
	}

	result, err := engine.store.GetInstance(ctx, instance.ID)
	if err != nil {
		return nil, nil, err
	}

	return result, nil, nil
}

// advanceFrontier activates every sequence index whose lower required
// steps have all resolved. Non-required steps never block the frontier,
// so an advisory-only stage lets the walk continue into the next index
// in the same pass.
func (engine *Engine) advanceFrontier(
	ctx context.Context,
	instance *WorkflowInstance,
	def *WorkflowDefinition,
	resolved map[string]string,
	events *[]Event,
) ([]armRequest, error) {
	maxIndex := 0
	for i := range instance.Steps {
		if instance.Steps[i].SequenceIndex > maxIndex {
			maxIndex = instance.Steps[i].SequenceIndex
		}
	}

	var arms []armRequest

	for idx := 0; idx <= maxIndex; idx++ {
		hasPending := false
		for i := range instance.Steps {
			if instance.Steps[i].SequenceIndex == idx && instance.Steps[i].Status == StepStatusPending {
				hasPending = true

				break
			}
		}

		if hasPending && requiredResolvedBelow(instance.Steps, idx) {
			activated, err := engine.activateIndex(ctx, instance, def, idx, resolved, events)
			if err != nil {
				return nil, err
			}
			arms = append(arms, activated...)
		}

		if !requiredResolvedAt(instance.Steps, idx) {
			break
		}
	}

	return arms, nil
}

// activateIndex moves every pending step at the sequence index to active,
// resolving the initial approver and computing the deadline. Assignees
// already present in resolved are reused instead of hitting the resolver
// again.
func (engine *Engine) activateIndex(
	ctx context.Context,
	instance *WorkflowInstance,
	def *WorkflowDefinition,
	idx int,
	resolved map[string]string,
	events *[]Event,
) ([]armRequest, error) {
	entity := EntityRef{ID: instance.EntityID, Amount: instance.Amount, Territories: instance.Territories}
	var arms []armRequest

	for i := range instance.Steps {
		step := &instance.Steps[i]
		if step.SequenceIndex != idx || step.Status != StepStatusPending {
			continue
		}

		tmpl := findTemplate(def, step.TemplateID)
		if tmpl == nil {
			return nil, fmt.Errorf("step template %s not in definition %s", step.TemplateID, def.ID)
		}

		assignee, ok := resolved[step.TemplateID]
		if !ok {
			var err error
			assignee, err = engine.approvers.ResolveApprover(ctx, instance.TenantID, tmpl, entity)
			if err != nil {
				return nil, fmt.Errorf("resolve approver for step %s: %w", tmpl.ID, err)
			}
		}

		var deadline *time.Time
		if tmpl.Timeout > 0 {
			d := time.Now().Add(tmpl.Timeout)
			deadline = &d
		}

		updated, err := engine.store.TransitionStep(ctx, instance.ID, step.ID,
			StepStatusPending, StepStatusActive, step.Activation,
			TransitionMeta{Assignee: assignee, Deadline: deadline})
		if errors.Is(err, ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		instance.Steps[i] = *updated

		payload := map[string]any{
			KeyTemplateID: updated.TemplateID,
			KeyStepName:   updated.Name,
			KeyAssignee:   assignee,
		}
		if deadline != nil {
			payload[KeyDeadline] = *deadline
			arms = append(arms, armRequest{
				instanceID: instance.ID,
				stepID:     updated.ID,
				activation: updated.Activation,
				deadline:   *deadline,
			})
		}
		engine.record(ctx, instance, &updated.ID, EventStepActivated, payload, events)
		engine.plugins.onStepActivated(ctx, instance, updated)
	}

	return arms, nil
}

func (engine *Engine) armAll(arms []armRequest) {
	for _, arm := range arms {
		engine.scheduler.Arm(arm.instanceID, arm.stepID, arm.activation, arm.deadline)
	}
}

func (engine *Engine) fireTimeout(instanceID, stepID int64, activation int) {
	ctx := context.Background()
	if err := engine.HandleTimeout(ctx, instanceID, stepID, activation); err != nil {
		engine.logger.Error("handle step timeout",
			"instance_id", instanceID, "step_id", stepID, "error", err)
	}
}

// record appends the audit row and queues the dispatcher event with the
// same payload. Audit logging never fails a transition.
func (engine *Engine) record(
	ctx context.Context,
	instance *WorkflowInstance,
	stepID *int64,
	kind string,
	payload map[string]any,
	events *[]Event,
) {
	_ = engine.store.LogEvent(ctx, instance.ID, stepID, kind, payload)

	*events = append(*events, Event{
		Kind:       kind,
		InstanceID: instance.ID,
		TenantID:   instance.TenantID,
		EntityType: instance.EntityType,
		EntityID:   instance.EntityID,
		Initiator:  instance.StartedBy,
		StepID:     stepID,
		Payload:    payload,
		OccurredAt: time.Now(),
	})
}

type armRequest struct {
	instanceID int64
	stepID     int64
	activation int
	deadline   time.Time
}

func findStep(instance *WorkflowInstance, stepID int64) *StepInstance {
	for i := range instance.Steps {
		if instance.Steps[i].ID == stepID {
			return &instance.Steps[i]
		}
	}

	return nil
}

func findTemplate(def *WorkflowDefinition, templateID string) *StepTemplate {
	for i := range def.Steps {
		if def.Steps[i].ID == templateID {
			return &def.Steps[i]
		}
	}

	return nil
}

// initialIndices lists the sequence indices active from the start of a
// workflow: index 0 plus every following index until the first one that
// carries a required step.
func initialIndices(def *WorkflowDefinition) []int {
	maxIndex := 0
	for i := range def.Steps {
		if def.Steps[i].SequenceIndex > maxIndex {
			maxIndex = def.Steps[i].SequenceIndex
		}
	}

	var indices []int
	for idx := 0; idx <= maxIndex; idx++ {
		indices = append(indices, idx)

		for i := range def.Steps {
			if def.Steps[i].SequenceIndex == idx && def.Steps[i].Required {
				return indices
			}
		}
	}

	return indices
}

func requiredResolvedBelow(steps []StepInstance, idx int) bool {
	for i := range steps {
		if steps[i].SequenceIndex < idx && steps[i].Required && !steps[i].Status.Terminal() {
			return false
		}
	}

	return true
}

func requiredResolvedAt(steps []StepInstance, idx int) bool {
	for i := range steps {
		if steps[i].SequenceIndex == idx && steps[i].Required && !steps[i].Status.Terminal() {
			return false
		}
	}

	return true
}

// evaluateOutcome aggregates step outcomes into a workflow outcome under
// the definition's completion policy.
func evaluateOutcome(policy CompletionPolicy, steps []StepInstance) (bool, Decision) {
	var (
		totalRequired    int
		approvedRequired int
		resolvedRequired int
		totalWeight      int
		approvedWeight   int
		rejectedWeight   int
		anyRejected      bool
		anyApproved      bool
	)

	for i := range steps {
		step := &steps[i]
		if !step.Required {
			continue
		}

		totalRequired++
		totalWeight += step.Weight
		if step.Status.Terminal() {
			resolvedRequired++
		}

		switch step.Status {
		case StepStatusApproved:
			anyApproved = true
			approvedRequired++
			approvedWeight += step.Weight
		case StepStatusRejected:
			anyRejected = true
			rejectedWeight += step.Weight
		}
	}

	if totalRequired == 0 {
		return true, DecisionApproved
	}

	switch policy {
	case PolicyAnyApprove:
		if anyApproved {
			return true, DecisionApproved
		}
		if resolvedRequired == totalRequired {
			return true, DecisionRejected
		}

	case PolicyWeightedMajority:
		if approvedWeight*2 > totalWeight {
			return true, DecisionApproved
		}
		if rejectedWeight*2 >= totalWeight {
			return true, DecisionRejected
		}
		if resolvedRequired == totalRequired {
			return true, DecisionRejected
		}

	default: // PolicyAllRequiredApprove
		if anyRejected {
			return true, DecisionRejected
		}
		if approvedRequired == totalRequired {
			return true, DecisionApproved
		}
	}

	return false, ""
}
