package gavel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps all workflow state in process memory. It is the store
// used by the test suite and by embedders that do not need durability; the
// compare-and-set semantics are identical to the Postgres store.
type MemoryStore struct {
	mu              sync.RWMutex
	definitions     map[string]*WorkflowDefinition
	instances       map[int64]*WorkflowInstance
	steps           map[int64]*StepInstance
	stepsByInstance map[int64][]int64
	events          map[int64][]*WorkflowEvent
	nextInstanceID  int64
	nextStepID      int64
	nextEventID     int64
	seqByInstance   map[int64]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:     make(map[string]*WorkflowDefinition),
		instances:       make(map[int64]*WorkflowInstance),
		steps:           make(map[int64]*StepInstance),
		stepsByInstance: make(map[int64][]int64),
		events:          make(map[int64][]*WorkflowEvent),
		seqByInstance:   make(map[int64]int64),
		nextInstanceID:  1,
		nextStepID:      1,
		nextEventID:     1,
	}
}

func (s *MemoryStore) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}

	s.definitions[def.ID] = def

	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.definitions[id]
	if !exists {
		return nil, ErrNoDefinition
	}

	return def, nil
}

func (s *MemoryStore) GetDefinitionByEntityType(
	ctx context.Context,
	tenantID string,
	entityType EntityType,
) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *WorkflowDefinition
	for _, def := range s.definitions {
		if def.TenantID != tenantID || def.EntityType != entityType {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}

	if best == nil {
		return nil, ErrNoDefinition
	}

	return best, nil
}

func (s *MemoryStore) CreateInstance(ctx context.Context, instance *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	instance.ID = s.nextInstanceID
	s.nextInstanceID++
	instance.CreatedAt = now
	instance.UpdatedAt = now

	steps := instance.Steps
	stored := &WorkflowInstance{}
	*stored = *instance
	stored.Steps = nil
	s.instances[instance.ID] = stored

	for i := range steps {
		step := &StepInstance{}
		*step = steps[i]
		step.ID = s.nextStepID
		s.nextStepID++
		step.InstanceID = instance.ID
		step.CreatedAt = now
		step.UpdatedAt = now

		s.steps[step.ID] = step
		s.stepsByInstance[instance.ID] = append(s.stepsByInstance[instance.ID], step.ID)
		steps[i] = *step
	}

	instance.Steps = steps

	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getInstanceLocked(instanceID)
}

func (s *MemoryStore) getInstanceLocked(instanceID int64) (*WorkflowInstance, error) {
	instance, exists := s.instances[instanceID]
	if !exists {
		return nil, ErrInstanceNotFound
	}

	out := *instance
	out.Steps = s.stepsOfLocked(instanceID)

	return &out, nil
}

func (s *MemoryStore) stepsOfLocked(instanceID int64) []StepInstance {
	stepIDs := s.stepsByInstance[instanceID]
	steps := make([]StepInstance, 0, len(stepIDs))
	for _, stepID := range stepIDs {
		if step, ok := s.steps[stepID]; ok {
			steps = append(steps, *step)
		}
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].SequenceIndex != steps[j].SequenceIndex {
			return steps[i].SequenceIndex < steps[j].SequenceIndex
		}
		return steps[i].ID < steps[j].ID
	})

	return steps
}

func (s *MemoryStore) ListInstances(ctx context.Context, tenantID string) ([]WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]WorkflowInstance, 0)
	for _, instance := range s.instances {
		if tenantID != "" && instance.TenantID != tenantID {
			continue
		}
		out := *instance
		out.Steps = s.stepsOfLocked(instance.ID)
		instances = append(instances, out)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.After(instances[j].CreatedAt)
	})

	return instances, nil
}

func (s *MemoryStore) UpdateInstanceStatus(
	ctx context.Context,
	instanceID int64,
	status WorkflowStatus,
	finalDecision *Decision,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, exists := s.instances[instanceID]
	if !exists {
		return ErrInstanceNotFound
	}

	instance.Status = status
	instance.FinalDecision = finalDecision
	instance.UpdatedAt = time.Now()

	if status.Terminal() {
		now := time.Now()
		instance.CompletedAt = &now
	}

	return nil
}

func (s *MemoryStore) MarkInstanceTerminal(
	ctx context.Context,
	instanceID int64,
	status WorkflowStatus,
	finalDecision *Decision,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, exists := s.instances[instanceID]
	if !exists {
		return ErrInstanceNotFound
	}

	if instance.Status.Terminal() {
		return ErrStaleTransition
	}

	now := time.Now()
	instance.Status = status
	instance.FinalDecision = finalDecision
	instance.CompletedAt = &now
	instance.UpdatedAt = now

	return nil
}

func (s *MemoryStore) GetStep(ctx context.Context, instanceID, stepID int64) (*StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, exists := s.steps[stepID]
	if !exists || step.InstanceID != instanceID {
		return nil, ErrStepNotFound
	}

	out := *step

	return &out, nil
}

func (s *MemoryStore) TransitionStep(
	ctx context.Context,
	instanceID, stepID int64,
	from, to StepStatus,
	activation int,
	meta TransitionMeta,
) (*StepInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, ErrInstanceNotFound
	}

	step, exists := s.steps[stepID]
	if !exists || step.InstanceID != instanceID {
		return nil, ErrStepNotFound
	}

	if step.Status != from || step.Activation != activation {
		return nil, ErrStaleTransition
	}

	now := time.Now()
	step.Status = to
	step.UpdatedAt = now

	switch to {
	case StepStatusApproved, StepStatusRejected:
		step.DecisionBy = &meta.DecidedBy
		step.DecisionAt = &now
		step.DecisionNotes = meta.Notes
		step.Deadline = nil
	case StepStatusActive:
		if meta.Assignee != "" {
			step.AssignedApprover = meta.Assignee
		}
		if meta.Activation > 0 {
			step.Activation = meta.Activation
		}
		step.Deadline = meta.Deadline
		if meta.Escalation != nil {
			step.EscalationHistory = append(step.EscalationHistory, *meta.Escalation)
		}
	case StepStatusSkipped:
		step.Deadline = nil
	}

	out := *step

	return &out, nil
}

func (s *MemoryStore) ReassignStep(
	ctx context.Context,
	instanceID, stepID int64,
	newApprover string,
	rec EscalationRecord,
) (*StepInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, exists := s.steps[stepID]
	if !exists || step.InstanceID != instanceID {
		return nil, ErrStepNotFound
	}

	if step.Status != StepStatusActive {
		return nil, ErrStaleTransition
	}

	step.AssignedApprover = newApprover
	step.EscalationHistory = append(step.EscalationHistory, rec)
	step.UpdatedAt = time.Now()

	out := *step

	return &out, nil
}

func (s *MemoryStore) GetPendingForApprover(ctx context.Context, tenantID, approverID string) ([]PendingStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]PendingStep, 0)
	for _, step := range s.steps {
		if step.Status != StepStatusActive || step.AssignedApprover != approverID {
			continue
		}

		instance, exists := s.instances[step.InstanceID]
		if !exists {
			continue
		}
		if tenantID != "" && instance.TenantID != tenantID {
			continue
		}

		pending = append(pending, PendingStep{
			Step:       *step,
			InstanceID: instance.ID,
			TenantID:   instance.TenantID,
			EntityType: instance.EntityType,
			EntityID:   instance.EntityID,
			Amount:     instance.Amount,
			StartedBy:  instance.StartedBy,
		})
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Step.ID < pending[j].Step.ID
	})

	return pending, nil
}

func (s *MemoryStore) ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]OverdueStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	overdue := make([]OverdueStep, 0)
	for _, step := range s.steps {
		if step.Status != StepStatusActive || step.Deadline == nil {
			continue
		}
		if step.Deadline.After(now) {
			continue
		}

		overdue = append(overdue, OverdueStep{
			InstanceID: step.InstanceID,
			StepID:     step.ID,
			Activation: step.Activation,
		})

		if limit > 0 && len(overdue) >= limit {
			break
		}
	}

	return overdue, nil
}

func (s *MemoryStore) LogEvent(
	ctx context.Context,
	instanceID int64,
	stepID *int64,
	eventType string,
	payload map[string]any,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqByInstance[instanceID]++

	event := &WorkflowEvent{
		ID:         s.nextEventID,
		InstanceID: instanceID,
		StepID:     stepID,
		Seq:        s.seqByInstance[instanceID],
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	s.nextEventID++

	s.events[instanceID] = append(s.events[instanceID], event)

	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, instanceID int64) ([]WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]WorkflowEvent, 0, len(s.events[instanceID]))
	for _, event := range s.events[instanceID] {
		events = append(events, *event)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Seq < events[j].Seq
	})

	return events, nil
}

func (s *MemoryStore) GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &SummaryStats{}
	for _, instance := range s.instances {
		if tenantID != "" && instance.TenantID != tenantID {
			continue
		}

		stats.TotalInstances++
		switch instance.Status {
		case StatusInProgress, StatusPending:
			stats.InProgress++
		case StatusCompleted:
			stats.CompletedInstances++
		case StatusRejected:
			stats.RejectedInstances++
		case StatusCancelled:
			stats.CancelledInstances++
		}
	}

	for _, step := range s.steps {
		instance, exists := s.instances[step.InstanceID]
		if !exists || (tenantID != "" && instance.TenantID != tenantID) {
			continue
		}

		if step.Status == StepStatusActive {
			stats.ActiveSteps++
		}
		if len(step.EscalationHistory) > 0 && step.Status == StepStatusActive {
			stats.EscalatedSteps++
		}
	}

	return stats, nil
}
