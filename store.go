package gavel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

var _ Store = (*StoreImpl)(nil)

// StoreImpl is the Postgres-backed instance store. All compare-and-set
// transitions are single UPDATE statements guarded by the expected status
// and activation, so concurrent deciders never need an application lock.
type StoreImpl struct {
	db Tx
}

func NewStore(pool *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{db: pool}
}

func (store *StoreImpl) getExecutor(ctx context.Context) Tx {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return store.db
}

func (store *StoreImpl) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.workflow_definitions (id, tenant_id, entity_type, version, completion_policy, territory_scoped, steps, created_at)
VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, entity_type, version) DO UPDATE
SET completion_policy = EXCLUDED.completion_policy,
	territory_scoped = EXCLUDED.territory_scoped,
	steps = EXCLUDED.steps
RETURNING id, created_at`

	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	return executor.QueryRow(ctx, query,
		def.ID, def.TenantID, def.EntityType, def.Version,
		def.CompletionPolicy, def.TerritoryScoped, stepsJSON, time.Now(),
	).Scan(&def.ID, &def.CreatedAt)
}

func (store *StoreImpl) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, entity_type, version, completion_policy, territory_scoped, steps, created_at
FROM approvals.workflow_definitions
WHERE id = $1`

	return scanDefinition(executor.QueryRow(ctx, query, id))
}

func (store *StoreImpl) GetDefinitionByEntityType(
	ctx context.Context,
	tenantID string,
	entityType EntityType,
) (*WorkflowDefinition, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, entity_type, version, completion_policy, territory_scoped, steps, created_at
FROM approvals.workflow_definitions
WHERE tenant_id = $1 AND entity_type = $2
ORDER BY version DESC
LIMIT 1`

	return scanDefinition(executor.QueryRow(ctx, query, tenantID, entityType))
}

func scanDefinition(row pgx.Row) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	var stepsJSON []byte

	err := row.Scan(
		&def.ID, &def.TenantID, &def.EntityType, &def.Version,
		&def.CompletionPolicy, &def.TerritoryScoped, &stepsJSON, &def.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoDefinition
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}

	return &def, nil
}

func (store *StoreImpl) CreateInstance(ctx context.Context, instance *WorkflowInstance) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.workflow_instances
	(tenant_id, entity_type, entity_id, definition_id, status, amount, territories, started_by, started_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
RETURNING id, created_at, updated_at`

	now := time.Now()
	err := executor.QueryRow(ctx, query,
		instance.TenantID, instance.EntityType, instance.EntityID, instance.DefinitionID,
		instance.Status, instance.Amount, instance.Territories,
		instance.StartedBy, instance.StartedAt, now,
	).Scan(&instance.ID, &instance.CreatedAt, &instance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	const stepQuery = `
INSERT INTO approvals.workflow_steps
	(instance_id, template_id, name, sequence_index, required, weight, status, activation,
	 assigned_approver, deadline, escalation_history, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '[]'::jsonb, $11, $11)
RETURNING id`

	for i := range instance.Steps {
		step := &instance.Steps[i]
		step.InstanceID = instance.ID

		err := executor.QueryRow(ctx, stepQuery,
			instance.ID, step.TemplateID, step.Name, step.SequenceIndex,
			step.Required, step.Weight, step.Status, step.Activation,
			step.AssignedApprover, step.Deadline, now,
		).Scan(&step.ID)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", step.TemplateID, err)
		}

		step.CreatedAt = now
		step.UpdatedAt = now
	}

	return nil
}

func (store *StoreImpl) GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, entity_type, entity_id, definition_id, status, amount, territories,
	started_by, started_at, completed_at, final_decision, created_at, updated_at
FROM approvals.workflow_instances
WHERE id = $1`

	var instance WorkflowInstance
	err := executor.QueryRow(ctx, query, instanceID).Scan(
		&instance.ID, &instance.TenantID, &instance.EntityType, &instance.EntityID,
		&instance.DefinitionID, &instance.Status, &instance.Amount, &instance.Territories,
		&instance.StartedBy, &instance.StartedAt, &instance.CompletedAt,
		&instance.FinalDecision, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}

	steps, err := store.stepsByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	instance.Steps = steps

	return &instance, nil
}

const stepColumns = `
id, instance_id, template_id, name, sequence_index, required, weight, status, activation,
assigned_approver, deadline, decision_by, decision_at, decision_notes, escalation_history,
created_at, updated_at`

func scanStep(row pgx.Row) (*StepInstance, error) {
	var step StepInstance
	var historyJSON []byte

	err := row.Scan(
		&step.ID, &step.InstanceID, &step.TemplateID, &step.Name, &step.SequenceIndex,
		&step.Required, &step.Weight, &step.Status, &step.Activation,
		&step.AssignedApprover, &step.Deadline, &step.DecisionBy, &step.DecisionAt,
		&step.DecisionNotes, &historyJSON, &step.CreatedAt, &step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &step.EscalationHistory); err != nil {
			return nil, fmt.Errorf("unmarshal escalation history: %w", err)
		}
	}

	return &step, nil
}

func (store *StoreImpl) stepsByInstance(ctx context.Context, instanceID int64) ([]StepInstance, error) {
	executor := store.getExecutor(ctx)

	query := `
SELECT ` + stepColumns + `
FROM approvals.workflow_steps
WHERE instance_id = $1
ORDER BY sequence_index, id`

	rows, err := executor.Query(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepInstance
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}

	return steps, rows.Err()
}

func (store *StoreImpl) ListInstances(ctx context.Context, tenantID string) ([]WorkflowInstance, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, entity_type, entity_id, definition_id, status, amount, territories,
	started_by, started_at, completed_at, final_decision, created_at, updated_at
FROM approvals.workflow_instances
WHERE ($1 = '' OR tenant_id = $1)
ORDER BY created_at DESC`

	rows, err := executor.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []WorkflowInstance
	for rows.Next() {
		var instance WorkflowInstance
		err := rows.Scan(
			&instance.ID, &instance.TenantID, &instance.EntityType, &instance.EntityID,
			&instance.DefinitionID, &instance.Status, &instance.Amount, &instance.Territories,
			&instance.StartedBy, &instance.StartedAt, &instance.CompletedAt,
			&instance.FinalDecision, &instance.CreatedAt, &instance.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func (store *StoreImpl) UpdateInstanceStatus(
	ctx context.Context,
	instanceID int64,
	status WorkflowStatus,
	finalDecision *Decision,
) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE approvals.workflow_instances
SET status = $2, final_decision = $3, updated_at = $4,
	completed_at = CASE WHEN $2 IN ('completed', 'rejected', 'cancelled') THEN $4 ELSE completed_at END
WHERE id = $1`

	tag, err := executor.Exec(ctx, query, instanceID, status, finalDecision, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

func (store *StoreImpl) MarkInstanceTerminal(
	ctx context.Context,
	instanceID int64,
	status WorkflowStatus,
	finalDecision *Decision,
) error {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE approvals.workflow_instances
SET status = $2, final_decision = $3, completed_at = $4, updated_at = $4
WHERE id = $1 AND status IN ('pending', 'in_progress')`

	tag, err := executor.Exec(ctx, query, instanceID, status, finalDecision, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := store.GetInstance(ctx, instanceID); getErr != nil {
			return getErr
		}

		return ErrStaleTransition
	}

	return nil
}

func (store *StoreImpl) GetStep(ctx context.Context, instanceID, stepID int64) (*StepInstance, error) {
	executor := store.getExecutor(ctx)

	query := `
SELECT ` + stepColumns + `
FROM approvals.workflow_steps
WHERE id = $1 AND instance_id = $2`

	step, err := scanStep(executor.QueryRow(ctx, query, stepID, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, err
	}

	return step, nil
}

func (store *StoreImpl) TransitionStep(
	ctx context.Context,
	instanceID, stepID int64,
	from, to StepStatus,
	activation int,
	meta TransitionMeta,
) (*StepInstance, error) {
	executor := store.getExecutor(ctx)

	var decidedBy *string
	var decidedAt *time.Time
	now := time.Now()
	if to == StepStatusApproved || to == StepStatusRejected {
		decidedBy = &meta.DecidedBy
		decidedAt = &now
	}

	newActivation := activation
	if meta.Activation > 0 {
		newActivation = meta.Activation
	}

	var escalationJSON []byte
	if meta.Escalation != nil {
		var err error
		escalationJSON, err = json.Marshal(meta.Escalation)
		if err != nil {
			return nil, fmt.Errorf("marshal escalation record: %w", err)
		}
	}

	query := `
UPDATE approvals.workflow_steps
SET status = $5,
	activation = $6,
	assigned_approver = COALESCE(NULLIF($7, ''), assigned_approver),
	deadline = CASE WHEN $5 = 'active' THEN $8 ELSE NULL END,
	decision_by = COALESCE($9, decision_by),
	decision_at = COALESCE($10, decision_at),
	decision_notes = COALESCE($11, decision_notes),
	escalation_history = CASE WHEN $12::jsonb IS NULL THEN escalation_history ELSE escalation_history || $12::jsonb END,
	updated_at = $13
WHERE id = $2 AND instance_id = $1 AND status = $3 AND activation = $4
RETURNING ` + stepColumns

	step, err := scanStep(executor.QueryRow(ctx, query,
		instanceID, stepID, from, activation,
		to, newActivation, meta.Assignee, meta.Deadline,
		decidedBy, decidedAt, meta.Notes, escalationJSON, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Row exists but the guard failed, or the step never existed.
		// Distinguish so callers get the right error.
		if _, getErr := store.GetStep(ctx, instanceID, stepID); getErr != nil {
			return nil, getErr
		}

		return nil, ErrStaleTransition
	}
	if err != nil {
		return nil, err
	}

	return step, nil
}

func (store *StoreImpl) ReassignStep(
	ctx context.Context,
	instanceID, stepID int64,
	newApprover string,
	rec EscalationRecord,
) (*StepInstance, error) {
	executor := store.getExecutor(ctx)

	recJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal escalation record: %w", err)
	}

	query := `
UPDATE approvals.workflow_steps
SET assigned_approver = $3,
	escalation_history = escalation_history || $4::jsonb,
	updated_at = $5
WHERE id = $2 AND instance_id = $1 AND status = 'active'
RETURNING ` + stepColumns

	step, err := scanStep(executor.QueryRow(ctx, query, instanceID, stepID, newApprover, recJSON, time.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := store.GetStep(ctx, instanceID, stepID); getErr != nil {
			return nil, getErr
		}

		return nil, ErrStaleTransition
	}
	if err != nil {
		return nil, err
	}

	return step, nil
}

func (store *StoreImpl) GetPendingForApprover(ctx context.Context, tenantID, approverID string) ([]PendingStep, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT s.id, s.instance_id, s.template_id, s.name, s.sequence_index, s.required, s.weight,
	s.status, s.activation, s.assigned_approver, s.deadline, s.decision_by, s.decision_at,
	s.decision_notes, s.escalation_history, s.created_at, s.updated_at,
	i.tenant_id, i.entity_type, i.entity_id, i.amount, i.started_by
FROM approvals.workflow_steps s
JOIN approvals.workflow_instances i ON i.id = s.instance_id
WHERE s.status = 'active' AND s.assigned_approver = $2
	AND ($1 = '' OR i.tenant_id = $1)
ORDER BY s.id`

	rows, err := executor.Query(ctx, query, tenantID, approverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingStep
	for rows.Next() {
		var p PendingStep
		var historyJSON []byte

		err := rows.Scan(
			&p.Step.ID, &p.Step.InstanceID, &p.Step.TemplateID, &p.Step.Name,
			&p.Step.SequenceIndex, &p.Step.Required, &p.Step.Weight,
			&p.Step.Status, &p.Step.Activation, &p.Step.AssignedApprover, &p.Step.Deadline,
			&p.Step.DecisionBy, &p.Step.DecisionAt, &p.Step.DecisionNotes, &historyJSON,
			&p.Step.CreatedAt, &p.Step.UpdatedAt,
			&p.TenantID, &p.EntityType, &p.EntityID, &p.Amount, &p.StartedBy,
		)
		if err != nil {
			return nil, err
		}

		if len(historyJSON) > 0 {
			if err := json.Unmarshal(historyJSON, &p.Step.EscalationHistory); err != nil {
				return nil, fmt.Errorf("unmarshal escalation history: %w", err)
			}
		}

		p.InstanceID = p.Step.InstanceID
		pending = append(pending, p)
	}

	return pending, rows.Err()
}

func (store *StoreImpl) ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]OverdueStep, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT instance_id, id, activation
FROM approvals.workflow_steps
WHERE status = 'active' AND deadline IS NOT NULL AND deadline <= $1
ORDER BY deadline
LIMIT $2`

	rows, err := executor.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overdue []OverdueStep
	for rows.Next() {
		var o OverdueStep
		if err := rows.Scan(&o.InstanceID, &o.StepID, &o.Activation); err != nil {
			return nil, err
		}
		overdue = append(overdue, o)
	}

	return overdue, rows.Err()
}

// logEventRetries bounds the seq re-allocation loop in LogEvent.
const logEventRetries = 5

// LogEvent appends an audit row with the next per-instance sequence
// number. Two transactions logging against the same instance can compute
// the same seq; ON CONFLICT DO NOTHING turns the loser's insert into a
// zero-row no-op instead of a constraint error, so the enclosing
// transaction stays usable and the retry recomputes seq under a fresh
// snapshot.
func (store *StoreImpl) LogEvent(
	ctx context.Context,
	instanceID int64,
	stepID *int64,
	eventType string,
	payload map[string]any,
) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.workflow_events (instance_id, step_id, seq, event_type, payload, created_at)
SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5
FROM approvals.workflow_events
WHERE instance_id = $1
ON CONFLICT (instance_id, seq) DO NOTHING`

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	for attempt := 0; attempt < logEventRetries; attempt++ {
		tag, err := executor.Exec(ctx, query, instanceID, stepID, eventType, payloadJSON, time.Now())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}

	return fmt.Errorf("log event for instance %d: seq contention not resolved after %d attempts", instanceID, logEventRetries)
}

func (store *StoreImpl) GetEvents(ctx context.Context, instanceID int64) ([]WorkflowEvent, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, instance_id, step_id, seq, event_type, payload, created_at
FROM approvals.workflow_events
WHERE instance_id = $1
ORDER BY seq`

	rows, err := executor.Query(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []WorkflowEvent
	for rows.Next() {
		var event WorkflowEvent
		var payloadJSON []byte

		err := rows.Scan(
			&event.ID, &event.InstanceID, &event.StepID, &event.Seq,
			&event.EventType, &payloadJSON, &event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func (store *StoreImpl) GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status IN ('pending', 'in_progress')),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'rejected'),
	COUNT(*) FILTER (WHERE status = 'cancelled')
FROM approvals.workflow_instances
WHERE ($1 = '' OR tenant_id = $1)`

	stats := &SummaryStats{}
	err := executor.QueryRow(ctx, query, tenantID).Scan(
		&stats.TotalInstances, &stats.InProgress,
		&stats.CompletedInstances, &stats.RejectedInstances, &stats.CancelledInstances,
	)
	if err != nil {
		return nil, err
	}

	const stepQuery = `
SELECT
	COUNT(*) FILTER (WHERE s.status = 'active'),
	COUNT(*) FILTER (WHERE s.status = 'active' AND jsonb_array_length(s.escalation_history) > 0)
FROM approvals.workflow_steps s
JOIN approvals.workflow_instances i ON i.id = s.instance_id
WHERE ($1 = '' OR i.tenant_id = $1)`

	err = executor.QueryRow(ctx, stepQuery, tenantID).Scan(&stats.ActiveSteps, &stats.EscalatedSteps)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
