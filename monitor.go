package gavel

import (
	"context"
)

// Monitor serves the read side of the HTTP API: instance listings, audit
// trails and summary statistics. It reads through the Store, so it works
// identically over Postgres and the in-memory store.
type Monitor struct {
	store Store
}

func NewMonitor(store Store) *Monitor {
	return &Monitor{store: store}
}

func (m *Monitor) GetInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error) {
	return m.store.GetInstance(ctx, instanceID)
}

func (m *Monitor) ListInstances(ctx context.Context, tenantID string) ([]WorkflowInstance, error) {
	return m.store.ListInstances(ctx, tenantID)
}

func (m *Monitor) GetEvents(ctx context.Context, instanceID int64) ([]WorkflowEvent, error) {
	return m.store.GetEvents(ctx, instanceID)
}

func (m *Monitor) GetPendingForApprover(ctx context.Context, tenantID, approverID string) ([]PendingStep, error) {
	return m.store.GetPendingForApprover(ctx, tenantID, approverID)
}

func (m *Monitor) GetSummaryStats(ctx context.Context, tenantID string) (*SummaryStats, error) {
	return m.store.GetSummaryStats(ctx, tenantID)
}
