package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/gavelhq/gavel"
)

var _ gavel.Plugin = (*MetricsPlugin)(nil)

type MetricsPlugin struct {
	gavel.BasePlugin

	collector          MetricsCollector
	workflowStartTimes map[int64]time.Time
	stepStartTimes     map[int64]time.Time
	mu                 sync.Mutex
}

func New(collector MetricsCollector) *MetricsPlugin {
	return &MetricsPlugin{
		BasePlugin:         gavel.NewBasePlugin("metrics", gavel.PriorityHigh),
		collector:          collector,
		workflowStartTimes: make(map[int64]time.Time),
		stepStartTimes:     make(map[int64]time.Time),
	}
}

func (p *MetricsPlugin) OnWorkflowStarted(ctx context.Context, instance *gavel.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.workflowStartTimes[instance.ID] = time.Now()

	if p.collector != nil {
		p.collector.RecordWorkflowStarted(instance.TenantID, instance.EntityType)
	}

	return nil
}

func (p *MetricsPlugin) OnWorkflowFinished(ctx context.Context, instance *gavel.WorkflowInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	startTime, ok := p.workflowStartTimes[instance.ID]
	if !ok {
		startTime = instance.StartedAt
	}
	delete(p.workflowStartTimes, instance.ID)

	if p.collector != nil {
		p.collector.RecordWorkflowFinished(instance.TenantID, instance.EntityType, instance.Status, time.Since(startTime))
	}

	return nil
}

func (p *MetricsPlugin) OnStepActivated(ctx context.Context, instance *gavel.WorkflowInstance, step *gavel.StepInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stepStartTimes[step.ID] = time.Now()

	if p.collector != nil {
		p.collector.RecordStepActivated(instance.TenantID, instance.EntityType, step.Name)
	}

	return nil
}

func (p *MetricsPlugin) OnStepResolved(ctx context.Context, instance *gavel.WorkflowInstance, step *gavel.StepInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	startTime, ok := p.stepStartTimes[step.ID]
	if !ok {
		return nil
	}
	delete(p.stepStartTimes, step.ID)

	if p.collector != nil {
		p.collector.RecordStepResolved(instance.TenantID, instance.EntityType, step.Name, step.Status, time.Since(startTime))
	}

	return nil
}
