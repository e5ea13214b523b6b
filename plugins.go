package gavel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

type PluginPriority int

const (
	PriorityLow    PluginPriority = 0
	PriorityNormal PluginPriority = 50
	PriorityHigh   PluginPriority = 100
)

// Plugin observes workflow lifecycle transitions. Hooks run after the
// transition has committed; errors are logged and never undo anything.
type Plugin interface {
	// Name returns unique plugin identifier
	Name() string

	// Priority determines execution order (higher = later)
	Priority() PluginPriority

	// Lifecycle hooks
	OnWorkflowStarted(ctx context.Context, instance *WorkflowInstance) error
	OnWorkflowFinished(ctx context.Context, instance *WorkflowInstance) error
	OnStepActivated(ctx context.Context, instance *WorkflowInstance, step *StepInstance) error
	OnStepResolved(ctx context.Context, instance *WorkflowInstance, step *StepInstance) error
}

// BasePlugin provides default no-op implementations
type BasePlugin struct {
	name     string
	priority PluginPriority
}

func NewBasePlugin(name string, priority PluginPriority) BasePlugin {
	return BasePlugin{name: name, priority: priority}
}

func (p BasePlugin) Name() string             { return p.name }
func (p BasePlugin) Priority() PluginPriority { return p.priority }
func (p BasePlugin) OnWorkflowStarted(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnWorkflowFinished(context.Context, *WorkflowInstance) error {
	return nil
}
func (p BasePlugin) OnStepActivated(context.Context, *WorkflowInstance, *StepInstance) error {
	return nil
}
func (p BasePlugin) OnStepResolved(context.Context, *WorkflowInstance, *StepInstance) error {
	return nil
}

// PluginManager manages plugin lifecycle
type PluginManager struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewPluginManager() *PluginManager {
	return &PluginManager{
		plugins: make([]Plugin, 0),
	}
}

func (pm *PluginManager) Register(plugin Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.plugins = append(pm.plugins, plugin)

	sort.Slice(pm.plugins, func(i, j int) bool {
		return pm.plugins[i].Priority() < pm.plugins[j].Priority()
	})
}

func (pm *PluginManager) onWorkflowStarted(ctx context.Context, instance *WorkflowInstance) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := plugin.OnWorkflowStarted(ctx, instance); err != nil {
			slog.Error("[gavel] plugin error on workflow started", "plugin", plugin.Name(), "error", err)
		}
	}
}

func (pm *PluginManager) onWorkflowFinished(ctx context.Context, instance *WorkflowInstance) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := plugin.OnWorkflowFinished(ctx, instance); err != nil {
			slog.Error("[gavel] plugin error on workflow finished", "plugin", plugin.Name(), "error", err)
		}
	}
}

func (pm *PluginManager) onStepActivated(ctx context.Context, instance *WorkflowInstance, step *StepInstance) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := plugin.OnStepActivated(ctx, instance, step); err != nil {
			slog.Error("[gavel] plugin error on step activated", "plugin", plugin.Name(), "error", err)
		}
	}
}

func (pm *PluginManager) onStepResolved(ctx context.Context, instance *WorkflowInstance, step *StepInstance) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := plugin.OnStepResolved(ctx, instance, step); err != nil {
			slog.Error("[gavel] plugin error on step resolved", "plugin", plugin.Name(), "error", err)
		}
	}
}
