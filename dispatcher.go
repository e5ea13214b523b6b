package gavel

import (
	"context"
	"log/slog"
	"time"
)

// Event is the dispatcher-side view of a workflow occurrence. It carries
// enough context for sinks to route without a store round trip.
type Event struct {
	Kind       string         `json:"kind"`
	InstanceID int64          `json:"instance_id"`
	TenantID   string         `json:"tenant_id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Initiator  string         `json:"initiator"`
	StepID     *int64         `json:"step_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notification targets a single recipient. Sinks deliver it to whatever
// channel the platform uses (mail, chat, in-app inbox).
type Notification struct {
	Recipient  string     `json:"recipient"`
	Kind       string     `json:"kind"`
	TenantID   string     `json:"tenant_id"`
	InstanceID int64      `json:"instance_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	StepID     *int64     `json:"step_id,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// CacheInvalidator drops cached reads for an entity whose approval state
// changed.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenantID string, entityType EntityType, instanceID int64) error
}

// EventPublisher fans a workflow event out to external consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NotificationQueue enqueues per-recipient notifications for asynchronous
// delivery.
type NotificationQueue interface {
	Enqueue(ctx context.Context, notification Notification) error
}

// Dispatcher fans committed workflow events out to the configured sinks.
// Dispatch happens after the state transition is durable; sink failures
// are logged and swallowed, they never fail or roll back a transition.
type Dispatcher struct {
	invalidators []CacheInvalidator
	publishers   []EventPublisher
	queues       []NotificationQueue
	logger       *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithCacheInvalidator(invalidator CacheInvalidator) DispatcherOption {
	return func(d *Dispatcher) {
		d.invalidators = append(d.invalidators, invalidator)
	}
}

func WithEventPublisher(publisher EventPublisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.publishers = append(d.publishers, publisher)
	}
}

func WithNotificationQueue(queue NotificationQueue) DispatcherOption {
	return func(d *Dispatcher) {
		d.queues = append(d.queues, queue)
	}
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, events ...Event) {
	for _, event := range events {
		d.dispatchOne(ctx, event)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, event Event) {
	for _, invalidator := range d.invalidators {
		if err := invalidator.Invalidate(ctx, event.TenantID, event.EntityType, event.InstanceID); err != nil {
			d.logger.Error("cache invalidation failed",
				"event", event.Kind, "instance_id", event.InstanceID, "error", err)
		}
	}

	for _, publisher := range d.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			d.logger.Error("event publish failed",
				"event", event.Kind, "instance_id", event.InstanceID, "error", err)
		}
	}

	for _, notification := range routeNotifications(event) {
		for _, queue := range d.queues {
			if err := queue.Enqueue(ctx, notification); err != nil {
				d.logger.Error("notification enqueue failed",
					"event", event.Kind,
					"recipient", notification.Recipient,
					"instance_id", event.InstanceID,
					"error", err)
			}
		}
	}
}

// routeNotifications decides who hears about an event: new assignees learn
// about work landing on their desk, initiators learn about terminal
// outcomes and escalations.
func routeNotifications(event Event) []Notification {
	base := Notification{
		Kind:       event.Kind,
		TenantID:   event.TenantID,
		InstanceID: event.InstanceID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		StepID:     event.StepID,
	}

	var out []Notification

	switch event.Kind {
	case EventStepActivated, EventStepReassigned:
		if assignee, ok := event.Payload[KeyAssignee].(string); ok && assignee != "" {
			n := base
			n.Recipient = assignee
			out = append(out, n)
		}

	case EventStepEscalated:
		if assignee, ok := event.Payload[KeyAssignee].(string); ok && assignee != "" {
			n := base
			n.Recipient = assignee
			out = append(out, n)
		}
		if event.Initiator != "" {
			n := base
			n.Recipient = event.Initiator
			out = append(out, n)
		}

	case EventWorkflowCompleted, EventWorkflowRejected, EventWorkflowCancelled:
		if event.Initiator != "" {
			n := base
			n.Recipient = event.Initiator
			out = append(out, n)
		}
	}

	return out
}
