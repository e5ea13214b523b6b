package gavel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisCacheInvalidator deletes every cached read keyed to the instance.
// Key layout: approvals:<tenant>:<entity_type>:<instance_id>[:suffix].
type RedisCacheInvalidator struct {
	client *redis.Client
}

var _ CacheInvalidator = (*RedisCacheInvalidator)(nil)

func NewRedisCacheInvalidator(client *redis.Client) *RedisCacheInvalidator {
	return &RedisCacheInvalidator{client: client}
}

func (r *RedisCacheInvalidator) Invalidate(ctx context.Context, tenantID string, entityType EntityType, instanceID int64) error {
	pattern := fmt.Sprintf("approvals:%s:%s:%d*", tenantID, entityType, instanceID)

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan cache keys: %w", err)
		}

		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete cache keys: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// RedisEventPublisher publishes workflow events to a per-tenant pub/sub
// channel.
type RedisEventPublisher struct {
	client *redis.Client
}

var _ EventPublisher = (*RedisEventPublisher)(nil)

func NewRedisEventPublisher(client *redis.Client) *RedisEventPublisher {
	return &RedisEventPublisher{client: client}
}

func (r *RedisEventPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := fmt.Sprintf("approvals:events:%s", event.TenantID)
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	return nil
}

// RedisNotificationQueue pushes notifications onto a list a delivery
// worker drains with BRPOP.
type RedisNotificationQueue struct {
	client *redis.Client
	queue  string
}

var _ NotificationQueue = (*RedisNotificationQueue)(nil)

func NewRedisNotificationQueue(client *redis.Client, queue string) *RedisNotificationQueue {
	if queue == "" {
		queue = "approvals:notifications"
	}

	return &RedisNotificationQueue{client: client, queue: queue}
}

func (r *RedisNotificationQueue) Enqueue(ctx context.Context, notification Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := r.client.LPush(ctx, r.queue, data).Err(); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}

	return nil
}
