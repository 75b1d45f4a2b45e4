package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
)

// RedisPublisher delivers progress two ways: the latest event is stored
// under a per-task key for poll-style consumers, and the same payload is
// fanned out on a pub/sub channel for push-style consumers.
type RedisPublisher struct {
	logger  *zap.Logger
	client  redis.UniversalClient
	channel string
	prefix  string
	ttl     time.Duration
}

func NewRedisPublisher(logger *zap.Logger, client redis.UniversalClient, channel, keyPrefix string, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{
		logger:  logger.Named("progress"),
		client:  client,
		channel: channel,
		prefix:  keyPrefix,
		ttl:     ttl,
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event schemas.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}

	key := p.prefix + event.TaskID
	if err := p.client.Set(ctx, key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store progress event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

// NopPublisher drops every event. Used when no progress channel is
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(_ context.Context, _ schemas.ProgressEvent) error {
	return nil
}
