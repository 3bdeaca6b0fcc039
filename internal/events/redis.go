package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
)

// RedisBroadcaster publishes progress updates on Redis pub/sub channels.
type RedisBroadcaster struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroadcaster connects to Redis and verifies it answers.
func NewRedisBroadcaster(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisBroadcaster, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis not reachable at %s: %w", cfg.Addr, err)
	}
	return &RedisBroadcaster{client: client, logger: logger}, nil
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast for %s: %w", topic, err)
	}
	receivers, err := b.client.Publish(ctx, topic, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	b.logger.Debug("Progress broadcast", zap.String("topic", topic), zap.Int64("receivers", receivers))
	return nil
}

// Close releases the Redis client.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}

var _ Broadcaster = (*RedisBroadcaster)(nil)
