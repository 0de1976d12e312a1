package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

type envelope struct {
	Origin string            `json:"origin"`
	Event  model.ChangeEvent `json:"event"`
}

// RedisRelay shares changes between API instances: every change is delivered
// to the local hub and published on a Redis channel, and changes published by
// other instances are delivered to the local hub as they arrive.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   *Hub
	origin  string
	logger  *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, local *Hub, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

func (r *RedisRelay) Publish(ctx context.Context, ev model.ChangeEvent) error {
	if err := r.local.Publish(ctx, ev); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay change: %w", err)
	}
	return nil
}

// Run forwards remote changes to the local hub until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// ждем подтверждения подписки
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relaying changes through redis", zap.String("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("skipping malformed relayed change", zap.Error(err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			_ = r.local.Publish(ctx, env.Event)
		}
	}
}
