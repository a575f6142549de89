package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PubSubClient is the subset of the Redis client the relay needs.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisRelay mirrors events between API replicas over a Redis pub/sub channel.
type RedisRelay struct {
	client  PubSubClient
	channel string
	origin  string
	router  *Router
	logger  *zap.Logger
}

// NewRedisRelay builds a relay that re-injects remote events into router.
func NewRedisRelay(client PubSubClient, channel string, router *Router, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		router:  router,
		logger:  logger,
	}
}

// Origin identifies this replica on the relay channel.
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Forward publishes a locally routed event.
func (r *RedisRelay) Forward(ctx context.Context, envelope Envelope) error {
	envelope.Origin = r.origin
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish relay envelope: %w", err)
	}
	return nil
}

// Run consumes the relay channel until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe relay channel: %w", err)
	}
	r.logger.Info("realtime relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		r.logger.Warn("discard malformed relay message", zap.Error(err))
		return
	}
	if envelope.Origin == r.origin {
		return
	}
	r.router.Deliver(envelope.Keys, envelope.Event)
}
