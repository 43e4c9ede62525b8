package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"qms/walkin-queue/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay shares change events between instances. Deliver publishes to a
// Redis channel; Run subscribes to it and feeds the local target, so every
// instance's subscribers see every instance's changes.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRedisRelay(client *redis.Client, channel string, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     client,
		channel:    channel,
		logger:     logger,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Deliver(ctx context.Context, event models.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Run feeds target from the channel until ctx is cancelled. A failed or lost
// subscription is retried with exponential backoff.
func (r *RedisRelay) Run(ctx context.Context, target Target) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.minBackoff
	retry.MaxInterval = r.maxBackoff

	for {
		err := r.relay(ctx, target, retry.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.NextBackOff()
		r.logger.Warn("redis relay subscription failed, retrying",
			zap.String("channel", r.channel),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *RedisRelay) relay(ctx context.Context, target Target, subscribed func()) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	subscribed()
	r.logger.Info("redis relay subscribed", zap.String("channel", r.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis subscription closed")
			}
			event, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("discard malformed relay message", zap.Error(err))
				continue
			}
			target.Publish(event)
		}
	}
}

func decodeEvent(payload []byte) (models.ChangeEvent, error) {
	var event models.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return models.ChangeEvent{}, err
	}
	return event, nil
}
