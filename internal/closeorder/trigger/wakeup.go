package trigger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifiable is woken up when new orders are registered
type Notifiable interface {
	Notify()
}

// RedisWakeup listens on a pub/sub channel that the order registration
// flow publishes to, and wakes the monitor for an immediate sync.
type RedisWakeup struct {
	client  redis.UniversalClient
	channel string
	target  Notifiable
	logger  *zap.Logger
}

func NewRedisWakeup(client redis.UniversalClient, channel string, target Notifiable, logger *zap.Logger) *RedisWakeup {
	return &RedisWakeup{
		client:  client,
		channel: channel,
		target:  target,
		logger:  logger.Named("redis-wakeup"),
	}
}

// Run blocks until ctx is cancelled or the subscription fails
func (w *RedisWakeup) Run(ctx context.Context) error {
	pubsub := w.client.Subscribe(ctx, w.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", w.channel, err)
	}
	w.logger.Info("Listening for order registrations", zap.String("channel", w.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis channel %s closed", w.channel)
			}
			w.logger.Debug("Order registered", zap.String("payload", msg.Payload))
			w.target.Notify()
		}
	}
}

// PublishRegistered announces a newly registered order on channel
func PublishRegistered(ctx context.Context, client redis.UniversalClient, channel, orderID string) error {
	if err := client.Publish(ctx, channel, orderID).Err(); err != nil {
		return fmt.Errorf("publish order registration: %w", err)
	}
	return nil
}
