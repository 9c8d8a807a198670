package messaging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_autoclose/pkg/metrics"
)

// fetcher delivers one message at a time; commit acknowledges it
type fetcher interface {
	fetch(ctx context.Context) (*ReceivedMessage, func(context.Context) error, error)
}

const fetchErrorBackoff = time.Second

// runWorker is one competing consumer slot. The handler runs detached from
// ctx so a shutdown lets the in-flight job finish; the offset is committed
// only after the outcome has been applied.
func runWorker(ctx context.Context, f fetcher, applier *outcomeApplier, handler JobHandler, logger *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, commit, err := f.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to fetch message", zap.Error(err))
			if waitUntil(ctx, time.Now().Add(fetchErrorBackoff), time.Now) != nil {
				return
			}
			continue
		}

		outcome := handler(context.WithoutCancel(ctx), msg)
		for {
			err := applier.apply(ctx, msg, outcome)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				// left uncommitted; redelivered after restart
				logger.Warn("Shutdown before outcome was applied",
					zap.String("topic", msg.Topic),
					zap.String("key", msg.Key),
					zap.String("outcome", outcome.String()))
				return
			}
			logger.Error("Failed to apply outcome, retrying", zap.String("key", msg.Key), zap.Error(err))
			_ = waitUntil(ctx, time.Now().Add(fetchErrorBackoff), time.Now)
		}
		metrics.BrokerOutcomes.WithLabelValues(msg.Topic, outcome.String()).Inc()

		if err := commit(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to commit message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// runRelay holds each parked message until it is due and moves it back to
// its origin topic. No delay exceeds retryDelay, so a message is never held
// longer than that past its due time by the one ahead of it.
func runRelay(ctx context.Context, f fetcher, applier *outcomeApplier, logger *zap.Logger) {
	for {
		msg, commit, err := f.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to fetch parked message", zap.Error(err))
			if waitUntil(ctx, time.Now().Add(fetchErrorBackoff), time.Now) != nil {
				return
			}
			continue
		}

		if err := waitUntil(ctx, dueAt(msg), applier.now); err != nil {
			return
		}
		target, headers := relayTarget(msg, applier.topics.Trigger)
		for {
			err := applier.publish(ctx, target, msg, headers)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to relay parked message, retrying", zap.String("key", msg.Key), zap.Error(err))
			_ = waitUntil(ctx, time.Now().Add(fetchErrorBackoff), time.Now)
		}
		metrics.BrokerOutcomes.WithLabelValues(msg.Topic, "relayed").Inc()
		logger.Debug("Relayed parked message", zap.String("key", msg.Key), zap.String("target", string(target)))

		if err := commit(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to commit parked message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}
