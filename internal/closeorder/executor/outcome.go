package executor

import (
	"context"
	"errors"

	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/Aidin1998/pincex_autoclose/internal/infrastructure/messaging"
	apperrors "github.com/Aidin1998/pincex_autoclose/pkg/errors"
	"github.com/Aidin1998/pincex_autoclose/pkg/metrics"
	"go.uber.org/zap"
)

// succeed records a confirmed close
func (e *Executor) succeed(ctx context.Context, r *run) messaging.Outcome {
	ctx = context.WithoutCancel(ctx)
	result := model.CompletionResult{
		TxHash: r.txHash,
		// amounts out are not decoded from receipt logs
		Amount0Out: "0",
		Amount1Out: "0",
	}
	if r.receipt != nil {
		result.BlockNumber = r.receipt.BlockNumber
		result.GasUsed = r.receipt.GasUsed
	}
	if err := e.attempts.MarkCompleted(ctx, r.attempt.ID, result); err != nil {
		r.logger.Error("Failed to mark attempt completed; lease sweep will recover",
			zap.String("tx_hash", r.txHash),
			zap.Error(err))
		metrics.ExecutionFailures.WithLabelValues(string(apperrors.KindInfrastructure)).Inc()
		return messaging.Requeue
	}
	return e.finishExecuted(ctx, r)
}

// finishExecuted moves the order to executed once its attempt completed
func (e *Executor) finishExecuted(ctx context.Context, r *run) messaging.Outcome {
	if err := e.orders.MarkExecuted(ctx, r.order.ID); err != nil {
		if errors.Is(err, model.ErrOrderNotFound) {
			r.logger.Warn("Order vanished after execution")
			return messaging.Ack
		}
		r.logger.Error("Failed to mark order executed", zap.Error(err))
		return messaging.Requeue
	}
	if e.subs != nil {
		e.releasePool(ctx, r)
	}

	txHash := r.txHash
	if txHash == "" && r.attempt.TxHash != nil {
		txHash = *r.attempt.TxHash
	}
	fields := []zap.Field{zap.String("tx_hash", txHash)}
	if r.receipt != nil {
		fields = append(fields, zap.Uint64("block", r.receipt.BlockNumber), zap.Uint64("gas_used", r.receipt.GasUsed))
	}
	r.logger.Info("Close order executed", fields...)
	metrics.ExecutionsTotal.WithLabelValues("executed").Inc()

	if e.notifier != nil {
		ev := e.notifier.Event(model.NotifyExecuted, r.order)
		ev.TxHash = txHash
		ev.RetryCount = r.attempt.RetryCount
		e.notifier.Publish(ctx, ev)
	}
	return messaging.Ack
}

// fail is the single decision point for a failed attempt
func (e *Executor) fail(ctx context.Context, r *run, cause error) messaging.Outcome {
	ctx = context.WithoutCancel(ctx)
	metrics.ExecutionFailures.WithLabelValues(string(apperrors.KindOf(cause))).Inc()

	count, err := e.attempts.IncrementRetryCount(ctx, r.attempt.ID, cause.Error())
	if err != nil {
		if errors.Is(err, model.ErrAttemptNotFound) || errors.Is(err, model.ErrOrderNotFound) {
			r.logger.Warn("Attempt vanished during failure handling, dropping job", zap.Error(cause))
			return messaging.Ack
		}
		r.logger.Error("Failed to record attempt failure, redelivering",
			zap.NamedError("cause", cause),
			zap.Error(err))
		return messaging.Requeue
	}
	return e.decide(ctx, r, count, cause)
}

// decide retries or suspends after the failure was counted
func (e *Executor) decide(ctx context.Context, r *run, count int, cause error) messaging.Outcome {
	retryable := apperrors.IsRetryable(cause) || !e.cfg.SuspendOnConfigError
	logger := r.logger.With(
		zap.Int("retry_count", count),
		zap.String("failure_kind", string(apperrors.KindOf(cause))),
		zap.Error(cause))

	if retryable && count < e.cfg.MaxAttempts {
		if err := e.orders.TransitionToMonitoring(ctx, r.order.ID); err != nil {
			return e.transitionFailed(logger, err)
		}
		next := e.now().Add(e.cfg.RetryDelay).UTC()
		logger.Warn("Close order attempt failed, retry scheduled", zap.Time("next_attempt_at", next))
		metrics.ExecutionsTotal.WithLabelValues("retry").Inc()
		if e.notifier != nil {
			ev := e.notifier.Event(model.NotifyRetryScheduled, r.order)
			ev.Error = cause.Error()
			ev.RetryCount = count
			ev.NextAttemptAt = &next
			e.notifier.Publish(ctx, ev)
		}
		return messaging.Retry
	}

	if err := e.attempts.MarkFailed(ctx, r.attempt.ID, cause.Error()); err != nil {
		logger.Warn("Failed to finalize attempt", zap.NamedError("mark_error", err))
	}
	if err := e.orders.TransitionToSuspended(ctx, r.order.ID); err != nil {
		return e.transitionFailed(logger, err)
	}
	logger.Error("Close order suspended", zap.Bool("retryable", retryable))
	metrics.ExecutionsTotal.WithLabelValues("suspended").Inc()
	if e.notifier != nil {
		ev := e.notifier.Event(model.NotifySuspended, r.order)
		ev.Error = cause.Error()
		ev.RetryCount = count
		e.notifier.Publish(ctx, ev)
	}
	return messaging.Ack
}

func (e *Executor) transitionFailed(logger *zap.Logger, err error) messaging.Outcome {
	switch {
	case errors.Is(err, model.ErrOrderNotFound):
		logger.Warn("Order vanished during failure handling, dropping job")
		return messaging.Ack
	case errors.Is(err, model.ErrInvalidTransition):
		logger.Warn("Order moved out of triggered during failure handling", zap.NamedError("transition_error", err))
		return messaging.Ack
	default:
		logger.Error("Failed to transition order, redelivering", zap.NamedError("transition_error", err))
		return messaging.Requeue
	}
}

// releasePool deactivates the order's subscription and reports whether
// other monitoring orders still watch the pool
func (e *Executor) releasePool(ctx context.Context, r *run) {
	if err := e.subs.Deactivate(ctx, r.order.SubscriberTag()); err != nil {
		r.logger.Warn("Failed to release pool subscription", zap.Error(err))
		return
	}
	remaining, err := e.subs.CountActiveByPool(ctx, r.order.ChainID, r.order.PoolAddress)
	if err != nil {
		r.logger.Warn("Failed to count pool subscriptions", zap.Error(err))
		return
	}
	if remaining == 0 {
		r.logger.Info("Pool no longer watched", zap.String("pool", r.order.PoolAddress))
		return
	}
	r.logger.Debug("Pool still watched by other orders",
		zap.String("pool", r.order.PoolAddress),
		zap.Int64("subscriptions", remaining))
}
