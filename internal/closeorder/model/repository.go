package model

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound      = errors.New("close order not found")
	ErrAttemptNotFound    = errors.New("execution attempt not found")
	ErrInvalidTransition  = errors.New("invalid monitoring state transition")
	ErrAttemptInFlight    = errors.New("another execution attempt is in flight")
	ErrSubscriptionExists = errors.New("subscription tag already registered")
)

// OrderRepository is the single source of truth for CloseOrder state.
// Every write to MonitoringState is a single conditional update.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *CloseOrder) error
	FindMonitoringOrders(ctx context.Context) ([]*CloseOrder, error)
	// FindTriggeredOrders lists triggered orders last updated before the cutoff
	FindTriggeredOrders(ctx context.Context, updatedBefore time.Time) ([]*CloseOrder, error)
	FindByID(ctx context.Context, id uuid.UUID) (*CloseOrder, error)
	// AtomicTransitionToTriggered moves monitoring -> triggered. It returns
	// false without error when the order was not in monitoring.
	AtomicTransitionToTriggered(ctx context.Context, id uuid.UUID) (bool, error)
	TransitionToMonitoring(ctx context.Context, id uuid.UUID) error
	TransitionToSuspended(ctx context.Context, id uuid.UUID) error
	MarkExecuted(ctx context.Context, id uuid.UUID) error
}

// ExecutionRepository stores ExecutionAttempt rows
type ExecutionRepository interface {
	// Create fails with ErrAttemptInFlight if the order already has an
	// attempt in pending or executing.
	Create(ctx context.Context, attempt *ExecutionAttempt) error
	FindLatestByOrderID(ctx context.Context, orderID uuid.UUID) (*ExecutionAttempt, error)
	// ReopenFailed returns a failed attempt to pending for the next retry
	// and forgets the tx hash of the earlier try.
	ReopenFailed(ctx context.Context, id uuid.UUID) error
	MarkExecuting(ctx context.Context, id uuid.UUID) error
	RecordBroadcast(ctx context.Context, id uuid.UUID, txHash string) error
	// IncrementRetryCount marks the attempt failed, stores the error and
	// returns the new retry count.
	IncrementRetryCount(ctx context.Context, id uuid.UUID, errMsg string) (int, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result CompletionResult) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	SaveDiagnostics(ctx context.Context, id uuid.UUID, diag *Diagnostics) error
}

// SubscriptionRepository stores PoolPriceSubscription records
type SubscriptionRepository interface {
	// Upsert creates the record for sub.SubscriberTag or reactivates the
	// existing one, filling sub.ID.
	Upsert(ctx context.Context, sub *PoolPriceSubscription) error
	Deactivate(ctx context.Context, subscriberTag string) error
	CountActiveByPool(ctx context.Context, chainID int64, pool string) (int64, error)
}
