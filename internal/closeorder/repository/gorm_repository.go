package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements the order, execution and subscription repositories on GORM
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ model.OrderRepository        = (*GormStore)(nil)
	_ model.ExecutionRepository    = (*GormStore)(nil)
	_ model.SubscriptionRepository = (*GormStore)(nil)
)

// NewGormStore creates a new GORM-based store
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger, now: time.Now}
}

// Migrate creates or updates the tables owned by this service
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.CloseOrder{}, &model.ExecutionAttempt{}, &model.PoolPriceSubscription{})
}

// Ping checks database connectivity
func (r *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateOrder inserts a new close order in monitoring state
func (r *GormStore) CreateOrder(ctx context.Context, order *model.CloseOrder) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.MonitoringState == "" {
		order.MonitoringState = model.StateMonitoring
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create close order: %w", err)
	}
	return nil
}

// FindMonitoringOrders returns every order currently in monitoring
func (r *GormStore) FindMonitoringOrders(ctx context.Context) ([]*model.CloseOrder, error) {
	return r.findByState(ctx, model.StateMonitoring)
}

// FindTriggeredOrders returns orders not updated since before the given time
// that are still in triggered
func (r *GormStore) FindTriggeredOrders(ctx context.Context, updatedBefore time.Time) ([]*model.CloseOrder, error) {
	return r.findByState(ctx, model.StateTriggered, "updated_at < ?", updatedBefore)
}

func (r *GormStore) findByState(ctx context.Context, state model.MonitoringState, extra ...interface{}) ([]*model.CloseOrder, error) {
	var orders []*model.CloseOrder
	q := r.db.WithContext(ctx).Where("monitoring_state = ?", state)
	if len(extra) > 0 {
		q = q.Where(extra[0], extra[1:]...)
	}
	if err := q.Order("created_at").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s orders: %w", state, err)
	}
	return orders, nil
}

// FindByID loads an order, returning model.ErrOrderNotFound when absent
func (r *GormStore) FindByID(ctx context.Context, id uuid.UUID) (*model.CloseOrder, error) {
	var order model.CloseOrder
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to load close order %s: %w", id, err)
	}
	return &order, nil
}

// AtomicTransitionToTriggered is a single compare-and-swap on monitoring_state
func (r *GormStore) AtomicTransitionToTriggered(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.CloseOrder{}).
		Where("id = ? AND monitoring_state = ?", id, model.StateMonitoring).
		Updates(map[string]interface{}{
			"monitoring_state": model.StateTriggered,
			"updated_at":       r.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to trigger close order %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TransitionToMonitoring returns a triggered order to monitoring for a retry
func (r *GormStore) TransitionToMonitoring(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, model.StateTriggered, model.StateMonitoring)
}

// TransitionToSuspended parks a triggered order for manual intervention
func (r *GormStore) TransitionToSuspended(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, model.StateTriggered, model.StateSuspended)
}

// MarkExecuted records a successful close
func (r *GormStore) MarkExecuted(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, model.StateTriggered, model.StateExecuted)
}

func (r *GormStore) transition(ctx context.Context, id uuid.UUID, from, to model.MonitoringState) error {
	res := r.db.WithContext(ctx).
		Model(&model.CloseOrder{}).
		Where("id = ? AND monitoring_state = ?", id, from).
		Updates(map[string]interface{}{
			"monitoring_state": to,
			"updated_at":       r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to move close order %s to %s: %w", id, to, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current.MonitoringState == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s (order %s is %s)", model.ErrInvalidTransition, from, to, id, current.MonitoringState)
}

// Create inserts an execution attempt unless one is already open for the order
func (r *GormStore) Create(ctx context.Context, attempt *model.ExecutionAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.AttemptStatus == "" {
		attempt.AttemptStatus = model.AttemptPending
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.CloseOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", attempt.CloseOrderID).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrOrderNotFound
			}
			return fmt.Errorf("failed to lock close order: %w", err)
		}

		var open int64
		if err := tx.Model(&model.ExecutionAttempt{}).
			Where("close_order_id = ? AND attempt_status IN ?", attempt.CloseOrderID,
				[]model.AttemptStatus{model.AttemptPending, model.AttemptExecuting}).
			Count(&open).Error; err != nil {
			return fmt.Errorf("failed to count open attempts: %w", err)
		}
		if open > 0 {
			return model.ErrAttemptInFlight
		}

		if err := tx.Create(attempt).Error; err != nil {
			return fmt.Errorf("failed to create execution attempt: %w", err)
		}
		return nil
	})
}

// FindLatestByOrderID returns the most recent attempt of an order
func (r *GormStore) FindLatestByOrderID(ctx context.Context, orderID uuid.UUID) (*model.ExecutionAttempt, error) {
	var attempt model.ExecutionAttempt
	err := r.db.WithContext(ctx).
		Where("close_order_id = ?", orderID).
		Order("created_at DESC").
		First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to load latest attempt for %s: %w", orderID, err)
	}
	return &attempt, nil
}

// ReopenFailed resets a failed attempt so a stale tx hash cannot be resumed
func (r *GormStore) ReopenFailed(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&model.ExecutionAttempt{}).
		Where("id = ? AND attempt_status = ?", id, model.AttemptFailed).
		Updates(map[string]interface{}{
			"attempt_status": model.AttemptPending,
			"tx_hash":        nil,
			"updated_at":     r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reopen execution attempt %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrAttemptInFlight
	}
	return nil
}

// MarkExecuting claims the attempt for the current worker
func (r *GormStore) MarkExecuting(ctx context.Context, id uuid.UUID) error {
	return r.updateAttempt(ctx, id, map[string]interface{}{
		"attempt_status": model.AttemptExecuting,
	})
}

// RecordBroadcast stores the tx hash as soon as the transaction is sent
func (r *GormStore) RecordBroadcast(ctx context.Context, id uuid.UUID, txHash string) error {
	return r.updateAttempt(ctx, id, map[string]interface{}{
		"tx_hash": txHash,
	})
}

// IncrementRetryCount marks the attempt failed and bumps its retry counter
func (r *GormStore) IncrementRetryCount(ctx context.Context, id uuid.UUID, errMsg string) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ExecutionAttempt{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"retry_count":    gorm.Expr("retry_count + 1"),
				"attempt_status": model.AttemptFailed,
				"error_message":  errMsg,
				"updated_at":     r.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to increment retry count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return model.ErrAttemptNotFound
		}
		var attempt model.ExecutionAttempt
		if err := tx.Select("retry_count").Where("id = ?", id).First(&attempt).Error; err != nil {
			return fmt.Errorf("failed to read retry count: %w", err)
		}
		count = attempt.RetryCount
		return nil
	})
	return count, err
}

// MarkCompleted records the successful outcome
func (r *GormStore) MarkCompleted(ctx context.Context, id uuid.UUID, result model.CompletionResult) error {
	now := r.now()
	return r.updateAttempt(ctx, id, map[string]interface{}{
		"attempt_status": model.AttemptCompleted,
		"tx_hash":        result.TxHash,
		"amount0_out":    result.Amount0Out,
		"amount1_out":    result.Amount1Out,
		"completed_at":   now,
	})
}

// MarkFailed records a terminal failure
func (r *GormStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	now := r.now()
	return r.updateAttempt(ctx, id, map[string]interface{}{
		"attempt_status": model.AttemptFailed,
		"error_message":  errMsg,
		"completed_at":   now,
	})
}

// SaveDiagnostics persists the latest diagnostics captured for the attempt
func (r *GormStore) SaveDiagnostics(ctx context.Context, id uuid.UUID, diag *model.Diagnostics) error {
	res := r.db.WithContext(ctx).
		Model(&model.ExecutionAttempt{ID: id}).
		Select("diagnostics", "updated_at").
		Updates(&model.ExecutionAttempt{Diagnostics: diag, UpdatedAt: r.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to save diagnostics: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrAttemptNotFound
	}
	return nil
}

func (r *GormStore) updateAttempt(ctx context.Context, id uuid.UUID, values map[string]interface{}) error {
	values["updated_at"] = r.now()
	res := r.db.WithContext(ctx).Model(&model.ExecutionAttempt{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to update execution attempt %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrAttemptNotFound
	}
	return nil
}

// Upsert registers or reactivates the subscription for its tag
func (r *GormStore) Upsert(ctx context.Context, sub *model.PoolPriceSubscription) error {
	var existing model.PoolPriceSubscription
	err := r.db.WithContext(ctx).Where("subscriber_tag = ?", sub.SubscriberTag).First(&existing).Error
	switch {
	case err == nil:
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		sub.IsActive = true
		return r.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
			"is_active":    true,
			"chain_id":     sub.ChainID,
			"pool_address": sub.PoolAddress,
			"updated_at":   r.now(),
		}).Error
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("failed to load subscription %s: %w", sub.SubscriberTag, err)
	}

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.IsActive = true
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		if isUniqueViolation(err) {
			// lost a race with another monitor instance; the row exists now
			r.logger.Debug("Subscription created concurrently", zap.String("subscriber_tag", sub.SubscriberTag))
			return r.Upsert(ctx, sub)
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Deactivate marks the subscription for a tag inactive
func (r *GormStore) Deactivate(ctx context.Context, subscriberTag string) error {
	err := r.db.WithContext(ctx).Model(&model.PoolPriceSubscription{}).
		Where("subscriber_tag = ?", subscriberTag).
		Updates(map[string]interface{}{"is_active": false, "updated_at": r.now()}).Error
	if err != nil {
		return fmt.Errorf("failed to deactivate subscription %s: %w", subscriberTag, err)
	}
	return nil
}

// CountActiveByPool counts active subscriptions on a pool across all orders
func (r *GormStore) CountActiveByPool(ctx context.Context, chainID int64, pool string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.PoolPriceSubscription{}).
		Where("chain_id = ? AND LOWER(pool_address) = ? AND is_active = ?", chainID, strings.ToLower(pool), true).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count pool subscriptions: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
