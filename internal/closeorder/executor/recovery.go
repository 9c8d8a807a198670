package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/chain"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/Aidin1998/pincex_autoclose/internal/infrastructure/messaging"
	"go.uber.org/zap"
)

func (e *Executor) runRecovery(ctx context.Context, pub messaging.Publisher) {
	interval := e.cfg.LeaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.RecoverStuckOrders(ctx, pub)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("Lease sweep failed", zap.Error(err))
			} else if n > 0 {
				e.logger.Warn("Republished stuck orders", zap.Int("orders", n))
			}
		}
	}
}

// RecoverStuckOrders republishes a trigger job for every triggered order
// whose owner stopped making progress for longer than the lease. The
// redelivered job takes the attempt over.
func (e *Executor) RecoverStuckOrders(ctx context.Context, pub messaging.Publisher) (int, error) {
	now := e.now()
	orders, err := e.orders.FindTriggeredOrders(ctx, now.Add(-e.cfg.LeaseTimeout))
	if err != nil {
		return 0, err
	}

	published := 0
	for _, order := range orders {
		latest, err := e.attempts.FindLatestByOrderID(ctx, order.ID)
		if err == nil && latest.AttemptStatus.Open() && !latest.Stale(now, e.cfg.LeaseTimeout) {
			continue
		}
		job := model.TriggerJob{
			OrderID:     order.ID.String(),
			PositionID:  order.PositionID.String(),
			PoolAddress: order.PoolAddress,
			ChainID:     order.ChainID,
			TriggerSide: order.TriggerMode.Side(),
			TriggeredAt: now.UTC(),
		}
		if err == nil {
			job.CurrentPrice = latest.TriggerSqrtPrice
		}
		if order.TriggerTick != nil {
			if p, terr := chain.SqrtRatioAtTick(*order.TriggerTick); terr == nil {
				job.TriggerPrice = p.String()
			}
		}
		if err := pub.Publish(ctx, e.cfg.TriggerTopic, job.OrderID, job); err != nil {
			return published, fmt.Errorf("republish order %s: %w", order.ID, err)
		}
		published++
	}
	return published, nil
}
