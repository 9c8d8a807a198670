// Package notify publishes close-order state changes to the events topic.
// Delivery is best effort: failures are logged and never change the
// outcome of the transition that produced the event.
package notify

import (
	"context"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/Aidin1998/pincex_autoclose/internal/infrastructure/messaging"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Notifier emits NotificationEvents
type Notifier struct {
	publisher messaging.Publisher
	topic     messaging.Topic
	logger    *zap.Logger
	now       func() time.Time
}

func NewNotifier(publisher messaging.Publisher, topic messaging.Topic, logger *zap.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		topic:     topic,
		logger:    logger.Named("notify"),
		now:       time.Now,
	}
}

// Event builds an event for order with the common fields filled in
func (n *Notifier) Event(typ model.NotificationType, order *model.CloseOrder) model.NotificationEvent {
	return model.NotificationEvent{
		Type:        typ,
		OrderID:     order.ID.String(),
		PositionID:  order.PositionID.String(),
		ChainID:     order.ChainID,
		Platform:    order.Config.Protocol,
		TriggerSide: order.TriggerMode.Side(),
		OccurredAt:  n.now().UTC(),
	}
}

// Publish sends ev keyed by order id. It does not return an error.
func (n *Notifier) Publish(ctx context.Context, ev model.NotificationEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.publisher.Publish(ctx, n.topic, ev.OrderID, ev); err != nil {
		n.logger.Warn("Failed to publish notification",
			zap.String("type", string(ev.Type)),
			zap.String("order_id", ev.OrderID),
			zap.Error(err))
	}
}
