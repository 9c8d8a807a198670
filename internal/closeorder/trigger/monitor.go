// Package trigger keeps one live price subscriber per monitoring close
// order and publishes a trigger job when an order's tick condition is met.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/chain"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/notify"
	"github.com/Aidin1998/pincex_autoclose/internal/infrastructure/messaging"
	"github.com/Aidin1998/pincex_autoclose/internal/pricefeed"
	"github.com/Aidin1998/pincex_autoclose/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PriceReader reads the current pool price
type PriceReader interface {
	ReadPoolPrice(ctx context.Context, chainID int64, pool string) (chain.PoolPrice, error)
}

// Config for the monitor
type Config struct {
	SyncInterval time.Duration
	TriggerTopic messaging.Topic
	// RefireAfter is how long a fired order that no executor picked up
	// waits before it gets a new subscriber
	RefireAfter time.Duration
	// RearmAfter is how long an order returned to monitoring by a failed
	// attempt waits before it gets a new subscriber
	RearmAfter time.Duration
}

// Monitor is the subscription registry and trigger evaluator
type Monitor struct {
	orders    model.OrderRepository
	subs      model.SubscriptionRepository
	prices    PriceReader
	feed      pricefeed.Source
	publisher messaging.Publisher
	notifier  *notify.Notifier
	logger    *zap.Logger

	syncInterval time.Duration
	triggerTopic messaging.Topic
	refireAfter  time.Duration
	rearmAfter   time.Duration

	registry *registry
	wake     chan struct{}
	running  int32
	syncMu   sync.Mutex
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewMonitor creates a trigger monitor
func NewMonitor(
	cfg Config,
	orders model.OrderRepository,
	subs model.SubscriptionRepository,
	prices PriceReader,
	feed pricefeed.Source,
	publisher messaging.Publisher,
	notifier *notify.Notifier,
	logger *zap.Logger,
) *Monitor {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.TriggerTopic == "" {
		cfg.TriggerTopic = messaging.DefaultTopics().Trigger
	}
	if cfg.RefireAfter <= 0 {
		cfg.RefireAfter = 10 * time.Minute
	}
	return &Monitor{
		orders:       orders,
		subs:         subs,
		prices:       prices,
		feed:         feed,
		publisher:    publisher,
		notifier:     notifier,
		logger:       logger.Named("trigger-monitor"),
		syncInterval: cfg.SyncInterval,
		triggerTopic: cfg.TriggerTopic,
		refireAfter:  cfg.RefireAfter,
		rearmAfter:   cfg.RearmAfter,
		registry:     newRegistry(),
		wake:         make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Run syncs immediately, then on every interval tick and every Notify,
// until ctx is cancelled. All subscribers are stopped before it returns.
func (m *Monitor) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return fmt.Errorf("trigger monitor already running")
	}
	defer atomic.StoreInt32(&m.running, 0)

	m.logger.Info("Starting trigger monitor", zap.Duration("sync_interval", m.syncInterval))
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	m.syncAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			m.logger.Info("Trigger monitor stopped")
			return nil
		case <-ticker.C:
			m.syncAndLog(ctx)
		case <-m.wake:
			m.syncAndLog(ctx)
		}
	}
}

// Notify requests an immediate sync without blocking
func (m *Monitor) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stop tears down every subscriber and waits for their goroutines
func (m *Monitor) Stop() {
	for _, s := range m.registry.drain() {
		s.stop()
	}
	metrics.ActiveSubscribers.Set(0)
	m.wg.Wait()
}

// ActiveSubscribers returns the number of live subscribers
func (m *Monitor) ActiveSubscribers() int {
	return m.registry.len()
}

func (m *Monitor) syncAndLog(ctx context.Context) {
	if err := m.SyncSubscriptions(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("Subscription sync failed", zap.Error(err))
	}
}

// SyncSubscriptions reconciles live subscribers with the orders currently
// in monitoring. Subscribers live until their order leaves monitoring, the
// feed fails, or ctx is cancelled.
func (m *Monitor) SyncSubscriptions(ctx context.Context) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	orders, err := m.orders.FindMonitoringOrders(ctx)
	if err != nil {
		return fmt.Errorf("find monitoring orders: %w", err)
	}
	want := make(map[uuid.UUID]*model.CloseOrder, len(orders))
	for _, o := range orders {
		want[o.ID] = o
	}

	add, stale := m.registry.diff(want, m.now(), m.refireAfter, m.rearmAfter)
	for _, s := range stale {
		m.retire(ctx, s, "order left monitoring")
	}

	created := 0
	for _, o := range add {
		if err := o.Monitorable(); err != nil {
			m.logger.Warn("Skipping order without monitoring metadata",
				zap.String("order_id", o.ID.String()),
				zap.Error(err))
			continue
		}
		if err := m.subscribe(ctx, o); err != nil {
			m.logger.Warn("Failed to create subscriber",
				zap.String("order_id", o.ID.String()),
				zap.Int64("chain_id", o.ChainID),
				zap.String("pool", o.PoolAddress),
				zap.Error(err))
			continue
		}
		created++
	}

	metrics.ActiveSubscribers.Set(float64(m.registry.len()))
	m.logger.Debug("Subscriptions synced",
		zap.Int("monitoring", len(orders)),
		zap.Int("created", created),
		zap.Int("removed", len(stale)),
		zap.Int("active", m.registry.len()))
	return nil
}

func (m *Monitor) subscribe(ctx context.Context, order *model.CloseOrder) error {
	record := &model.PoolPriceSubscription{
		SubscriberTag: order.SubscriberTag(),
		ChainID:       order.ChainID,
		PoolAddress:   order.PoolAddress,
		IsActive:      true,
	}
	if err := m.subs.Upsert(ctx, record); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stream, err := m.feed.Subscribe(subCtx, order.ChainID, order.PoolAddress)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to pool: %w", err)
	}
	s := &subscriber{
		orderID: order.ID,
		tag:     record.SubscriberTag,
		chainID: order.ChainID,
		pool:    order.PoolAddress,
		stream:  stream,
		cancel:  cancel,
	}
	if !m.registry.add(s) {
		s.stop()
		return nil
	}

	m.wg.Add(1)
	go m.watch(subCtx, s)
	return nil
}

// watch checks the current price once, then consumes streamed events
func (m *Monitor) watch(ctx context.Context, s *subscriber) {
	defer m.wg.Done()
	logger := m.logger.With(zap.String("order_id", s.orderID.String()), zap.String("pool", s.pool))

	price, err := m.prices.ReadPoolPrice(ctx, s.chainID, s.pool)
	if err != nil {
		logger.Warn("Initial price read failed", zap.Error(err))
	} else {
		m.evaluate(ctx, s, pricefeed.PriceEvent{
			ChainID:      s.chainID,
			Pool:         s.pool,
			SqrtPriceX96: price.SqrtPriceX96,
			Tick:         price.Tick,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.stream.Events():
			m.evaluate(ctx, s, ev)
		case err, ok := <-s.stream.Err():
			if ctx.Err() != nil {
				return
			}
			if !ok || err == nil {
				err = errors.New("price feed closed")
			}
			logger.Warn("Subscriber failed, removing until next sync", zap.Error(err))
			if m.registry.remove(s) {
				s.stop()
				metrics.ActiveSubscribers.Set(float64(m.registry.len()))
			}
			return
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context, s *subscriber, ev pricefeed.PriceEvent) {
	if s.fired.Load() || ctx.Err() != nil {
		return
	}
	if _, err := m.handle(ctx, s, ev); err != nil && ctx.Err() == nil {
		m.logger.Error("Swap event evaluation failed",
			zap.String("order_id", s.orderID.String()),
			zap.Int32("tick", ev.Tick),
			zap.Error(err))
	}
}

// HandleSwapEvent evaluates ev for the order's live subscriber and reports
// whether a trigger job was published.
func (m *Monitor) HandleSwapEvent(ctx context.Context, orderID uuid.UUID, ev pricefeed.PriceEvent) (bool, error) {
	s := m.registry.get(orderID)
	if s == nil {
		return false, nil
	}
	return m.handle(ctx, s, ev)
}

func (m *Monitor) handle(ctx context.Context, s *subscriber, ev pricefeed.PriceEvent) (bool, error) {
	order, ok, err := m.stillMonitoring(ctx, s)
	if err != nil || !ok {
		return false, err
	}
	if !order.TriggerMode.Triggered(ev.Tick, *order.TriggerTick) {
		return false, nil
	}
	if !s.fired.CompareAndSwap(false, true) {
		return false, nil
	}

	// the order may have moved between the first read and now
	order, ok, err = m.stillMonitoring(ctx, s)
	if err != nil || !ok {
		s.fired.Store(false)
		return false, err
	}

	triggerPrice, err := chain.SqrtRatioAtTick(*order.TriggerTick)
	if err != nil {
		s.fired.Store(false)
		return false, fmt.Errorf("trigger price: %w", err)
	}
	job := model.TriggerJob{
		OrderID:      order.ID.String(),
		PositionID:   order.PositionID.String(),
		PoolAddress:  order.PoolAddress,
		ChainID:      order.ChainID,
		TriggerPrice: triggerPrice.String(),
		TriggerSide:  order.TriggerMode.Side(),
		TriggeredAt:  m.now().UTC(),
	}
	if ev.SqrtPriceX96 != nil {
		job.CurrentPrice = ev.SqrtPriceX96.String()
	}
	m.registry.markFired(s.orderID, m.now())
	if err := m.publisher.Publish(ctx, m.triggerTopic, job.OrderID, job); err != nil {
		// the next qualifying event retries the publish
		m.registry.clearFired(s.orderID)
		s.fired.Store(false)
		return false, fmt.Errorf("publish trigger job: %w", err)
	}

	metrics.TriggersFired.WithLabelValues(job.TriggerSide).Inc()
	m.logger.Info("Close order triggered",
		zap.String("order_id", job.OrderID),
		zap.String("position_id", job.PositionID),
		zap.Int64("chain_id", order.ChainID),
		zap.String("platform", string(order.Config.Protocol)),
		zap.String("trigger_side", job.TriggerSide),
		zap.Int32("tick", ev.Tick),
		zap.Int32("trigger_tick", *order.TriggerTick),
		// raw token1/token0 ratio, token decimals are not known here
		zap.Stringer("raw_price", chain.SqrtPriceToPrice(ev.SqrtPriceX96, 0, 0)),
		zap.Uint64("block", ev.BlockNumber))
	if m.notifier != nil {
		m.notifier.Publish(ctx, m.notifier.Event(model.NotifyTriggered, order))
	}

	m.retire(ctx, s, "triggered")
	return true, nil
}

// stillMonitoring re-reads the order. A missing or non-monitoring order
// retires its subscriber.
func (m *Monitor) stillMonitoring(ctx context.Context, s *subscriber) (*model.CloseOrder, bool, error) {
	order, err := m.orders.FindByID(ctx, s.orderID)
	if errors.Is(err, model.ErrOrderNotFound) {
		m.retire(ctx, s, "order deleted")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load order: %w", err)
	}
	if order.MonitoringState != model.StateMonitoring {
		m.retire(ctx, s, "order is "+string(order.MonitoringState))
		return nil, false, nil
	}
	if order.TriggerTick == nil {
		return nil, false, nil
	}
	return order, true, nil
}

// retire removes s, stops its stream and deactivates its record
func (m *Monitor) retire(ctx context.Context, s *subscriber, reason string) {
	if !m.registry.remove(s) {
		return
	}
	s.stop()
	metrics.ActiveSubscribers.Set(float64(m.registry.len()))

	if err := m.subs.Deactivate(context.WithoutCancel(ctx), s.tag); err != nil {
		m.logger.Warn("Failed to deactivate subscription",
			zap.String("subscriber_tag", s.tag),
			zap.Error(err))
	}
	m.logger.Debug("Subscriber removed",
		zap.String("order_id", s.orderID.String()),
		zap.String("reason", reason))
}
