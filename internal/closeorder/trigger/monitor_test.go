package trigger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/chain"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/notify"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/repository"
	"github.com/Aidin1998/pincex_autoclose/internal/database"
	"github.com/Aidin1998/pincex_autoclose/internal/infrastructure/messaging"
	"github.com/Aidin1998/pincex_autoclose/internal/pricefeed"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPool = "0xC6962004f452bE9203591991D15f6b388e09E8D0"

type fakePrices struct {
	mu    sync.Mutex
	ticks map[string]int32
	err   error
}

func (f *fakePrices) set(pool string, tick int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks[pool] = tick
}

func (f *fakePrices) ReadPoolPrice(_ context.Context, _ int64, pool string) (chain.PoolPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return chain.PoolPrice{}, f.err
	}
	tick := f.ticks[pool]
	sqrt, err := chain.SqrtRatioAtTick(tick)
	if err != nil {
		return chain.PoolPrice{}, err
	}
	return chain.PoolPrice{SqrtPriceX96: sqrt, Tick: tick}, nil
}

type fakeFeed struct {
	mu      sync.Mutex
	streams []*pricefeed.Stream
	failing bool
}

func (f *fakeFeed) Subscribe(_ context.Context, _ int64, _ string) (pricefeed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("dial refused")
	}
	s := pricefeed.NewStream(nil)
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeFeed) stream(i int) *pricefeed.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

type harness struct {
	store   *repository.GormStore
	broker  *messaging.MemoryBroker
	prices  *fakePrices
	feed    *fakeFeed
	monitor *Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.NewSQLiteDB("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	h := &harness{
		store:  repository.NewGormStore(db, zap.NewNop()),
		broker: messaging.NewMemoryBroker(messaging.DefaultTopics(), time.Second, zap.NewNop()),
		prices: &fakePrices{ticks: map[string]int32{}},
		feed:   &fakeFeed{},
	}
	notifier := notify.NewNotifier(h.broker, messaging.DefaultTopics().Events, zap.NewNop())
	h.monitor = NewMonitor(Config{SyncInterval: time.Hour}, h.store, h.store, h.prices, h.feed, h.broker, notifier, zap.NewNop())
	t.Cleanup(h.monitor.Stop)
	return h
}

func (h *harness) order(t *testing.T, mode model.TriggerMode, tick int32) *model.CloseOrder {
	t.Helper()
	o := &model.CloseOrder{
		PositionID:      uuid.New(),
		ChainID:         42161,
		PoolAddress:     testPool,
		ContractAddress: "0x1111111111111111111111111111111111111111",
		OperatorAddress: "0x2222222222222222222222222222222222222222",
		TriggerMode:     mode,
		TriggerTick:     &tick,
		Config:          model.NewUniswapV3Config(model.UniswapV3Config{NFTID: "7"}),
	}
	require.NoError(t, h.store.CreateOrder(context.Background(), o))
	return o
}

func (h *harness) triggerJobs(t *testing.T) []model.TriggerJob {
	t.Helper()
	var jobs []model.TriggerJob
	for h.broker.Pending(messaging.DefaultTopics().Trigger) > 0 {
		msg, err := h.broker.Next(context.Background(), messaging.DefaultTopics().Trigger)
		require.NoError(t, err)
		job, _, err := model.DecodeTriggerJob(msg.Value)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

func event(tick int32) pricefeed.PriceEvent {
	sqrt, _ := chain.SqrtRatioAtTick(tick)
	return pricefeed.PriceEvent{ChainID: 42161, Pool: testPool, SqrtPriceX96: sqrt, Tick: tick}
}

func waitForJobs(t *testing.T, h *harness, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.broker.Pending(messaging.DefaultTopics().Trigger) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLowerTriggerFiresExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.prices.set(testPool, 200)
	order := h.order(t, model.TriggerModeLower, 100)

	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	require.Equal(t, 1, h.feed.count())
	stream := h.feed.stream(0)

	for _, tick := range []int32{150, 120} {
		require.True(t, stream.Deliver(event(tick)))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.broker.Pending(messaging.DefaultTopics().Trigger))

	stream.Deliver(event(100))
	stream.Deliver(event(90))
	waitForJobs(t, h, 1)
	time.Sleep(50 * time.Millisecond)

	jobs := h.triggerJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, order.ID.String(), jobs[0].OrderID)
	assert.Equal(t, "lower", jobs[0].TriggerSide)
	want, _ := chain.SqrtRatioAtTick(100)
	assert.Equal(t, want.String(), jobs[0].CurrentPrice)
	assert.Equal(t, want.String(), jobs[0].TriggerPrice)

	assert.Eventually(t, func() bool { return h.monitor.ActiveSubscribers() == 0 }, time.Second, 5*time.Millisecond)
	active, err := h.store.CountActiveByPool(context.Background(), 42161, testPool)
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestSubscribeFiresWhenConditionAlreadyMet(t *testing.T) {
	h := newHarness(t)
	h.prices.set(testPool, 90)
	order := h.order(t, model.TriggerModeLower, 100)

	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	waitForJobs(t, h, 1)

	jobs := h.triggerJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, order.ID.String(), jobs[0].OrderID)
}

func TestFiredOrderIsNotResubscribedBySync(t *testing.T) {
	h := newHarness(t)
	h.prices.set(testPool, 90)
	order := h.order(t, model.TriggerModeLower, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.monitor.SyncSubscriptions(ctx))
		waitForJobs(t, h, 1)
		require.Eventually(t, func() bool { return h.monitor.ActiveSubscribers() == 0 }, time.Second, 5*time.Millisecond)
	}
	require.NoError(t, h.monitor.SyncSubscriptions(ctx))
	assert.Equal(t, 1, h.feed.count())
	require.Len(t, h.triggerJobs(t), 1)

	// no executor picked the job up within the lease, fire again
	h.monitor.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, h.monitor.SyncSubscriptions(ctx))
	waitForJobs(t, h, 1)
	jobs := h.triggerJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, order.ID.String(), jobs[0].OrderID)
}

func TestFailedOrderIsRearmedAfterRetryDelay(t *testing.T) {
	h := newHarness(t)
	h.monitor.rearmAfter = time.Minute
	h.prices.set(testPool, 90)
	order := h.order(t, model.TriggerModeLower, 100)
	ctx := context.Background()

	require.NoError(t, h.monitor.SyncSubscriptions(ctx))
	waitForJobs(t, h, 1)
	require.Len(t, h.triggerJobs(t), 1)
	require.Eventually(t, func() bool { return h.monitor.ActiveSubscribers() == 0 }, time.Second, 5*time.Millisecond)

	ok, err := h.store.AtomicTransitionToTriggered(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.monitor.SyncSubscriptions(ctx))

	// the attempt failed and the order went back to monitoring
	require.NoError(t, h.store.TransitionToMonitoring(ctx, order.ID))
	require.NoError(t, h.monitor.SyncSubscriptions(ctx))
	assert.Equal(t, 1, h.feed.count())

	h.monitor.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, h.monitor.SyncSubscriptions(ctx))
	waitForJobs(t, h, 1)
	assert.Len(t, h.triggerJobs(t), 1)
	assert.Equal(t, 2, h.feed.count())
}

func TestTriggerBoundaryIsInclusive(t *testing.T) {
	for _, mode := range []model.TriggerMode{model.TriggerModeLower, model.TriggerModeUpper} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t)
			h.prices.set(testPool, -887)
			h.order(t, mode, -887)

			require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
			waitForJobs(t, h, 1)
			jobs := h.triggerJobs(t)
			require.Len(t, jobs, 1)
			assert.Equal(t, mode.Side(), jobs[0].TriggerSide)
		})
	}
}

func TestUpperTriggerFromStreamedSwap(t *testing.T) {
	h := newHarness(t)
	h.prices.set(testPool, 400)
	order := h.order(t, model.TriggerModeUpper, 500)

	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.broker.Pending(messaging.DefaultTopics().Trigger))

	h.feed.stream(0).Deliver(event(520))
	waitForJobs(t, h, 1)

	jobs := h.triggerJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, "upper", jobs[0].TriggerSide)
	assert.Equal(t, order.PositionID.String(), jobs[0].PositionID)

	// the monitor publishes, the executor owns the transition
	got, err := h.store.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateMonitoring, got.MonitoringState)

	assert.Equal(t, 1, h.broker.Pending(messaging.DefaultTopics().Events))
}

func TestStreamedEventForTriggeredOrderIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.prices.set(testPool, 400)
	order := h.order(t, model.TriggerModeUpper, 500)
	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))

	ok, err := h.store.AtomicTransitionToTriggered(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, ok)

	fired, err := h.monitor.HandleSwapEvent(context.Background(), order.ID, event(600))
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Equal(t, 0, h.broker.Pending(messaging.DefaultTopics().Trigger))
	assert.Equal(t, 0, h.monitor.ActiveSubscribers())
}

func TestSubscriberErrorRemovesItUntilNextSync(t *testing.T) {
	h := newHarness(t)
	h.prices.set(testPool, 400)
	h.order(t, model.TriggerModeUpper, 500)

	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	require.Equal(t, 1, h.monitor.ActiveSubscribers())

	h.feed.stream(0).Fail(errors.New("websocket: close 1006"))
	require.Eventually(t, func() bool { return h.monitor.ActiveSubscribers() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	assert.Equal(t, 1, h.monitor.ActiveSubscribers())
	assert.Equal(t, 2, h.feed.count())
}

func TestSyncRemovesOrdersLeavingMonitoring(t *testing.T) {
	h := newHarness(t)
	h.prices.set(testPool, 400)
	a := h.order(t, model.TriggerModeUpper, 500)
	h.order(t, model.TriggerModeUpper, 600)

	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	require.Equal(t, 2, h.monitor.ActiveSubscribers())

	ok, err := h.store.AtomicTransitionToTriggered(context.Background(), a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.store.TransitionToSuspended(context.Background(), a.ID))

	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	assert.Equal(t, 1, h.monitor.ActiveSubscribers())
	assert.Nil(t, h.monitor.registry.get(a.ID))

	// repeated syncs reuse subscribers
	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	assert.Equal(t, 2, h.feed.count())
}

func TestSyncSkipsUnmonitorableAndFailedSubscriptions(t *testing.T) {
	h := newHarness(t)
	o := &model.CloseOrder{
		PositionID:  uuid.New(),
		ChainID:     42161,
		PoolAddress: testPool,
		TriggerMode: model.TriggerModeLower,
		Config:      model.NewUniswapV3Config(model.UniswapV3Config{NFTID: "9"}),
	}
	require.NoError(t, h.store.CreateOrder(context.Background(), o))
	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	assert.Equal(t, 0, h.feed.count())

	h.order(t, model.TriggerModeLower, 100)
	h.feed.failing = true
	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	assert.Equal(t, 0, h.monitor.ActiveSubscribers())
}

func TestRunSyncsOnNotify(t *testing.T) {
	h := newHarness(t)
	h.prices.set(testPool, 400)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.monitor.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	h.order(t, model.TriggerModeUpper, 500)
	h.monitor.Notify()
	require.Eventually(t, func() bool { return h.monitor.ActiveSubscribers() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, h.monitor.ActiveSubscribers())
}

func TestInitialPriceReadFailureStillStreams(t *testing.T) {
	h := newHarness(t)
	h.prices.err = errors.New("rpc timeout")
	h.order(t, model.TriggerModeLower, 100)

	require.NoError(t, h.monitor.SyncSubscriptions(context.Background()))
	h.feed.stream(0).Deliver(pricefeed.PriceEvent{ChainID: 42161, Pool: testPool, SqrtPriceX96: big.NewInt(1), Tick: 50})
	waitForJobs(t, h, 1)
}
