package executor

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
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/swaprouter"
	"github.com/Aidin1998/pincex_autoclose/internal/database"
	"github.com/Aidin1998/pincex_autoclose/internal/infrastructure/messaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testChain    = int64(42161)
	testPool     = "0xC6962004f452bE9203591991D15f6b388e09E8D0"
	testContract = "0x1111111111111111111111111111111111111111"
	testOperator = "0x2222222222222222222222222222222222222222"
	testOwner    = "0x3333333333333333333333333333333333333333"
)

type fakeGateway struct {
	mu sync.Mutex

	unsupported bool
	noSigner    bool

	orderStatus   uint8
	swapDirection model.SwapDirection
	valid         bool
	invalidReason string
	simFail       string
	receiptStatus string
	waitErr       error
	revertReason  string

	simulated  []chain.ExecuteCall
	signed     []chain.ExecuteCall
	waited     []string
	validated  int
	nonceCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		orderStatus:   chain.OrderStatusActive,
		swapDirection: model.SwapNone,
		valid:         true,
		receiptStatus: chain.ReceiptSuccess,
	}
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) SupportsChain(chainID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unsupported && chainID == testChain
}

func (g *fakeGateway) HasSigner(_ int64, operator string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.noSigner && operator == testOperator
}

func (g *fakeGateway) ReadPoolPrice(_ context.Context, _ int64, _ string) (chain.PoolPrice, error) {
	sqrt, _ := chain.SqrtRatioAtTick(520)
	return chain.PoolPrice{SqrtPriceX96: sqrt, Tick: 520}, nil
}

func (g *fakeGateway) ReadOnChainOrder(_ context.Context, ref chain.OrderRef) (*chain.OnChainOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &chain.OnChainOrder{
		Status:          g.orderStatus,
		Owner:           testOwner,
		Operator:        testOperator,
		TriggerTick:     500,
		SwapDirection:   g.swapDirection,
		SwapSlippageBps: 50,
	}, nil
}

func (g *fakeGateway) ValidatePositionForClose(_ context.Context, _ chain.OrderRef, owner string) (*chain.ValidationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validated++
	snap := &model.PositionSnapshot{
		Owner:     owner,
		Token0:    "0x00000000000000000000000000000000000000a0",
		Token1:    "0x00000000000000000000000000000000000000a1",
		Liquidity: "1000",
	}
	if !g.valid {
		return &chain.ValidationResult{Valid: false, Reason: g.invalidReason, Snapshot: snap}, nil
	}
	return &chain.ValidationResult{Valid: true, Snapshot: snap}, nil
}

func (g *fakeGateway) GetNonce(context.Context, int64, string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nonceCalls++
	return uint64(g.nonceCalls), nil
}

func (g *fakeGateway) Simulate(_ context.Context, call chain.ExecuteCall) (*chain.SimulationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.simulated = append(g.simulated, call)
	if g.simFail != "" {
		return &chain.SimulationResult{Success: false, DecodedError: g.simFail}, nil
	}
	return &chain.SimulationResult{Success: true, GasEstimate: 250000}, nil
}

func (g *fakeGateway) SignAndBroadcast(_ context.Context, call chain.ExecuteCall, nonce, _ uint64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signed = append(g.signed, call)
	return "0x" + big.NewInt(int64(nonce)).Text(16), nil
}

func (g *fakeGateway) WaitForTransaction(_ context.Context, _ int64, txHash string) (*chain.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waited = append(g.waited, txHash)
	if g.waitErr != nil {
		return nil, g.waitErr
	}
	return &chain.Receipt{TxHash: txHash, Status: g.receiptStatus, BlockNumber: 1234, GasUsed: 210000}, nil
}

func (g *fakeGateway) GetRevertReason(context.Context, int64, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.revertReason == "" {
		return "", errors.New("no revert data")
	}
	return g.revertReason, nil
}

func (g *fakeGateway) TokenBalances(_ context.Context, _ int64, _ string, tokens []string) (map[string]string, error) {
	out := make(map[string]string, len(tokens))
	for _, t := range tokens {
		out[t] = "0"
	}
	return out, nil
}

func (g *fakeGateway) signCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.signed)
}

type mockRouter struct{ mock.Mock }

func (m *mockRouter) ComputeSwapParams(_ context.Context, req swaprouter.Request) (*swaprouter.Result, error) {
	args := m.Called(req)
	res, _ := args.Get(0).(*swaprouter.Result)
	return res, args.Error(1)
}

type fixture struct {
	store    *repository.GormStore
	gateway  *fakeGateway
	router   *mockRouter
	broker   *messaging.MemoryBroker
	executor *Executor
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	db, err := database.NewSQLiteDB("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	f := &fixture{
		store:   repository.NewGormStore(db, zap.NewNop()),
		gateway: newFakeGateway(),
		router:  &mockRouter{},
		broker:  messaging.NewMemoryBroker(messaging.DefaultTopics(), 50*time.Millisecond, zap.NewNop()),
	}
	cfg := DefaultConfig()
	cfg.RetryDelay = 50 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}
	notifier := notify.NewNotifier(f.broker, messaging.DefaultTopics().Events, zap.NewNop())
	f.executor = NewExecutor(cfg, f.store, f.store, f.store, f.gateway, f.router, notifier, zap.NewNop())
	return f
}

func (f *fixture) order(t *testing.T, mode model.TriggerMode, tick int32) *model.CloseOrder {
	t.Helper()
	o := &model.CloseOrder{
		PositionID:      uuid.New(),
		ChainID:         testChain,
		PoolAddress:     testPool,
		ContractAddress: testContract,
		OperatorAddress: testOperator,
		TriggerMode:     mode,
		TriggerTick:     &tick,
		Config:          model.NewUniswapV3Config(model.UniswapV3Config{NFTID: "4242", SwapDirection: model.SwapNone}),
	}
	require.NoError(t, f.store.CreateOrder(context.Background(), o))
	return o
}

func jobFor(o *model.CloseOrder) model.TriggerJob {
	sqrt, _ := chain.SqrtRatioAtTick(520)
	trig, _ := chain.SqrtRatioAtTick(*o.TriggerTick)
	return model.TriggerJob{
		OrderID:      o.ID.String(),
		PositionID:   o.PositionID.String(),
		PoolAddress:  o.PoolAddress,
		ChainID:      o.ChainID,
		CurrentPrice: sqrt.String(),
		TriggerPrice: trig.String(),
		TriggerSide:  o.TriggerMode.Side(),
		TriggeredAt:  time.Now().UTC(),
	}
}

func (f *fixture) run(t *testing.T, o *model.CloseOrder) messaging.Outcome {
	t.Helper()
	return f.executor.ExecuteOrder(context.Background(), jobFor(o), o.ID)
}

func (f *fixture) reload(t *testing.T, o *model.CloseOrder) (*model.CloseOrder, *model.ExecutionAttempt) {
	t.Helper()
	order, err := f.store.FindByID(context.Background(), o.ID)
	require.NoError(t, err)
	attempt, err := f.store.FindLatestByOrderID(context.Background(), o.ID)
	if errors.Is(err, model.ErrAttemptNotFound) {
		return order, nil
	}
	require.NoError(t, err)
	return order, attempt
}
