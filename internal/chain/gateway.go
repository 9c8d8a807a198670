// Package chain reads and writes the on-chain side of close orders
package chain

import (
	"context"
	"math/big"

	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
)

// PoolPrice is the current slot0 price of a pool
type PoolPrice struct {
	SqrtPriceX96 *big.Int
	Tick         int32
}

// OrderRef locates one order on the closer contract
type OrderRef struct {
	ChainID         int64
	ContractAddress string
	TokenID         *big.Int
	TriggerMode     uint8
}

// OnChainOrder is the contract's view of an order. Swap settings here
// are authoritative over the database copy.
type OnChainOrder struct {
	Status          uint8
	Owner           string
	Operator        string
	Payout          string
	TriggerTick     int32
	SwapDirection   model.SwapDirection
	SwapSlippageBps uint16
}

// Active reports whether the contract will still execute the order
func (o *OnChainOrder) Active() bool { return o.Status == OrderStatusActive }

// ValidationResult is the outcome of the position preflight
type ValidationResult struct {
	Valid    bool
	Reason   string
	Snapshot *model.PositionSnapshot
}

// SwapParams is an executable swap produced by the swap router
type SwapParams struct {
	Target       string
	Data         []byte
	AmountIn     *big.Int
	MinAmountOut *big.Int
}

// ExecuteCall is everything needed to build the executeOrder transaction
type ExecuteCall struct {
	OrderRef
	Operator     string
	FeeRecipient string
	FeeBps       uint16
	Swap         *SwapParams
}

// SimulationResult is the outcome of a dry run
type SimulationResult struct {
	Success      bool
	DecodedError string
	GasEstimate  uint64
}

// Receipt status values
const (
	ReceiptSuccess  = "success"
	ReceiptReverted = "reverted"
)

// Receipt summarizes a mined transaction
type Receipt struct {
	TxHash      string
	Status      string
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway is the chain boundary used by the monitor and the executor
type Gateway interface {
	SupportsChain(chainID int64) bool
	HasSigner(chainID int64, operator string) bool
	ReadPoolPrice(ctx context.Context, chainID int64, pool string) (PoolPrice, error)
	ReadOnChainOrder(ctx context.Context, ref OrderRef) (*OnChainOrder, error)
	ValidatePositionForClose(ctx context.Context, ref OrderRef, owner string) (*ValidationResult, error)
	GetNonce(ctx context.Context, chainID int64, address string) (uint64, error)
	Simulate(ctx context.Context, call ExecuteCall) (*SimulationResult, error)
	SignAndBroadcast(ctx context.Context, call ExecuteCall, nonce uint64, gasLimit uint64) (string, error)
	WaitForTransaction(ctx context.Context, chainID int64, txHash string) (*Receipt, error)
	GetRevertReason(ctx context.Context, chainID int64, txHash string) (string, error)
	TokenBalances(ctx context.Context, chainID int64, holder string, tokens []string) (map[string]string, error)
}
