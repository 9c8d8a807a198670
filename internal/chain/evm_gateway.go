package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	apperrors "github.com/Aidin1998/pincex_autoclose/pkg/errors"
)

// Backend is the subset of ethclient.Client the gateway uses
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Close()
}

// EVMChainConfig configures one chain of the gateway
type EVMChainConfig struct {
	ID                  int64
	Name                string
	RPCURL              string
	PositionManager     string
	ConfirmationTimeout time.Duration
	OperatorKey         string
}

type evmChain struct {
	cfg             EVMChainConfig
	backend         Backend
	positionManager common.Address
	signers         map[common.Address]*ecdsa.PrivateKey
}

// EVMGateway implements Gateway over JSON-RPC clients, one per chain
type EVMGateway struct {
	mu           sync.RWMutex
	chains       map[int64]*evmChain
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewEVMGateway dials every configured chain
func NewEVMGateway(ctx context.Context, chains []EVMChainConfig, logger *zap.Logger) (*EVMGateway, error) {
	g := &EVMGateway{
		chains:       make(map[int64]*evmChain, len(chains)),
		pollInterval: 2 * time.Second,
		logger:       logger.Named("evm-gateway"),
	}
	for _, cfg := range chains {
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("dial chain %d: %w", cfg.ID, err)
		}
		if err := g.AddChain(cfg, client); err != nil {
			client.Close()
			g.Close()
			return nil, err
		}
	}
	return g, nil
}

// AddChain registers a chain served by backend
func (g *EVMGateway) AddChain(cfg EVMChainConfig, backend Backend) error {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 3 * time.Minute
	}
	if !common.IsHexAddress(cfg.PositionManager) {
		return fmt.Errorf("chain %d: invalid position manager %q", cfg.ID, cfg.PositionManager)
	}
	c := &evmChain{
		cfg:             cfg,
		backend:         backend,
		positionManager: common.HexToAddress(cfg.PositionManager),
		signers:         make(map[common.Address]*ecdsa.PrivateKey),
	}
	if cfg.OperatorKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
		if err != nil {
			return fmt.Errorf("chain %d: invalid operator key: %w", cfg.ID, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		c.signers[addr] = key
		g.logger.Info("Operator signer loaded", zap.Int64("chain_id", cfg.ID), zap.String("operator", addr.Hex()))
	}

	g.mu.Lock()
	g.chains[cfg.ID] = c
	g.mu.Unlock()
	return nil
}

// SetPollInterval changes how often WaitForTransaction polls for a receipt
func (g *EVMGateway) SetPollInterval(d time.Duration) {
	g.pollInterval = d
}

// Close releases every RPC client
func (g *EVMGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.chains {
		c.backend.Close()
		delete(g.chains, id)
	}
}

func (g *EVMGateway) chain(chainID int64) (*evmChain, error) {
	g.mu.RLock()
	c, ok := g.chains[chainID]
	g.mu.RUnlock()
	if !ok {
		return nil, apperrors.Configuration.Explain("unsupported chain %d", chainID)
	}
	return c, nil
}

// SupportsChain reports whether chainID has an RPC client
func (g *EVMGateway) SupportsChain(chainID int64) bool {
	_, err := g.chain(chainID)
	return err == nil
}

// HasSigner reports whether a signing key for operator is loaded on chainID
func (g *EVMGateway) HasSigner(chainID int64, operator string) bool {
	c, err := g.chain(chainID)
	if err != nil || !common.IsHexAddress(operator) {
		return false
	}
	_, ok := c.signers[common.HexToAddress(operator)]
	return ok
}

// call packs method, runs eth_call against the latest block and unpacks the result
func (c *evmChain) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	res, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return res, nil
}

// ReadPoolPrice reads slot0 of pool
func (g *EVMGateway) ReadPoolPrice(ctx context.Context, chainID int64, pool string) (PoolPrice, error) {
	c, err := g.chain(chainID)
	if err != nil {
		return PoolPrice{}, err
	}
	res, err := c.call(ctx, poolABI, common.HexToAddress(pool), "slot0")
	if err != nil {
		return PoolPrice{}, err
	}
	return PoolPrice{
		SqrtPriceX96: res[0].(*big.Int),
		Tick:         int32(res[1].(*big.Int).Int64()),
	}, nil
}

// ReadOnChainOrder reads the order as stored by the closer contract
func (g *EVMGateway) ReadOnChainOrder(ctx context.Context, ref OrderRef) (*OnChainOrder, error) {
	c, err := g.chain(ref.ChainID)
	if err != nil {
		return nil, err
	}
	res, err := c.call(ctx, closerABI, common.HexToAddress(ref.ContractAddress), "getOrder", ref.TokenID, ref.TriggerMode)
	if err != nil {
		return nil, err
	}
	return &OnChainOrder{
		Status:          res[0].(uint8),
		Owner:           res[1].(common.Address).Hex(),
		Operator:        res[2].(common.Address).Hex(),
		Payout:          res[3].(common.Address).Hex(),
		TriggerTick:     int32(res[4].(*big.Int).Int64()),
		SwapDirection:   model.SwapDirectionFromIndex(res[5].(uint8)),
		SwapSlippageBps: res[6].(uint16),
	}, nil
}

// ValidatePositionForClose snapshots the position NFT and checks that the
// contract can still close it on behalf of owner.
func (g *EVMGateway) ValidatePositionForClose(ctx context.Context, ref OrderRef, owner string) (*ValidationResult, error) {
	c, err := g.chain(ref.ChainID)
	if err != nil {
		return nil, err
	}
	snap, err := c.positionSnapshot(ctx, ref)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{Valid: true, Snapshot: snap}
	switch {
	case !strings.EqualFold(snap.Owner, owner):
		result.Valid, result.Reason = false, fmt.Sprintf("position owner %s does not match order owner %s", snap.Owner, owner)
	case !snap.ContractApproved:
		result.Valid, result.Reason = false, "closer contract is not approved for the position"
	case snap.Liquidity == "0":
		result.Valid, result.Reason = false, "position has zero liquidity"
	}
	return result, nil
}

func (c *evmChain) positionSnapshot(ctx context.Context, ref OrderRef) (*model.PositionSnapshot, error) {
	npm := c.positionManager
	pos, err := c.call(ctx, positionManagerABI, npm, "positions", ref.TokenID)
	if err != nil {
		return nil, err
	}
	ownerRes, err := c.call(ctx, positionManagerABI, npm, "ownerOf", ref.TokenID)
	if err != nil {
		return nil, err
	}
	approvedRes, err := c.call(ctx, positionManagerABI, npm, "getApproved", ref.TokenID)
	if err != nil {
		return nil, err
	}
	owner := ownerRes[0].(common.Address)
	contract := common.HexToAddress(ref.ContractAddress)
	forAllRes, err := c.call(ctx, positionManagerABI, npm, "isApprovedForAll", owner, contract)
	if err != nil {
		return nil, err
	}

	approved := approvedRes[0].(common.Address)
	forAll := forAllRes[0].(bool)
	return &model.PositionSnapshot{
		Owner:            owner.Hex(),
		Token0:           pos[2].(common.Address).Hex(),
		Token1:           pos[3].(common.Address).Hex(),
		Fee:              uint32(pos[4].(*big.Int).Uint64()),
		TickLower:        int32(pos[5].(*big.Int).Int64()),
		TickUpper:        int32(pos[6].(*big.Int).Int64()),
		Liquidity:        pos[7].(*big.Int).String(),
		TokensOwed0:      pos[10].(*big.Int).String(),
		TokensOwed1:      pos[11].(*big.Int).String(),
		Approved:         approved.Hex(),
		ApprovedForAll:   forAll,
		ContractApproved: approved == contract || forAll,
	}, nil
}

// GetNonce returns the pending nonce of address. It is never cached.
func (g *EVMGateway) GetNonce(ctx context.Context, chainID int64, address string) (uint64, error) {
	c, err := g.chain(chainID)
	if err != nil {
		return 0, err
	}
	return c.backend.PendingNonceAt(ctx, common.HexToAddress(address))
}

func packExecute(call ExecuteCall) ([]byte, error) {
	swapTarget := common.Address{}
	var swapData []byte
	amountIn, minOut := new(big.Int), new(big.Int)
	if call.Swap != nil {
		swapTarget = common.HexToAddress(call.Swap.Target)
		swapData = call.Swap.Data
		if call.Swap.AmountIn != nil {
			amountIn = call.Swap.AmountIn
		}
		if call.Swap.MinAmountOut != nil {
			minOut = call.Swap.MinAmountOut
		}
	}
	feeRecipient := common.Address{}
	if call.FeeRecipient != "" {
		feeRecipient = common.HexToAddress(call.FeeRecipient)
	}
	return closerABI.Pack("executeOrder", call.TokenID, call.TriggerMode, feeRecipient, call.FeeBps,
		swapTarget, swapData, amountIn, minOut)
}

// Simulate dry-runs executeOrder from the operator and estimates gas
func (g *EVMGateway) Simulate(ctx context.Context, call ExecuteCall) (*SimulationResult, error) {
	c, err := g.chain(call.ChainID)
	if err != nil {
		return nil, err
	}
	data, err := packExecute(call)
	if err != nil {
		return nil, fmt.Errorf("pack executeOrder: %w", err)
	}
	to := common.HexToAddress(call.ContractAddress)
	msg := ethereum.CallMsg{From: common.HexToAddress(call.Operator), To: &to, Data: data}

	if _, err := c.backend.CallContract(ctx, msg, nil); err != nil {
		return &SimulationResult{Success: false, DecodedError: decodeCallError(err)}, nil
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return &SimulationResult{Success: false, DecodedError: decodeCallError(err)}, nil
	}
	return &SimulationResult{Success: true, GasEstimate: gas}, nil
}

// SignAndBroadcast signs executeOrder as an EIP-1559 transaction and sends it
func (g *EVMGateway) SignAndBroadcast(ctx context.Context, call ExecuteCall, nonce uint64, gasLimit uint64) (string, error) {
	c, err := g.chain(call.ChainID)
	if err != nil {
		return "", err
	}
	key, ok := c.signers[common.HexToAddress(call.Operator)]
	if !ok {
		return "", apperrors.Configuration.Explain("no signing key for operator %s on chain %d", call.Operator, call.ChainID)
	}
	data, err := packExecute(call)
	if err != nil {
		return "", fmt.Errorf("pack executeOrder: %w", err)
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		return "", apperrors.Configuration.Explain("chain %d has no base fee, EIP-1559 transactions are not supported", call.ChainID)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	// 20% headroom over the estimate
	gas := gasLimit + gasLimit/5

	to := common.HexToAddress(call.ContractAddress)
	chainID := big.NewInt(call.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	g.logger.Info("Transaction broadcast",
		zap.Int64("chain_id", call.ChainID),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas))
	return signed.Hash().Hex(), nil
}

// WaitForTransaction polls for the receipt until the chain's confirmation
// timeout elapses.
func (g *EVMGateway) WaitForTransaction(ctx context.Context, chainID int64, txHash string) (*Receipt, error) {
	c, err := g.chain(chainID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmationTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			status := ReceiptSuccess
			if receipt.Status != types.ReceiptStatusSuccessful {
				status = ReceiptReverted
			}
			return &Receipt{
				TxHash:      txHash,
				Status:      status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			g.logger.Debug("Receipt lookup failed", zap.String("tx_hash", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetRevertReason replays a mined transaction at its block and decodes the revert
func (g *EVMGateway) GetRevertReason(ctx context.Context, chainID int64, txHash string) (string, error) {
	c, err := g.chain(chainID)
	if err != nil {
		return "", err
	}
	hash := common.HexToHash(txHash)
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("load transaction: %w", err)
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("load receipt: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "", fmt.Errorf("recover sender: %w", err)
	}
	msg := ethereum.CallMsg{From: from, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	if _, err := c.backend.CallContract(ctx, msg, receipt.BlockNumber); err != nil {
		return decodeCallError(err), nil
	}
	return "", nil
}

// TokenBalances reads ERC-20 balances of holder. Tokens that fail to read are
// reported as "error" so one bad token does not hide the rest.
func (g *EVMGateway) TokenBalances(ctx context.Context, chainID int64, holder string, tokens []string) (map[string]string, error) {
	c, err := g.chain(chainID)
	if err != nil {
		return nil, err
	}
	owner := common.HexToAddress(holder)
	balances := make(map[string]string, len(tokens))
	for _, token := range tokens {
		res, err := c.call(ctx, erc20ABI, common.HexToAddress(token), "balanceOf", owner)
		if err != nil {
			balances[token] = "error"
			continue
		}
		balances[token] = res[0].(*big.Int).String()
	}
	return balances, nil
}
