package executor

import (
	"context"
	"fmt"

	"github.com/Aidin1998/pincex_autoclose/internal/chain"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/swaprouter"
	apperrors "github.com/Aidin1998/pincex_autoclose/pkg/errors"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// step runs fn inside a child span
func (e *Executor) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "closeorder."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// execute runs the attempt from configuration checks to confirmation
func (e *Executor) execute(ctx context.Context, r *run) error {
	if err := e.step(ctx, "configuration", func(ctx context.Context) error { return e.checkConfiguration(r) }); err != nil {
		return err
	}

	if r.resumeTx == "" {
		if err := e.step(ctx, "preflight", func(ctx context.Context) error { return e.preflight(ctx, r) }); err != nil {
			return err
		}
		var call chain.ExecuteCall
		if err := e.step(ctx, "swap_params", func(ctx context.Context) error {
			var err error
			call, err = e.buildCall(ctx, r)
			return err
		}); err != nil {
			return err
		}
		var gasLimit uint64
		if err := e.step(ctx, "simulate", func(ctx context.Context) error {
			var err error
			gasLimit, err = e.simulate(ctx, r, call)
			return err
		}); err != nil {
			return err
		}
		if err := e.step(ctx, "broadcast", func(ctx context.Context) error { return e.broadcast(ctx, r, call, gasLimit) }); err != nil {
			return err
		}
	} else {
		r.txHash = r.resumeTx
		r.logger.Info("Waiting on previously broadcast transaction", zap.String("tx_hash", r.txHash))
	}

	return e.step(ctx, "confirm", func(ctx context.Context) error { return e.confirm(ctx, r) })
}

// checkConfiguration fails on conditions a retry cannot fix
func (e *Executor) checkConfiguration(r *run) error {
	o := r.order
	if !e.gateway.SupportsChain(o.ChainID) {
		return apperrors.Configuration.Explain("chain %d is not supported", o.ChainID)
	}
	if !common.IsHexAddress(o.ContractAddress) {
		return apperrors.Configuration.Explain("invalid contract address %q", o.ContractAddress)
	}
	if !common.IsHexAddress(o.OperatorAddress) {
		return apperrors.Configuration.Explain("invalid operator address %q", o.OperatorAddress)
	}
	if err := o.Config.Validate(); err != nil {
		return apperrors.Configuration.Explain("order config").Wrap(err)
	}
	if !e.gateway.HasSigner(o.ChainID, o.OperatorAddress) {
		return apperrors.Configuration.Explain("no signing key for operator %s on chain %d", o.OperatorAddress, o.ChainID)
	}
	tokenID, _ := o.Config.UniswapV3.TokenID()
	r.ref = chain.OrderRef{
		ChainID:         o.ChainID,
		ContractAddress: o.ContractAddress,
		TokenID:         tokenID,
		TriggerMode:     o.TriggerMode.Index(),
	}
	return nil
}

// preflight checks the on-chain order and the position
func (e *Executor) preflight(ctx context.Context, r *run) error {
	onChain, err := e.gateway.ReadOnChainOrder(ctx, r.ref)
	if err != nil {
		return apperrors.Preflight.Explain("read on-chain order").Wrap(err)
	}
	if !onChain.Active() {
		return apperrors.Preflight.Explain("on-chain order status is %d", onChain.Status)
	}
	r.onChain = onChain

	res, err := e.gateway.ValidatePositionForClose(ctx, r.ref, onChain.Owner)
	if err != nil {
		return apperrors.Preflight.Explain("validate position").Wrap(err)
	}
	r.snapshot = res.Snapshot
	e.saveDiagnostics(ctx, r, &model.Diagnostics{Step: "preflight", Position: res.Snapshot})
	if !res.Valid {
		return apperrors.Preflight.Explain("position not closeable: %s", res.Reason)
	}
	return nil
}

// buildCall assembles executeOrder, routing the swap when the contract
// has one configured
func (e *Executor) buildCall(ctx context.Context, r *run) (chain.ExecuteCall, error) {
	call := chain.ExecuteCall{
		OrderRef:     r.ref,
		Operator:     r.order.OperatorAddress,
		FeeRecipient: e.cfg.FeeRecipient,
		FeeBps:       e.cfg.FeeBps,
	}
	if r.onChain.SwapDirection == model.SwapNone {
		return call, nil
	}

	price, err := e.gateway.ReadPoolPrice(ctx, r.order.ChainID, r.order.PoolAddress)
	if err != nil {
		return call, apperrors.SwapUnavailable.Explain("read pool price").Wrap(err)
	}
	res, err := e.router.ComputeSwapParams(ctx, swaprouter.Request{
		ChainID:        r.order.ChainID,
		Pool:           r.order.PoolAddress,
		Direction:      r.onChain.SwapDirection,
		Position:       r.snapshot,
		SqrtPriceX96:   price.SqrtPriceX96,
		Tick:           price.Tick,
		MaxSlippageBps: r.onChain.SwapSlippageBps,
		Recipient:      r.order.ContractAddress,
	})
	if err != nil {
		return call, apperrors.SwapUnavailable.Explain("compute swap params").Wrap(err)
	}
	if res.DoNotExecute {
		return call, apperrors.SwapUnavailable.Explain("swap router declined: %s", res.Reason)
	}
	call.Swap = res.Swap
	r.logger.Debug("Swap routed",
		zap.String("direction", string(r.onChain.SwapDirection)),
		zap.String("min_amount_out", res.Swap.MinAmountOut.String()))
	return call, nil
}

// simulate dry-runs the call and returns the gas estimate
func (e *Executor) simulate(ctx context.Context, r *run, call chain.ExecuteCall) (uint64, error) {
	sim, err := e.gateway.Simulate(ctx, call)
	if err != nil {
		return 0, apperrors.Simulation.Explain("simulate executeOrder").Wrap(err)
	}
	if sim.Success {
		return sim.GasEstimate, nil
	}

	diag := &model.Diagnostics{
		Step:             "simulate",
		Position:         r.snapshot,
		DecodedError:     sim.DecodedError,
		ContractBalances: e.contractBalances(ctx, r),
	}
	if call.Swap != nil {
		diag.SwapMinAmountOut = call.Swap.MinAmountOut.String()
	}
	e.saveDiagnostics(ctx, r, diag)
	return 0, apperrors.Simulation.Explain("simulation reverted: %s", sim.DecodedError)
}

// broadcast signs with a fresh nonce and records the hash before waiting
func (e *Executor) broadcast(ctx context.Context, r *run, call chain.ExecuteCall, gasLimit uint64) error {
	nonce, err := e.gateway.GetNonce(ctx, r.order.ChainID, r.order.OperatorAddress)
	if err != nil {
		return apperrors.Broadcast.Explain("get nonce").Wrap(err)
	}
	txHash, err := e.gateway.SignAndBroadcast(ctx, call, nonce, gasLimit)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindConfiguration {
			return err
		}
		return apperrors.Broadcast.Explain("send transaction").Wrap(err)
	}
	r.txHash = txHash
	if err := e.attempts.RecordBroadcast(ctx, r.attempt.ID, txHash); err != nil {
		r.logger.Error("Failed to record broadcast", zap.String("tx_hash", txHash), zap.Error(err))
	}
	r.logger.Info("Close transaction broadcast",
		zap.String("tx_hash", txHash),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))
	return nil
}

// confirm waits for the receipt and collects diagnostics on revert
func (e *Executor) confirm(ctx context.Context, r *run) error {
	receipt, err := e.gateway.WaitForTransaction(ctx, r.order.ChainID, r.txHash)
	if err != nil {
		return apperrors.Confirmation.Explain("wait for %s", r.txHash).Wrap(err)
	}
	r.receipt = receipt
	if receipt.Status == chain.ReceiptSuccess {
		return nil
	}

	reason, err := e.gateway.GetRevertReason(ctx, r.order.ChainID, r.txHash)
	if err != nil {
		reason = fmt.Sprintf("unknown (%v)", err)
	}
	diag := &model.Diagnostics{
		Step:             "confirm",
		Position:         r.snapshot,
		RevertReason:     reason,
		ContractBalances: e.contractBalances(ctx, r),
		BlockNumber:      receipt.BlockNumber,
		GasUsed:          receipt.GasUsed,
	}
	if r.onChain != nil {
		if after, err := e.gateway.ValidatePositionForClose(ctx, r.ref, r.onChain.Owner); err == nil {
			diag.PositionAfter = after.Snapshot
		}
	}
	e.saveDiagnostics(ctx, r, diag)
	return apperrors.Reverted.Explain("transaction %s reverted: %s", r.txHash, reason)
}

// contractBalances reads the pair's token balances held by the contract
func (e *Executor) contractBalances(ctx context.Context, r *run) map[string]string {
	if r.snapshot == nil {
		return nil
	}
	balances, err := e.gateway.TokenBalances(ctx, r.order.ChainID, r.order.ContractAddress,
		[]string{r.snapshot.Token0, r.snapshot.Token1})
	if err != nil {
		r.logger.Warn("Failed to read contract balances", zap.Error(err))
		return nil
	}
	return balances
}

func (e *Executor) saveDiagnostics(ctx context.Context, r *run, diag *model.Diagnostics) {
	diag.CapturedAt = e.now().UTC()
	if err := e.attempts.SaveDiagnostics(context.WithoutCancel(ctx), r.attempt.ID, diag); err != nil {
		r.logger.Warn("Failed to save diagnostics", zap.String("step", diag.Step), zap.Error(err))
	}
}
