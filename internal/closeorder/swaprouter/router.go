// Package swaprouter is the boundary to the external swap route service.
// Route discovery lives behind it; this side only asks for an executable
// swap and reports a do-not-execute verdict as an error value.
package swaprouter

import (
	"context"
	"math/big"

	"github.com/Aidin1998/pincex_autoclose/internal/chain"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
)

// Request asks for the post-close swap of a position
type Request struct {
	ChainID        int64
	Pool           string
	Direction      model.SwapDirection
	Position       *model.PositionSnapshot
	SqrtPriceX96   *big.Int
	Tick           int32
	MaxSlippageBps uint16
	// Recipient receives the swap output, the closer contract itself
	Recipient string
}

// Result is either an executable swap or a verdict not to execute
type Result struct {
	Swap         *chain.SwapParams
	DoNotExecute bool
	Reason       string
}

// Router computes swap parameters for a close
type Router interface {
	ComputeSwapParams(ctx context.Context, req Request) (*Result, error)
}
