package swaprouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/chain"
	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

const (
	kindExecutable   = "executable"
	kindDoNotExecute = "doNotExecute"

	maxResponseBytes = 1 << 20
)

type swapRequest struct {
	ChainID        int64                   `json:"chainId"`
	Pool           string                  `json:"pool"`
	Direction      model.SwapDirection     `json:"direction"`
	Position       *model.PositionSnapshot `json:"position"`
	SqrtPriceX96   string                  `json:"sqrtPriceX96"`
	Tick           int32                   `json:"tick"`
	MaxSlippageBps uint16                  `json:"maxSlippageBps"`
	Recipient      string                  `json:"recipient"`
}

type swapResponse struct {
	Kind         string `json:"kind"`
	Reason       string `json:"reason"`
	Target       string `json:"target"`
	Data         string `json:"data"`
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut"`
}

// HTTPRouter calls the route service's POST /v1/swap-params endpoint
type HTTPRouter struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPRouter creates a router client with a per-request timeout
func NewHTTPRouter(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPRouter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRouter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("swaprouter"),
	}
}

// ComputeSwapParams implements Router
func (r *HTTPRouter) ComputeSwapParams(ctx context.Context, req Request) (*Result, error) {
	if req.Direction == model.SwapNone || req.Direction == "" {
		return nil, fmt.Errorf("no swap configured")
	}
	body := swapRequest{
		ChainID:        req.ChainID,
		Pool:           req.Pool,
		Direction:      req.Direction,
		Position:       req.Position,
		Tick:           req.Tick,
		MaxSlippageBps: req.MaxSlippageBps,
		Recipient:      req.Recipient,
	}
	if req.SqrtPriceX96 != nil {
		body.SqrtPriceX96 = req.SqrtPriceX96.String()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/swap-params", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build swap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("swap router request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read swap router response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("swap router returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out swapResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode swap router response: %w", err)
	}
	return r.toResult(req, out)
}

func (r *HTTPRouter) toResult(req Request, out swapResponse) (*Result, error) {
	switch out.Kind {
	case kindDoNotExecute:
		r.logger.Info("Swap router declined",
			zap.Int64("chain_id", req.ChainID),
			zap.String("pool", req.Pool),
			zap.String("reason", out.Reason))
		return &Result{DoNotExecute: true, Reason: out.Reason}, nil
	case kindExecutable:
	default:
		return nil, fmt.Errorf("unknown swap router verdict %q", out.Kind)
	}

	data, err := hexutil.Decode(out.Data)
	if err != nil {
		return nil, fmt.Errorf("swap calldata: %w", err)
	}
	amountIn, ok := new(big.Int).SetString(out.AmountIn, 10)
	if !ok {
		return nil, fmt.Errorf("swap amountIn %q", out.AmountIn)
	}
	minOut, ok := new(big.Int).SetString(out.MinAmountOut, 10)
	if !ok {
		return nil, fmt.Errorf("swap minAmountOut %q", out.MinAmountOut)
	}
	if out.Target == "" {
		return nil, fmt.Errorf("swap target missing")
	}
	return &Result{Swap: &chain.SwapParams{
		Target:       out.Target,
		Data:         data,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
	}}, nil
}
