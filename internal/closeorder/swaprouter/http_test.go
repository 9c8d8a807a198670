package swaprouter

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter(t *testing.T, handler http.HandlerFunc) *HTTPRouter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPRouter(srv.URL+"/", time.Second, zap.NewNop())
}

func request() Request {
	return Request{
		ChainID:        42161,
		Pool:           "0xC6962004f452bE9203591991D15f6b388e09E8D0",
		Direction:      model.SwapToken0ToToken1,
		Position:       &model.PositionSnapshot{Token0: "0xaaa", Token1: "0xbbb", Liquidity: "1000"},
		SqrtPriceX96:   new(big.Int).Lsh(big.NewInt(1), 96),
		Tick:           0,
		MaxSlippageBps: 50,
		Recipient:      "0x1111111111111111111111111111111111111111",
	}
}

func TestComputeSwapParamsExecutable(t *testing.T) {
	var got swapRequest
	r := newRouter(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/swap-params", req.URL.Path)
		assert.Equal(t, http.MethodPost, req.Method)
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"kind":"executable","target":"0x3333333333333333333333333333333333333333",
			"data":"0xdeadbeef","amountIn":"1000000","minAmountOut":"995000"}`))
	})

	res, err := r.ComputeSwapParams(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, res.Swap)
	assert.False(t, res.DoNotExecute)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, res.Swap.Data)
	assert.Equal(t, "995000", res.Swap.MinAmountOut.String())
	assert.Equal(t, "1000000", res.Swap.AmountIn.String())

	assert.Equal(t, model.SwapToken0ToToken1, got.Direction)
	assert.Equal(t, "79228162514264337593543950336", got.SqrtPriceX96)
	assert.Equal(t, uint16(50), got.MaxSlippageBps)
	assert.Equal(t, "1000", got.Position.Liquidity)
}

func TestComputeSwapParamsDoNotExecute(t *testing.T) {
	r := newRouter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"kind":"doNotExecute","reason":"no route within slippage"}`))
	})

	res, err := r.ComputeSwapParams(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.DoNotExecute)
	assert.Nil(t, res.Swap)
	assert.Equal(t, "no route within slippage", res.Reason)
}

func TestComputeSwapParamsErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		errMsg string
	}{
		{"server error", http.StatusBadGateway, "upstream down", "returned 502"},
		{"bad json", http.StatusOK, "{", "decode swap router response"},
		{"unknown verdict", http.StatusOK, `{"kind":"maybe"}`, "unknown swap router verdict"},
		{"bad calldata", http.StatusOK, `{"kind":"executable","target":"0x1","data":"zz","amountIn":"1","minAmountOut":"1"}`, "swap calldata"},
		{"bad amount", http.StatusOK, `{"kind":"executable","target":"0x1","data":"0x","amountIn":"x","minAmountOut":"1"}`, "amountIn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := r.ComputeSwapParams(context.Background(), request())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestComputeSwapParamsRequiresDirection(t *testing.T) {
	r := NewHTTPRouter("http://127.0.0.1:0", time.Second, zap.NewNop())
	req := request()
	req.Direction = model.SwapNone
	_, err := r.ComputeSwapParams(context.Background(), req)
	assert.Error(t, err)
}

func TestComputeSwapParamsHonoursContext(t *testing.T) {
	r := newRouter(t, func(w http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.ComputeSwapParams(ctx, request())
	assert.Error(t, err)
}
