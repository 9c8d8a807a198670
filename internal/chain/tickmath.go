package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Tick bounds of a Uniswap V3 pool
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	q32  = new(big.Int).Lsh(big.NewInt(1), 32)
	q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	q128 = new(big.Int).Lsh(big.NewInt(1), 128)
	q192 = new(big.Int).Lsh(big.NewInt(1), 192)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// sqrt(1.0001)^-(2^i) in Q128.128, one per bit of |tick|
	tickRatios = []*big.Int{
		hexInt("fffcb933bd6fad37aa2d162d1a594001"),
		hexInt("fff97272373d413259a46990580e213a"),
		hexInt("fff2e50f5f656932ef12357cf3c7fdcc"),
		hexInt("ffe5caca7e10e4e61c3624eaa0941cd0"),
		hexInt("ffcb9843d60f6159c9db58835c926644"),
		hexInt("ff973b41fa98c081472e6896dfb254c0"),
		hexInt("ff2ea16466c96a3843ec78b326b52861"),
		hexInt("fe5dee046a99a2a811c461f1969c3053"),
		hexInt("fcbe86c7900a88aedcffc83b479aa3a4"),
		hexInt("f987a7253ac413176f2b074cf7815e54"),
		hexInt("f3392b0822b70005940c7a398e4b70f3"),
		hexInt("e7159475a2c29b7443b29c7fa6e889d9"),
		hexInt("d097f3bdfd2022b8845ad8f792aa5825"),
		hexInt("a9f746462d870fdf8a65dc1f90e061e5"),
		hexInt("70d869a156d2a1b890bb3df62baf32f7"),
		hexInt("31be135f97d08fd981231505542fcfa6"),
		hexInt("9aa508b5b7a84e1c677de54f3e99bc9"),
		hexInt("5d6af8dedb81196699c329225ee604"),
		hexInt("2216e584f5fa1ea926041bedfe98"),
		hexInt("48a170391f7dc42444e8fa2"),
	}
)

func hexInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("bad constant " + s)
	}
	return v
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 value, rounded up,
// bit-exact with the pool contract.
func SqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("tick %d out of range", tick)
	}
	absTick := int64(tick)
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int).Set(q128)
	if absTick&1 != 0 {
		ratio.Set(tickRatios[0])
	}
	for i := 1; i < len(tickRatios); i++ {
		if absTick&(1<<i) != 0 {
			ratio.Mul(ratio, tickRatios[i])
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	rem := new(big.Int).Mod(ratio, q32)
	ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		ratio.Add(ratio, big.NewInt(1))
	}
	return ratio, nil
}

// SqrtPriceToPrice converts a Q64.96 sqrt price into the human price of
// token0 in units of token1.
func SqrtPriceToPrice(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8) decimal.Decimal {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() == 0 {
		return decimal.Zero
	}
	squared := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	raw := decimal.NewFromBigInt(squared, 0).DivRound(decimal.NewFromBigInt(q192, 0), 36)
	return raw.Shift(int32(decimals0) - int32(decimals1))
}
