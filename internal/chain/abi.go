package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Order status as stored by the closer contract
const (
	OrderStatusNone uint8 = iota
	OrderStatusActive
	OrderStatusExecuted
	OrderStatusCancelled
)

const closerABIJSON = `[
 {"type":"function","name":"getOrder","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"},{"name":"triggerMode","type":"uint8"}],
  "outputs":[{"name":"status","type":"uint8"},{"name":"owner","type":"address"},{"name":"operator","type":"address"},
   {"name":"payout","type":"address"},{"name":"triggerTick","type":"int24"},{"name":"swapDirection","type":"uint8"},
   {"name":"swapSlippageBps","type":"uint16"}]},
 {"type":"function","name":"executeOrder","stateMutability":"nonpayable",
  "inputs":[{"name":"tokenId","type":"uint256"},{"name":"triggerMode","type":"uint8"},
   {"name":"feeRecipient","type":"address"},{"name":"feeBps","type":"uint16"},
   {"name":"swapTarget","type":"address"},{"name":"swapData","type":"bytes"},
   {"name":"swapAmountIn","type":"uint256"},{"name":"swapMinAmountOut","type":"uint256"}],
  "outputs":[]},
 {"type":"error","name":"NotOperator","inputs":[]},
 {"type":"error","name":"OrderNotActive","inputs":[]},
 {"type":"error","name":"ConditionNotMet","inputs":[{"name":"currentTick","type":"int24"},{"name":"triggerTick","type":"int24"}]},
 {"type":"error","name":"SlippageExceeded","inputs":[]},
 {"type":"error","name":"NotApproved","inputs":[]},
 {"type":"error","name":"InvalidSwap","inputs":[]}
]`

const poolABIJSON = `[
 {"type":"function","name":"slot0","stateMutability":"view","inputs":[],
  "outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},
   {"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},
   {"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},
   {"name":"unlocked","type":"bool"}]},
 {"type":"event","name":"Swap","anonymous":false,
  "inputs":[{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},
   {"name":"amount0","type":"int256","indexed":false},{"name":"amount1","type":"int256","indexed":false},
   {"name":"sqrtPriceX96","type":"uint160","indexed":false},{"name":"liquidity","type":"uint128","indexed":false},
   {"name":"tick","type":"int24","indexed":false}]}
]`

const positionManagerABIJSON = `[
 {"type":"function","name":"positions","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],
  "outputs":[{"name":"nonce","type":"uint96"},{"name":"operator","type":"address"},
   {"name":"token0","type":"address"},{"name":"token1","type":"address"},{"name":"fee","type":"uint24"},
   {"name":"tickLower","type":"int24"},{"name":"tickUpper","type":"int24"},{"name":"liquidity","type":"uint128"},
   {"name":"feeGrowthInside0LastX128","type":"uint256"},{"name":"feeGrowthInside1LastX128","type":"uint256"},
   {"name":"tokensOwed0","type":"uint128"},{"name":"tokensOwed1","type":"uint128"}]},
 {"type":"function","name":"ownerOf","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"owner","type":"address"}]},
 {"type":"function","name":"getApproved","stateMutability":"view",
  "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"operator","type":"address"}]},
 {"type":"function","name":"isApprovedForAll","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	closerABI          = mustParseABI(closerABIJSON)
	poolABI            = mustParseABI(poolABIJSON)
	positionManagerABI = mustParseABI(positionManagerABIJSON)
	erc20ABI           = mustParseABI(erc20ABIJSON)

	// SwapEventID is topic0 of the pool Swap event
	SwapEventID = poolABI.Events["Swap"].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
