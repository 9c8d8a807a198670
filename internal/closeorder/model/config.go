package model

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Protocol tags the order configuration variant
type Protocol string

const (
	ProtocolUniswapV3 Protocol = "uniswapv3"
)

// CurrentConfigVersion is the version written by this service.
// Version 1 stored the uniswapv3 fields flat at the top level.
const CurrentConfigVersion = 2

// SwapDirection is the post-close swap configured on the order
type SwapDirection string

const (
	SwapNone           SwapDirection = "NONE"
	SwapToken0ToToken1 SwapDirection = "TOKEN0_TO_1"
	SwapToken1ToToken0 SwapDirection = "TOKEN1_TO_0"
)

// SwapDirectionFromIndex maps the contract's uint8 encoding.
func SwapDirectionFromIndex(i uint8) SwapDirection {
	switch i {
	case 1:
		return SwapToken0ToToken1
	case 2:
		return SwapToken1ToToken0
	default:
		return SwapNone
	}
}

// OrderConfig is the per-protocol configuration of a close order.
// Exactly one variant pointer is set, selected by Protocol.
type OrderConfig struct {
	Version   int              `json:"version"`
	Protocol  Protocol         `json:"protocol"`
	UniswapV3 *UniswapV3Config `json:"uniswapv3,omitempty"`
}

// UniswapV3Config configures a close order on a Uniswap V3 NFT position.
// Swap settings here mirror what was registered; execution always re-reads
// them from the contract.
type UniswapV3Config struct {
	NFTID           string        `json:"nftId"`
	SwapDirection   SwapDirection `json:"swapDirection"`
	SwapSlippageBps uint16        `json:"swapSlippageBps"`
	PayoutAddress   string        `json:"payoutAddress,omitempty"`
}

// TokenID parses the position NFT id.
func (c *UniswapV3Config) TokenID() (*big.Int, error) {
	id, ok := new(big.Int).SetString(c.NFTID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid nft id %q", c.NFTID)
	}
	return id, nil
}

// NewUniswapV3Config builds a current-version config.
func NewUniswapV3Config(cfg UniswapV3Config) OrderConfig {
	return OrderConfig{Version: CurrentConfigVersion, Protocol: ProtocolUniswapV3, UniswapV3: &cfg}
}

// Validate checks that the variant matches the tag.
func (c OrderConfig) Validate() error {
	switch c.Protocol {
	case ProtocolUniswapV3:
		if c.UniswapV3 == nil {
			return fmt.Errorf("protocol %s without uniswapv3 config", c.Protocol)
		}
		if _, err := c.UniswapV3.TokenID(); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
}

type legacyConfigV1 struct {
	NFTID           string        `json:"nftId"`
	SwapDirection   SwapDirection `json:"swapDirection"`
	SwapSlippageBps uint16        `json:"slippageBps"`
	PayoutAddress   string        `json:"payout"`
}

// UnmarshalJSON decodes any stored version and migrates it to the current one.
func (c *OrderConfig) UnmarshalJSON(data []byte) error {
	type plain OrderConfig
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	if head.Version >= 2 {
		var cfg plain
		if err := json.Unmarshal(data, &cfg); err != nil {
			return err
		}
		*c = OrderConfig(cfg)
		return nil
	}

	var v1 legacyConfigV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return fmt.Errorf("decode v1 order config: %w", err)
	}
	if v1.NFTID == "" {
		*c = OrderConfig{}
		return nil
	}
	if v1.SwapDirection == "" {
		v1.SwapDirection = SwapNone
	}
	*c = NewUniswapV3Config(UniswapV3Config{
		NFTID:           v1.NFTID,
		SwapDirection:   v1.SwapDirection,
		SwapSlippageBps: v1.SwapSlippageBps,
		PayoutAddress:   v1.PayoutAddress,
	})
	return nil
}
