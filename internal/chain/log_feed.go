package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_autoclose/internal/pricefeed"
)

// LogSubscriber opens a log filter subscription, normally over websocket
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// LogFeed is a pricefeed.Source reading Swap events straight from the node
type LogFeed struct {
	subscribers map[int64]LogSubscriber
	logger      *zap.Logger
}

// NewLogFeed dials the websocket endpoint of every chain that has one
func NewLogFeed(ctx context.Context, endpoints map[int64]string, logger *zap.Logger) (*LogFeed, error) {
	f := &LogFeed{subscribers: make(map[int64]LogSubscriber, len(endpoints)), logger: logger.Named("log-feed")}
	for chainID, url := range endpoints {
		if url == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial websocket for chain %d: %w", chainID, err)
		}
		f.subscribers[chainID] = client
	}
	return f, nil
}

// NewLogFeedWithSubscribers builds a feed over existing subscribers
func NewLogFeedWithSubscribers(subscribers map[int64]LogSubscriber, logger *zap.Logger) *LogFeed {
	return &LogFeed{subscribers: subscribers, logger: logger.Named("log-feed")}
}

// Subscribe streams Swap events of pool
func (f *LogFeed) Subscribe(ctx context.Context, chainID int64, pool string) (pricefeed.Subscription, error) {
	sub, ok := f.subscribers[chainID]
	if !ok {
		return nil, fmt.Errorf("no websocket endpoint for chain %d", chainID)
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(pool)},
		Topics:    [][]common.Hash{{SwapEventID}},
	}
	logs := make(chan types.Log, 64)
	ethSub, err := sub.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe swap logs: %w", err)
	}

	stream := pricefeed.NewStream(ethSub.Unsubscribe)
	go func() {
		for {
			select {
			case <-stream.Done():
				stream.Fail(nil)
				return
			case err := <-ethSub.Err():
				stream.Fail(err)
				return
			case lg := <-logs:
				if lg.Removed {
					continue
				}
				ev, err := DecodeSwapLog(chainID, lg)
				if err != nil {
					f.logger.Warn("Dropping undecodable swap log", zap.String("pool", pool), zap.Error(err))
					continue
				}
				if !stream.Deliver(ev) {
					stream.Fail(nil)
					return
				}
			}
		}
	}()
	return stream, nil
}

// DecodeSwapLog extracts the post-swap price from a Swap log
func DecodeSwapLog(chainID int64, lg types.Log) (pricefeed.PriceEvent, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != SwapEventID {
		return pricefeed.PriceEvent{}, fmt.Errorf("not a swap log")
	}
	values, err := poolABI.Unpack("Swap", lg.Data)
	if err != nil {
		return pricefeed.PriceEvent{}, fmt.Errorf("unpack swap: %w", err)
	}
	return pricefeed.PriceEvent{
		ChainID:      chainID,
		Pool:         lg.Address.Hex(),
		SqrtPriceX96: values[2].(*big.Int),
		Tick:         int32(values[4].(*big.Int).Int64()),
		BlockNumber:  lg.BlockNumber,
	}, nil
}
