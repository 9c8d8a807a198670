package pricefeed

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RelayConfig configures the websocket relay connection
type RelayConfig struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// DefaultRelayConfig returns the default relay timings
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

type relayRequest struct {
	Op      string `json:"op"`
	ChainID int64  `json:"chainId"`
	Pool    string `json:"pool"`
}

type relayMessage struct {
	ChainID      int64  `json:"chainId"`
	Pool         string `json:"pool"`
	SqrtPriceX96 string `json:"sqrtPriceX96"`
	Tick         int32  `json:"tick"`
	BlockNumber  uint64 `json:"blockNumber"`
	Error        string `json:"error,omitempty"`
}

// RelaySource subscribes to a fan-out relay that streams pool swaps as JSON.
// Each subscription holds its own connection; a dropped connection ends the
// subscription and the caller decides when to resubscribe.
type RelaySource struct {
	endpoint string
	config   RelayConfig
	logger   *zap.Logger
}

// NewRelaySource creates a relay source for endpoint (ws:// or wss://)
func NewRelaySource(endpoint string, config *RelayConfig, logger *zap.Logger) *RelaySource {
	cfg := DefaultRelayConfig()
	if config != nil {
		cfg = *config
	}
	return &RelaySource{endpoint: endpoint, config: cfg, logger: logger.Named("price-relay")}
}

// Subscribe dials the relay and requests swaps for pool
func (r *RelaySource) Subscribe(ctx context.Context, chainID int64, pool string) (Subscription, error) {
	dialer := websocket.Dialer{HandshakeTimeout: r.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	var writeMu sync.Mutex
	conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	if err := conn.WriteJSON(relayRequest{Op: "subscribe", ChainID: chainID, Pool: pool}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}

	stream := NewStream(func() {
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		conn.Close()
	})

	conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
	})

	go r.pingLoop(conn, &writeMu, stream)
	go r.readLoop(conn, chainID, pool, stream)

	return stream, nil
}

func (r *RelaySource) readLoop(conn *websocket.Conn, chainID int64, pool string, stream *Stream) {
	for {
		var msg relayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-stream.Done():
				stream.Fail(nil)
			default:
				stream.Fail(fmt.Errorf("relay read: %w", err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))

		if msg.Error != "" {
			stream.Fail(fmt.Errorf("relay error: %s", msg.Error))
			return
		}
		if msg.ChainID != chainID || !SameAddress(msg.Pool, pool) {
			continue
		}
		sqrtPrice, ok := new(big.Int).SetString(msg.SqrtPriceX96, 10)
		if !ok {
			r.logger.Warn("Dropping relay message with invalid price",
				zap.String("pool", pool), zap.String("sqrt_price_x96", msg.SqrtPriceX96))
			continue
		}
		ev := PriceEvent{
			ChainID:      msg.ChainID,
			Pool:         msg.Pool,
			SqrtPriceX96: sqrtPrice,
			Tick:         msg.Tick,
			BlockNumber:  msg.BlockNumber,
		}
		if !stream.Deliver(ev) {
			stream.Fail(nil)
			return
		}
	}
}

func (r *RelaySource) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex, stream *Stream) {
	ticker := time.NewTicker(r.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stream.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.config.WriteTimeout))
			writeMu.Unlock()
			if err != nil {
				r.logger.Debug("Relay ping failed", zap.Error(err))
				return
			}
		}
	}
}
