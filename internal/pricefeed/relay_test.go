package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPool = "0xC6962004f452bE9203591991D15f6b388e09E8D0"

// relayServer answers a subscribe request with the given frames
func relayServer(t *testing.T, frames []relayMessage, hold bool) (*httptest.Server, <-chan relayRequest) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	requests := make(chan relayRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req relayRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		requests <- req
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		if hold {
			// wait for the client to close
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRelaySourceStreamsMatchingEvents(t *testing.T) {
	frames := []relayMessage{
		{ChainID: 1, Pool: testPool, SqrtPriceX96: "1", Tick: 1},
		{ChainID: 42161, Pool: "0xdeadbeef00000000000000000000000000000000", SqrtPriceX96: "1", Tick: 2},
		{ChainID: 42161, Pool: strings.ToLower(testPool), SqrtPriceX96: "79228162514264337593543950336", Tick: 0, BlockNumber: 77},
		{ChainID: 42161, Pool: testPool, SqrtPriceX96: "not-a-number", Tick: 3},
		{ChainID: 42161, Pool: testPool, SqrtPriceX96: "79236085330515764027303304731", Tick: 2, BlockNumber: 78},
	}
	srv, requests := relayServer(t, frames, true)

	src := NewRelaySource(wsURL(srv), nil, zap.NewNop())
	sub, err := src.Subscribe(context.Background(), 42161, testPool)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	req := <-requests
	assert.Equal(t, relayRequest{Op: "subscribe", ChainID: 42161, Pool: testPool}, req)

	var got []PriceEvent
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case err := <-sub.Err():
			t.Fatalf("unexpected subscription error: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, int32(0), got[0].Tick)
	assert.Equal(t, "79228162514264337593543950336", got[0].SqrtPriceX96.String())
	assert.Equal(t, uint64(77), got[0].BlockNumber)
	assert.Equal(t, int32(2), got[1].Tick)
}

func TestRelaySourceReportsDisconnect(t *testing.T) {
	srv, _ := relayServer(t, nil, false)

	src := NewRelaySource(wsURL(srv), nil, zap.NewNop())
	sub, err := src.Subscribe(context.Background(), 42161, testPool)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case err := <-sub.Err():
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected an error after the relay closed")
	}
}

func TestRelaySourceRelayError(t *testing.T) {
	srv, _ := relayServer(t, []relayMessage{{Error: "unknown pool"}}, true)

	sub, err := NewRelaySource(wsURL(srv), nil, zap.NewNop()).Subscribe(context.Background(), 42161, testPool)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case err := <-sub.Err():
		assert.ErrorContains(t, err, "unknown pool")
	case <-time.After(5 * time.Second):
		t.Fatal("expected relay error")
	}
}

func TestRelaySourceDialFailure(t *testing.T) {
	_, err := NewRelaySource("ws://127.0.0.1:1", nil, zap.NewNop()).Subscribe(context.Background(), 1, testPool)
	assert.Error(t, err)
}

func TestUnsubscribeClosesErrWithoutError(t *testing.T) {
	srv, _ := relayServer(t, nil, true)
	sub, err := NewRelaySource(wsURL(srv), nil, zap.NewNop()).Subscribe(context.Background(), 42161, testPool)
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	select {
	case err, ok := <-sub.Err():
		if ok {
			assert.NoError(t, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("error channel not closed after unsubscribe")
	}
}
