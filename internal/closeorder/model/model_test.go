package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerModeBoundariesAreInclusive(t *testing.T) {
	cases := []struct {
		mode    TriggerMode
		current int32
		trigger int32
		want    bool
	}{
		{TriggerModeLower, 101, 100, false},
		{TriggerModeLower, 100, 100, true},
		{TriggerModeLower, -5, 100, true},
		{TriggerModeUpper, 499, 500, false},
		{TriggerModeUpper, 500, 500, true},
		{TriggerModeUpper, 520, 500, true},
		{TriggerMode("SIDEWAYS"), 500, 500, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.mode.Triggered(tc.current, tc.trigger), "%s current=%d trigger=%d", tc.mode, tc.current, tc.trigger)
	}
}

func TestTriggerModeSideAndIndex(t *testing.T) {
	assert.Equal(t, "lower", TriggerModeLower.Side())
	assert.Equal(t, "upper", TriggerModeUpper.Side())
	assert.Equal(t, uint8(0), TriggerModeLower.Index())
	assert.Equal(t, uint8(1), TriggerModeUpper.Index())
}

func TestMonitorable(t *testing.T) {
	tick := int32(10)
	order := &CloseOrder{ChainID: 1, PoolAddress: "0xpool"}
	assert.Error(t, order.Monitorable())

	order.TriggerTick = &tick
	assert.NoError(t, order.Monitorable())

	order.PoolAddress = ""
	assert.Error(t, order.Monitorable())
}

func TestOrderConfigMigratesVersionOne(t *testing.T) {
	raw := []byte(`{"nftId":"4242","swapDirection":"TOKEN0_TO_1","slippageBps":75,"payout":"0xabc"}`)

	var cfg OrderConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, ProtocolUniswapV3, cfg.Protocol)
	require.NotNil(t, cfg.UniswapV3)
	assert.Equal(t, "4242", cfg.UniswapV3.NFTID)
	assert.Equal(t, SwapToken0ToToken1, cfg.UniswapV3.SwapDirection)
	assert.Equal(t, uint16(75), cfg.UniswapV3.SwapSlippageBps)
	assert.NoError(t, cfg.Validate())
}

func TestOrderConfigCurrentVersionRoundTrip(t *testing.T) {
	cfg := NewUniswapV3Config(UniswapV3Config{NFTID: "7", SwapDirection: SwapNone})
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var back OrderConfig
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cfg, back)
}

func TestOrderConfigValidate(t *testing.T) {
	assert.Error(t, OrderConfig{Protocol: "aerodrome"}.Validate())
	assert.Error(t, OrderConfig{Protocol: ProtocolUniswapV3}.Validate())
	assert.Error(t, NewUniswapV3Config(UniswapV3Config{NFTID: "not-a-number"}).Validate())
}

func TestDecodeTriggerJob(t *testing.T) {
	id := uuid.New()
	payload, err := json.Marshal(TriggerJob{OrderID: id.String(), TriggerSide: "upper", ChainID: 1, TriggeredAt: time.Now()})
	require.NoError(t, err)

	_, got, err := DecodeTriggerJob(payload)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, _, err = DecodeTriggerJob([]byte(`{"orderId":"nope","triggerSide":"upper"}`))
	assert.Error(t, err)
	_, _, err = DecodeTriggerJob([]byte(`{"orderId":"` + id.String() + `","triggerSide":"middle"}`))
	assert.Error(t, err)
	_, _, err = DecodeTriggerJob([]byte(`not json`))
	assert.Error(t, err)
}

func TestAttemptStale(t *testing.T) {
	now := time.Now()
	a := &ExecutionAttempt{AttemptStatus: AttemptExecuting, UpdatedAt: now.Add(-11 * time.Minute)}
	assert.True(t, a.Stale(now, 10*time.Minute))

	a.UpdatedAt = now.Add(-time.Minute)
	assert.False(t, a.Stale(now, 10*time.Minute))

	a.AttemptStatus = AttemptFailed
	a.UpdatedAt = now.Add(-time.Hour)
	assert.False(t, a.Stale(now, 10*time.Minute))
}
