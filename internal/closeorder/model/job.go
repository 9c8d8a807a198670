package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerJob is published by the monitor when an order's condition is met.
// Prices are Q64.96 sqrt prices carried as decimal strings.
type TriggerJob struct {
	OrderID      string    `json:"orderId"`
	PositionID   string    `json:"positionId"`
	PoolAddress  string    `json:"poolAddress"`
	ChainID      int64     `json:"chainId"`
	CurrentPrice string    `json:"currentPrice"`
	TriggerPrice string    `json:"triggerPrice"`
	TriggerSide  string    `json:"triggerSide"`
	TriggeredAt  time.Time `json:"triggeredAt"`
}

// DecodeTriggerJob parses and validates a trigger job payload.
func DecodeTriggerJob(data []byte) (TriggerJob, uuid.UUID, error) {
	var job TriggerJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, uuid.Nil, fmt.Errorf("decode trigger job: %w", err)
	}
	id, err := uuid.Parse(job.OrderID)
	if err != nil {
		return job, uuid.Nil, fmt.Errorf("trigger job order id %q: %w", job.OrderID, err)
	}
	if job.TriggerSide != TriggerModeLower.Side() && job.TriggerSide != TriggerModeUpper.Side() {
		return job, uuid.Nil, fmt.Errorf("trigger job side %q", job.TriggerSide)
	}
	return job, id, nil
}

// NotificationType names a state transition visible to operators and users
type NotificationType string

const (
	NotifyTriggered      NotificationType = "close_order.triggered"
	NotifyExecuted       NotificationType = "close_order.executed"
	NotifyRetryScheduled NotificationType = "close_order.retry_scheduled"
	NotifySuspended      NotificationType = "close_order.suspended"
)

// NotificationEvent is a flat record consumed by the external webhook subsystem.
type NotificationEvent struct {
	Type          NotificationType `json:"type"`
	OrderID       string           `json:"orderId"`
	PositionID    string           `json:"positionId"`
	ChainID       int64            `json:"chainId"`
	Platform      Protocol         `json:"platform"`
	TriggerSide   string           `json:"triggerSide,omitempty"`
	TxHash        string           `json:"txHash,omitempty"`
	Error         string           `json:"error,omitempty"`
	RetryCount    int              `json:"retryCount"`
	NextAttemptAt *time.Time       `json:"nextAttemptAt,omitempty"`
	OccurredAt    time.Time        `json:"occurredAt"`
}

// PositionSnapshot is the on-chain state of the position at preflight.
// Large integers are decimal strings.
type PositionSnapshot struct {
	Owner            string `json:"owner"`
	Token0           string `json:"token0"`
	Token1           string `json:"token1"`
	Fee              uint32 `json:"fee"`
	TickLower        int32  `json:"tickLower"`
	TickUpper        int32  `json:"tickUpper"`
	Liquidity        string `json:"liquidity"`
	TokensOwed0      string `json:"tokensOwed0"`
	TokensOwed1      string `json:"tokensOwed1"`
	Approved         string `json:"approved"`
	ApprovedForAll   bool   `json:"approvedForAll"`
	ContractApproved bool   `json:"contractApproved"`
}

// Diagnostics is captured during an attempt for operator visibility.
type Diagnostics struct {
	Step             string            `json:"step"`
	Position         *PositionSnapshot `json:"position,omitempty"`
	PositionAfter    *PositionSnapshot `json:"positionAfter,omitempty"`
	DecodedError     string            `json:"decodedError,omitempty"`
	RevertReason     string            `json:"revertReason,omitempty"`
	ContractBalances map[string]string `json:"contractBalances,omitempty"`
	SwapMinAmountOut string            `json:"swapMinAmountOut,omitempty"`
	BlockNumber      uint64            `json:"blockNumber,omitempty"`
	GasUsed          uint64            `json:"gasUsed,omitempty"`
	CapturedAt       time.Time         `json:"capturedAt"`
}
