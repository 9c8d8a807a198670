package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MonitoringState is the lifecycle state of a CloseOrder
type MonitoringState string

const (
	StateMonitoring MonitoringState = "monitoring"
	StateTriggered  MonitoringState = "triggered"
	StateSuspended  MonitoringState = "suspended"
	StateExecuted   MonitoringState = "executed"
)

// Terminal reports whether no automatic transition leaves this state.
func (s MonitoringState) Terminal() bool {
	return s == StateExecuted || s == StateSuspended
}

// TriggerMode selects which side of the trigger tick closes the position
type TriggerMode string

const (
	TriggerModeLower TriggerMode = "LOWER"
	TriggerModeUpper TriggerMode = "UPPER"
)

// Side returns the lower-case trigger side carried on trigger jobs.
func (m TriggerMode) Side() string {
	return strings.ToLower(string(m))
}

// Index is the uint8 the closer contract uses for this mode.
func (m TriggerMode) Index() uint8 {
	if m == TriggerModeUpper {
		return 1
	}
	return 0
}

// Triggered evaluates the trigger predicate. Boundaries are inclusive.
func (m TriggerMode) Triggered(currentTick, triggerTick int32) bool {
	switch m {
	case TriggerModeLower:
		return currentTick <= triggerTick
	case TriggerModeUpper:
		return currentTick >= triggerTick
	default:
		return false
	}
}

// AttemptStatus is the status of one ExecutionAttempt
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptExecuting AttemptStatus = "executing"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

// Open reports whether the attempt is still owned by a worker.
func (s AttemptStatus) Open() bool {
	return s == AttemptPending || s == AttemptExecuting
}

// CloseOrder is one user-configured close condition on a position
type CloseOrder struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PositionID      uuid.UUID       `json:"position_id" gorm:"type:uuid;index"`
	ChainID         int64           `json:"chain_id" gorm:"not null"`
	PoolAddress     string          `json:"pool_address" gorm:"type:varchar(42)"`
	ContractAddress string          `json:"contract_address" gorm:"type:varchar(42)"`
	OperatorAddress string          `json:"operator_address" gorm:"type:varchar(42)"`
	TriggerMode     TriggerMode     `json:"trigger_mode" gorm:"type:varchar(8);not null"`
	TriggerTick     *int32          `json:"trigger_tick,omitempty"`
	MonitoringState MonitoringState `json:"monitoring_state" gorm:"type:varchar(16);not null;index"`
	Config          OrderConfig     `json:"config" gorm:"serializer:json"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (CloseOrder) TableName() string { return "close_orders" }

// SubscriberTag is the deterministic subscriber id of this order's pool subscription.
func (o *CloseOrder) SubscriberTag() string {
	return SubscriberTag(o.ID)
}

// Monitorable reports whether a price subscriber can be created for the order.
func (o *CloseOrder) Monitorable() error {
	switch {
	case o.TriggerTick == nil:
		return fmt.Errorf("trigger tick not computed")
	case o.PoolAddress == "":
		return fmt.Errorf("pool address missing")
	case o.ChainID == 0:
		return fmt.Errorf("chain id missing")
	}
	return nil
}

// SubscriberTag derives the subscription tag for an order id.
func SubscriberTag(orderID uuid.UUID) string {
	return "close-order:" + orderID.String()
}

// ExecutionAttempt is one logical execution try of a CloseOrder.
// Retries of the same logical attempt accumulate on RetryCount.
type ExecutionAttempt struct {
	ID               uuid.UUID     `json:"id" gorm:"primaryKey;type:uuid"`
	CloseOrderID     uuid.UUID     `json:"close_order_id" gorm:"type:uuid;index;not null"`
	AttemptStatus    AttemptStatus `json:"attempt_status" gorm:"type:varchar(16);not null;index"`
	RetryCount       int           `json:"retry_count" gorm:"not null;default:0"`
	TriggerSqrtPrice string        `json:"trigger_sqrt_price" gorm:"type:varchar(80)"`
	TxHash           *string       `json:"tx_hash,omitempty" gorm:"type:varchar(66)"`
	ErrorMessage     *string       `json:"error_message,omitempty" gorm:"type:text"`
	Amount0Out       string        `json:"amount0_out" gorm:"type:varchar(80)"`
	Amount1Out       string        `json:"amount1_out" gorm:"type:varchar(80)"`
	Diagnostics      *Diagnostics  `json:"diagnostics,omitempty" gorm:"serializer:json"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

func (ExecutionAttempt) TableName() string { return "close_order_executions" }

// Stale reports whether an open attempt has not been touched within lease.
func (a *ExecutionAttempt) Stale(now time.Time, lease time.Duration) bool {
	return a.AttemptStatus.Open() && now.Sub(a.UpdatedAt) >= lease
}

// CompletionResult is what a successful attempt records.
type CompletionResult struct {
	TxHash      string
	Amount0Out  string
	Amount1Out  string
	BlockNumber uint64
	GasUsed     uint64
}

// PoolPriceSubscription ties one subscriber to one pool
type PoolPriceSubscription struct {
	ID            uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	SubscriberTag string    `json:"subscriber_tag" gorm:"type:varchar(80);uniqueIndex;not null"`
	ChainID       int64     `json:"chain_id" gorm:"not null;index:idx_sub_pool"`
	PoolAddress   string    `json:"pool_address" gorm:"type:varchar(42);not null;index:idx_sub_pool"`
	IsActive      bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (PoolPriceSubscription) TableName() string { return "pool_price_subscriptions" }
