// Package config holds the typed service configuration
package config

import (
	"os"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/database"
	"github.com/Aidin1998/pincex_autoclose/pkg/logger"
	"github.com/Aidin1998/pincex_autoclose/pkg/telemetry"
)

// Config represents the complete autoclose service configuration
type Config struct {
	Environment string `mapstructure:"environment" validate:"required,oneof=development staging production"`

	Log      logger.Config        `mapstructure:"log"`
	Database database.Config      `mapstructure:"database" validate:"required"`
	Redis    database.RedisConfig `mapstructure:"redis"`

	Broker     BrokerConfig     `mapstructure:"broker" validate:"required"`
	Chains     []ChainConfig    `mapstructure:"chains" validate:"dive"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	SwapRouter SwapRouterConfig `mapstructure:"swap_router"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
}

// BrokerConfig selects and configures the job broker
type BrokerConfig struct {
	Driver     string        `mapstructure:"driver" validate:"oneof=kafka memory"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	Kafka      KafkaConfig   `mapstructure:"kafka"`
}

// KafkaConfig contains kafka topics and connection settings
type KafkaConfig struct {
	Brokers             []string `mapstructure:"brokers"`
	ConsumerGroupPrefix string   `mapstructure:"consumer_group_prefix"`
	TriggerTopic        string   `mapstructure:"trigger_topic" validate:"required"`
	RetryTopic          string   `mapstructure:"retry_topic" validate:"required"`
	EventsTopic         string   `mapstructure:"events_topic" validate:"required"`
	CreateTopics        bool     `mapstructure:"create_topics"`
	Partitions          int      `mapstructure:"partitions"`
	ReplicationFactor   int      `mapstructure:"replication_factor"`
}

// ChainConfig describes one supported EVM chain
type ChainConfig struct {
	ID                  int64         `mapstructure:"id" validate:"required,gt=0"`
	Name                string        `mapstructure:"name"`
	RPCURL              string        `mapstructure:"rpc_url" validate:"required,url"`
	WSURL               string        `mapstructure:"ws_url"`
	PositionManager     string        `mapstructure:"position_manager" validate:"required,eth_addr"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	OperatorKeyEnv      string        `mapstructure:"operator_key_env"`
}

// OperatorKey resolves the operator's hex private key from the environment.
// Keys never live in config files.
func (c ChainConfig) OperatorKey() string {
	if c.OperatorKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.OperatorKeyEnv))
}

// MonitorConfig configures the trigger monitor
type MonitorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	SyncInterval time.Duration `mapstructure:"sync_interval" validate:"gt=0"`
	Feed         string        `mapstructure:"feed" validate:"oneof=evm relay"`
	RelayURL     string        `mapstructure:"relay_url" validate:"required_if=Feed relay"`
}

// ExecutorConfig configures the order executor pool
type ExecutorConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Workers              int           `mapstructure:"workers" validate:"gte=1"`
	MaxAttempts          int           `mapstructure:"max_attempts" validate:"gte=1"`
	LeaseTimeout         time.Duration `mapstructure:"lease_timeout" validate:"gt=0"`
	SuspendOnConfigError bool          `mapstructure:"suspend_on_config_error"`
	FeeRecipient         string        `mapstructure:"fee_recipient" validate:"omitempty,eth_addr"`
	FeeBps               uint16        `mapstructure:"fee_bps" validate:"lte=10000"`
}

// SwapRouterConfig points at the swap route computation service
type SwapRouterConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the admin HTTP server
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// Chain returns the configuration for chainID
func (c *Config) Chain(chainID int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
