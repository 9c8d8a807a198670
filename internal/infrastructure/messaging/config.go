package messaging

import (
	"fmt"
	"time"
)

// Topic names a broker topic
type Topic string

// Topics is the trigger pipeline topology
type Topics struct {
	// Trigger carries trigger jobs to the executor pool
	Trigger Topic
	// Retry parks failed jobs until their retry delay elapses
	Retry Topic
	// Events carries best-effort notification events
	Events Topic
}

// DefaultTopics returns the standard topic names
func DefaultTopics() Topics {
	return Topics{
		Trigger: "closeorder.trigger",
		Retry:   "closeorder.trigger.retry",
		Events:  "closeorder.events",
	}
}

// All lists every topic of the topology
func (t Topics) All() []Topic {
	return []Topic{t.Trigger, t.Retry, t.Events}
}

// KafkaConfig contains configuration for Kafka connection
type KafkaConfig struct {
	Brokers             []string      `json:"brokers"`
	ConsumerGroupPrefix string        `json:"consumer_group_prefix"`
	Topics              Topics        `json:"topics"`
	RetryDelay          time.Duration `json:"retry_delay"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	RequiredAcks        int           `json:"required_acks"`
	Compression         string        `json:"compression"`
	RetryMax            int           `json:"retry_max"`
	MaxMessageBytes     int           `json:"max_message_bytes"`
	// PublishAttempts bounds how often an outcome's republish is retried
	// before the message is left uncommitted
	PublishAttempts int                  `json:"publish_attempts"`
	PublishBackoff  time.Duration        `json:"publish_backoff"`
	CircuitBreaker  CircuitBreakerConfig `json:"circuit_breaker"`
}

// DefaultKafkaConfig returns the default broker configuration
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:             []string{"localhost:9092"},
		ConsumerGroupPrefix: "autoclose",
		Topics:              DefaultTopics(),
		RetryDelay:          60 * time.Second,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		RequiredAcks:        -1, // all in-sync replicas; jobs must not be lost
		Compression:         "snappy",
		RetryMax:            3,
		MaxMessageBytes:     1048576,
		PublishAttempts:     5,
		PublishBackoff:      200 * time.Millisecond,
		CircuitBreaker:      DefaultCircuitBreakerConfig(),
	}
}

// GroupID returns the full consumer group for a role
func (c *KafkaConfig) GroupID(role string) string {
	return fmt.Sprintf("%s-%s", c.ConsumerGroupPrefix, role)
}

// Validate checks the configuration
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}
	if c.Topics.Trigger == "" || c.Topics.Retry == "" || c.Topics.Events == "" {
		return fmt.Errorf("all pipeline topics are required")
	}
	if c.Topics.Trigger == c.Topics.Retry {
		return fmt.Errorf("retry topic must differ from the trigger topic")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	return nil
}
