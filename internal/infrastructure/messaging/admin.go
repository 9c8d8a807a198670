package messaging

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TopicConfig contains configuration for individual topics
type TopicConfig struct {
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
}

// DefaultTopicConfig keeps jobs for a week
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		Partitions:        6,
		ReplicationFactor: 1,
		RetentionMs:       7 * 24 * 60 * 60 * 1000,
	}
}

// KafkaAdminClient handles topic management operations
type KafkaAdminClient struct {
	conn   *kafka.Conn
	logger *zap.Logger
}

// NewKafkaAdminClient connects to the cluster controller
func NewKafkaAdminClient(ctx context.Context, brokers []string, logger *zap.Logger) (*KafkaAdminClient, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("failed to find kafka controller: %w", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka controller: %w", err)
	}
	return &KafkaAdminClient{conn: ctrl, logger: logger}, nil
}

// ListTopics returns a list of existing topics
func (a *KafkaAdminClient) ListTopics() ([]string, error) {
	partitions, err := a.conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("failed to read partitions: %w", err)
	}

	topicSet := make(map[string]bool)
	for _, partition := range partitions {
		topicSet[partition.Topic] = true
	}
	topics := make([]string, 0, len(topicSet))
	for topic := range topicSet {
		topics = append(topics, topic)
	}
	return topics, nil
}

// EnsureTopics creates the topics that do not exist yet
func (a *KafkaAdminClient) EnsureTopics(topics []Topic, config TopicConfig) error {
	existing, err := a.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to list existing topics: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t] = true
	}

	var missing []kafka.TopicConfig
	for _, topic := range topics {
		if have[string(topic)] {
			a.logger.Debug("Topic already exists", zap.String("topic", string(topic)))
			continue
		}
		missing = append(missing, kafka.TopicConfig{
			Topic:             string(topic),
			NumPartitions:     config.Partitions,
			ReplicationFactor: config.ReplicationFactor,
			ConfigEntries: []kafka.ConfigEntry{
				{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(config.RetentionMs, 10)},
			},
		})
	}
	if len(missing) == 0 {
		return nil
	}

	if err := a.conn.CreateTopics(missing...); err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}
	for _, t := range missing {
		a.logger.Info("Created Kafka topic",
			zap.String("topic", t.Topic),
			zap.Int("partitions", t.NumPartitions),
			zap.Int("replication_factor", t.ReplicationFactor))
	}
	return nil
}

// Close closes the admin client connection
func (a *KafkaAdminClient) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
