package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaProducer publishes messages with one writer per topic
type KafkaProducer struct {
	config  *KafkaConfig
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
	breaker *publishBreaker
	mu      sync.RWMutex
}

// NewKafkaProducer creates a new Kafka producer
func NewKafkaProducer(config *KafkaConfig, logger *zap.Logger) *KafkaProducer {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	return &KafkaProducer{
		config:  config,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger,
		breaker: newPublishBreaker(config.CircuitBreaker, logger),
	}
}

// getWriter returns or creates a writer for the specified topic
func (p *KafkaProducer) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()
	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr: kafka.TCP(p.config.Brokers...),
		// same key, same partition: one order's jobs stay ordered
		Balancer:     &kafka.Hash{},
		Topic:        string(topic),
		BatchSize:    1,
		ReadTimeout:  p.config.ReadTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  p.config.RetryMax,
		BatchBytes:   int64(p.config.MaxMessageBytes),
	}
	switch p.config.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	case "none":
	default:
		writer.Compression = kafka.Snappy
	}

	p.writers[topic] = writer
	return writer
}

// Publish marshals message to JSON and writes it synchronously
func (p *KafkaProducer) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := encode(message)
	if err != nil {
		return err
	}
	return p.publishRaw(ctx, topic, key, data, nil)
}

func (p *KafkaProducer) publishRaw(ctx context.Context, topic Topic, key string, value []byte, headers map[string][]byte) error {
	if err := p.breaker.allow(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: v})
	}

	err := p.getWriter(topic).WriteMessages(ctx, msg)
	p.breaker.record(err)
	if err != nil {
		p.logger.Error("Failed to publish message",
			zap.Error(err),
			zap.String("topic", string(topic)),
			zap.String("key", key))
		return err
	}
	return nil
}

// IsHealthy returns true if the publish breaker is closed
func (p *KafkaProducer) IsHealthy() bool {
	return p.breaker.healthy()
}

// Close closes the producer and all its writers
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	return errs
}

// kafkaFetcher adapts a consumer group reader
type kafkaFetcher struct {
	reader *kafka.Reader
}

func (f *kafkaFetcher) fetch(ctx context.Context) (*ReceivedMessage, func(context.Context) error, error) {
	m, err := f.reader.FetchMessage(ctx)
	if err != nil {
		return nil, nil, err
	}
	msg := &ReceivedMessage{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   make(map[string][]byte, len(m.Headers)),
		Offset:    m.Offset,
		Partition: m.Partition,
		Timestamp: m.Time,
	}
	for _, h := range m.Headers {
		msg.Headers[h.Key] = h.Value
	}
	commit := func(ctx context.Context) error {
		return f.reader.CommitMessages(ctx, m)
	}
	return msg, commit, nil
}

// KafkaBroker implements Broker on kafka topics
type KafkaBroker struct {
	config   *KafkaConfig
	producer *KafkaProducer
	logger   *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaBroker creates the broker; topics must already exist
func NewKafkaBroker(config *KafkaConfig, logger *zap.Logger) (*KafkaBroker, error) {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger = logger.Named("kafka-broker")
	return &KafkaBroker{
		config:   config,
		producer: NewKafkaProducer(config, logger),
		logger:   logger,
	}, nil
}

// Publish publishes a message to topic
func (b *KafkaBroker) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	return b.producer.Publish(ctx, topic, key, message)
}

func (b *KafkaBroker) newReader(topic Topic, role string) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.config.Brokers,
		GroupID:  b.config.GroupID(role),
		Topic:    string(topic),
		MinBytes: 1,
		MaxBytes: b.config.MaxMessageBytes,
		MaxWait:  time.Second,
		// prefetch 1: a slow job never holds back messages another slot could take
		QueueCapacity:  1,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			b.logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()
	return reader
}

func (b *KafkaBroker) applier() *outcomeApplier {
	return &outcomeApplier{
		publisher:   b.producer,
		topics:      b.config.Topics,
		retryDelay:  b.config.RetryDelay,
		requeueBase: defaultRequeueBase,
		attempts:    b.config.PublishAttempts,
		backoff:     b.config.PublishBackoff,
		logger:      b.logger,
		now:         time.Now,
	}
}

// Consume runs competing consumers on the trigger topic until ctx is done
func (b *KafkaBroker) Consume(ctx context.Context, workers int, handler JobHandler) error {
	if workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	b.logger.Info("Starting job consumers",
		zap.String("topic", string(b.config.Topics.Trigger)),
		zap.String("group_id", b.config.GroupID("executor")),
		zap.Int("workers", workers))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		reader := b.newReader(b.config.Topics.Trigger, "executor")
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			defer reader.Close()
			runWorker(ctx, &kafkaFetcher{reader: reader}, b.applier(), handler, b.logger.With(zap.Int("worker", slot)))
		}(i)
	}
	wg.Wait()
	return nil
}

// RunRetryRelay moves due messages from the retry topic back to their origin
func (b *KafkaBroker) RunRetryRelay(ctx context.Context) error {
	reader := b.newReader(b.config.Topics.Retry, "retry-relay")
	defer reader.Close()

	b.logger.Info("Starting retry relay",
		zap.String("topic", string(b.config.Topics.Retry)),
		zap.Duration("retry_delay", b.config.RetryDelay))
	runRelay(ctx, &kafkaFetcher{reader: reader}, b.applier(), b.logger.Named("retry-relay"))
	return nil
}

// Healthy reports whether publishing is currently possible
func (b *KafkaBroker) Healthy() bool {
	return b.producer.IsHealthy()
}

// Close closes writers and any readers still open
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errors.Join(errs, b.producer.Close())
}
