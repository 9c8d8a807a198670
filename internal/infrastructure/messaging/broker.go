package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const defaultRequeueBase = time.Second

// Headers used by the retry topology
const (
	HeaderNotBefore   = "x-not-before"
	HeaderOriginTopic = "x-origin-topic"
	HeaderRedelivery  = "x-redelivery"
)

// Outcome tells the consumer what to do with a handled message
type Outcome int

const (
	// Ack commits the message
	Ack Outcome = iota
	// Retry parks the message on the retry topic, then commits
	Retry
	// Requeue parks the message for a short, growing backoff, then commits
	Requeue
	// Reject logs a poison message and commits it
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// ReceivedMessage represents a received message with metadata
type ReceivedMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string][]byte
	Offset    int64
	Partition int
	Timestamp time.Time
}

// Redeliveries returns how often the message was requeued
func (m *ReceivedMessage) Redeliveries() int {
	n, _ := strconv.Atoi(string(m.Headers[HeaderRedelivery]))
	return n
}

// JobHandler processes one message and decides its outcome. It is never
// called concurrently for the same consumer slot.
type JobHandler func(ctx context.Context, msg *ReceivedMessage) Outcome

// Publisher publishes JSON messages keyed for partition affinity
type Publisher interface {
	Publish(ctx context.Context, topic Topic, key string, message interface{}) error
}

// rawPublisher republishes an existing payload with headers
type rawPublisher interface {
	publishRaw(ctx context.Context, topic Topic, key string, value []byte, headers map[string][]byte) error
}

// Broker is the job broker used by the monitor and the executor pool
type Broker interface {
	Publisher
	// Consume runs workers competing consumers on the trigger topic until
	// ctx is cancelled. Each worker holds at most one unacknowledged message.
	Consume(ctx context.Context, workers int, handler JobHandler) error
	// RunRetryRelay moves due messages from the retry topic back to their
	// origin topic until ctx is cancelled.
	RunRetryRelay(ctx context.Context) error
	Healthy() bool
	Close() error
}

func encode(message interface{}) ([]byte, error) {
	if raw, ok := message.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// outcomeApplier turns a handler outcome into broker writes. The caller
// commits the message only if apply returns nil.
type outcomeApplier struct {
	publisher  rawPublisher
	topics     Topics
	retryDelay time.Duration
	attempts   int
	backoff    time.Duration
	logger     *zap.Logger
	now        func() time.Time

	// requeueBase is the first Requeue backoff; it doubles per redelivery
	// up to retryDelay
	requeueBase time.Duration
}

func (a *outcomeApplier) apply(ctx context.Context, msg *ReceivedMessage, outcome Outcome) error {
	switch outcome {
	case Ack:
		return nil
	case Reject:
		a.logger.Error("Rejecting poison message",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.ByteString("value", msg.Value))
		return nil
	case Retry:
		return a.park(ctx, msg, a.retryDelay, copyHeaders(msg.Headers))
	case Requeue:
		n := msg.Redeliveries()
		headers := copyHeaders(msg.Headers)
		headers[HeaderRedelivery] = []byte(strconv.Itoa(n + 1))
		return a.park(ctx, msg, a.requeueDelay(n), headers)
	default:
		return fmt.Errorf("unknown outcome %d", outcome)
	}
}

// park sends msg to the retry topic, due after delay
func (a *outcomeApplier) park(ctx context.Context, msg *ReceivedMessage, delay time.Duration, headers map[string][]byte) error {
	headers[HeaderNotBefore] = []byte(strconv.FormatInt(a.now().Add(delay).UnixMilli(), 10))
	headers[HeaderOriginTopic] = []byte(msg.Topic)
	return a.publish(ctx, a.topics.Retry, msg, headers)
}

// requeueDelay is the backoff before the (n+1)th redelivery
func (a *outcomeApplier) requeueDelay(n int) time.Duration {
	d := a.requeueBase
	if d <= 0 {
		d = defaultRequeueBase
	}
	for i := 0; i < n && d < a.retryDelay; i++ {
		d *= 2
	}
	if a.retryDelay > 0 && d > a.retryDelay {
		d = a.retryDelay
	}
	return d
}

// publish retries with exponential backoff up to the configured attempts
func (a *outcomeApplier) publish(ctx context.Context, topic Topic, msg *ReceivedMessage, headers map[string][]byte) error {
	attempts := a.attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := a.backoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.publisher.publishRaw(ctx, topic, msg.Key, msg.Value, headers); err == nil {
			return nil
		}
		a.logger.Warn("Outcome publish failed",
			zap.String("topic", string(topic)),
			zap.String("key", msg.Key),
			zap.Int("attempt", i+1),
			zap.Error(err))
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", topic, attempts, err)
}

// dueAt reads x-not-before; messages without it are due immediately
func dueAt(msg *ReceivedMessage) time.Time {
	ms, err := strconv.ParseInt(string(msg.Headers[HeaderNotBefore]), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// relayTarget returns where a parked message goes when due, and its headers
func relayTarget(msg *ReceivedMessage, fallback Topic) (Topic, map[string][]byte) {
	target := fallback
	if origin := string(msg.Headers[HeaderOriginTopic]); origin != "" {
		target = Topic(origin)
	}
	headers := copyHeaders(msg.Headers)
	delete(headers, HeaderNotBefore)
	delete(headers, HeaderOriginTopic)
	return target, headers
}

func copyHeaders(h map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// waitUntil sleeps until t or ctx is done
func waitUntil(ctx context.Context, t time.Time, now func() time.Time) error {
	d := t.Sub(now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
