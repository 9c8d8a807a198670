package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultMemoryCapacity = 10000

type memQueue struct {
	mu       sync.Mutex
	items    []*ReceivedMessage
	capacity int
	offset   int64
	notify   chan struct{}
}

func newMemQueue(capacity int) *memQueue {
	return &memQueue{capacity: capacity, notify: make(chan struct{}, 1)}
}

func (q *memQueue) push(msg *ReceivedMessage) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("topic %s is full", msg.Topic)
	}
	msg.Offset = q.offset
	q.offset++
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *memQueue) tryPop() *ReceivedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg
}

func (q *memQueue) pop(ctx context.Context) (*ReceivedMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if msg := q.tryPop(); msg != nil {
			// wake the next waiter if more is queued
			if q.len() > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type memFetcher struct {
	queue *memQueue
}

func (f *memFetcher) fetch(ctx context.Context) (*ReceivedMessage, func(context.Context) error, error) {
	msg, err := f.queue.pop(ctx)
	if err != nil {
		return nil, nil, err
	}
	return msg, func(context.Context) error { return nil }, nil
}

// MemoryBroker implements Broker in process with the same topology and
// outcome semantics as the kafka broker. Messages do not survive a restart.
type MemoryBroker struct {
	topics      Topics
	retryDelay  time.Duration
	requeueBase time.Duration
	capacity    int
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	queues map[Topic]*memQueue
	closed bool
}

// NewMemoryBroker creates an in-process broker
func NewMemoryBroker(topics Topics, retryDelay time.Duration, logger *zap.Logger) *MemoryBroker {
	return &MemoryBroker{
		topics:      topics,
		retryDelay:  retryDelay,
		requeueBase: defaultRequeueBase,
		capacity:    defaultMemoryCapacity,
		logger:      logger.Named("memory-broker"),
		now:         time.Now,
		queues:      make(map[Topic]*memQueue),
	}
}

func (b *MemoryBroker) queue(topic Topic) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = newMemQueue(b.capacity)
		b.queues[topic] = q
	}
	return q
}

// Publish marshals message and appends it to topic
func (b *MemoryBroker) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := encode(message)
	if err != nil {
		return err
	}
	return b.publishRaw(ctx, topic, key, data, nil)
}

func (b *MemoryBroker) publishRaw(_ context.Context, topic Topic, key string, value []byte, headers map[string][]byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("broker closed")
	}
	return b.queue(topic).push(&ReceivedMessage{
		Topic:     string(topic),
		Key:       key,
		Value:     append([]byte(nil), value...),
		Headers:   copyHeaders(headers),
		Timestamp: b.now(),
	})
}

func (b *MemoryBroker) applier() *outcomeApplier {
	return &outcomeApplier{
		publisher:   b,
		topics:      b.topics,
		retryDelay:  b.retryDelay,
		requeueBase: b.requeueBase,
		attempts:    3,
		backoff:     10 * time.Millisecond,
		logger:      b.logger,
		now:         b.now,
	}
}

// Consume runs workers competing consumers on the trigger topic
func (b *MemoryBroker) Consume(ctx context.Context, workers int, handler JobHandler) error {
	if workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	q := b.queue(b.topics.Trigger)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			runWorker(ctx, &memFetcher{queue: q}, b.applier(), handler, b.logger.With(zap.Int("worker", slot)))
		}(i)
	}
	wg.Wait()
	return nil
}

// RunRetryRelay moves due parked messages back to their origin topic
func (b *MemoryBroker) RunRetryRelay(ctx context.Context) error {
	runRelay(ctx, &memFetcher{queue: b.queue(b.topics.Retry)}, b.applier(), b.logger.Named("retry-relay"))
	return nil
}

// Pending returns how many messages wait on topic
func (b *MemoryBroker) Pending(topic Topic) int {
	return b.queue(topic).len()
}

// Next pops the next message of topic, for consumers outside the pipeline
func (b *MemoryBroker) Next(ctx context.Context, topic Topic) (*ReceivedMessage, error) {
	return b.queue(topic).pop(ctx)
}

// Healthy is true until the broker is closed
func (b *MemoryBroker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close rejects further publishes
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
