package messaging

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_autoclose/pkg/metrics"
)

// ErrPublishBreakerOpen is returned while kafka publishes are short-circuited
var ErrPublishBreakerOpen = errors.New("kafka publish breaker open")

type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerProbing:
		return "probing"
	}
	return "unknown"
}

// CircuitBreakerConfig configures the publish breaker
type CircuitBreakerConfig struct {
	Enabled bool `json:"enabled"`
	// FailureThreshold consecutive failed publishes open the breaker
	FailureThreshold int64 `json:"failure_threshold"`
	// SuccessThreshold successful probes close it again
	SuccessThreshold int64 `json:"success_threshold"`
	// Timeout is how long the breaker stays open before probing
	Timeout   time.Duration `json:"timeout"`
	MaxProbes int64         `json:"max_probes"`
}

// DefaultCircuitBreakerConfig returns the publish breaker defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxProbes:        2,
	}
}

// publishBreaker stops the monitor and the outcome applier from hammering
// an unreachable cluster. Its state backs KafkaBroker.Healthy.
type publishBreaker struct {
	mu        sync.Mutex
	config    CircuitBreakerConfig
	state     breakerState
	failures  int64
	successes int64
	probes    int64
	openedAt  time.Time
	logger    *zap.Logger
	now       func() time.Time
}

func newPublishBreaker(config CircuitBreakerConfig, logger *zap.Logger) *publishBreaker {
	return &publishBreaker{
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// allow returns ErrPublishBreakerOpen when the publish must not be attempted
func (b *publishBreaker) allow() error {
	if !b.config.Enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.config.Timeout {
			return ErrPublishBreakerOpen
		}
		b.transition(breakerProbing)
		b.probes = 1
		return nil
	case breakerProbing:
		if b.probes >= b.config.MaxProbes {
			return ErrPublishBreakerOpen
		}
		b.probes++
	}
	return nil
}

// record feeds the result of one publish into the breaker
func (b *publishBreaker) record(err error) {
	if !b.config.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case breakerProbing:
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.transition(breakerClosed)
			}
		case breakerClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	switch {
	case b.state == breakerProbing:
		b.open()
	case b.state == breakerClosed && b.failures >= b.config.FailureThreshold:
		b.open()
	}
}

func (b *publishBreaker) open() {
	b.openedAt = b.now()
	b.transition(breakerOpen)
}

func (b *publishBreaker) transition(to breakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.successes = 0
	b.probes = 0
	if to == breakerClosed {
		b.failures = 0
	}
	metrics.BrokerBreakerOpen.Set(boolGauge(to != breakerClosed))
	b.logger.Warn("Kafka publish breaker changed state",
		zap.Stringer("from", from),
		zap.Stringer("to", to))
}

// healthy reports whether publishes are flowing normally
func (b *publishBreaker) healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerClosed
}

func (b *publishBreaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
