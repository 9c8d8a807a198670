// Package pricefeed streams pool price updates to the trigger monitor
package pricefeed

import (
	"context"
	"math/big"
	"strings"
	"sync"
)

// PriceEvent is one observed pool price, normally from a Swap
type PriceEvent struct {
	ChainID      int64
	Pool         string
	SqrtPriceX96 *big.Int
	Tick         int32
	BlockNumber  uint64
}

// Source opens live price subscriptions for a pool. Events are only
// delivered for swaps after the subscription starts.
type Source interface {
	Subscribe(ctx context.Context, chainID int64, pool string) (Subscription, error)
}

// Subscription is a live stream of price events. Err receives at most one
// value and is closed when the subscription ends.
type Subscription interface {
	Events() <-chan PriceEvent
	Err() <-chan error
	Unsubscribe()
}

// SameAddress compares hex addresses case-insensitively
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Stream is a Subscription backed by channels, shared by the sources
type Stream struct {
	events chan PriceEvent
	errc   chan error
	quit   chan struct{}
	once   sync.Once
	onStop func()
}

// NewStream returns an open stream; onStop runs once on Unsubscribe
func NewStream(onStop func()) *Stream {
	return &Stream{
		events: make(chan PriceEvent, 16),
		errc:   make(chan error, 1),
		quit:   make(chan struct{}),
		onStop: onStop,
	}
}

func (s *Stream) Events() <-chan PriceEvent { return s.events }
func (s *Stream) Err() <-chan error { return s.errc }

// Done is closed by Unsubscribe
func (s *Stream) Done() <-chan struct{} { return s.quit }

func (s *Stream) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// Deliver hands ev to the consumer unless the subscription was stopped
func (s *Stream) Deliver(ev PriceEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// Fail reports err once and closes the error channel
func (s *Stream) Fail(err error) {
	if err != nil {
		select {
		case s.errc <- err:
		default:
		}
	}
	close(s.errc)
}
