package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/pincex_autoclose/internal/closeorder/model"
	"github.com/Aidin1998/pincex_autoclose/internal/pricefeed"
	"github.com/google/uuid"
)

// subscriber is one live price subscription owned by one order
type subscriber struct {
	orderID uuid.UUID
	tag     string
	chainID int64
	pool    string
	stream  pricefeed.Subscription
	cancel  context.CancelFunc
	// fired guards against publishing twice when the initial price check
	// and a streamed event both satisfy the condition
	fired atomic.Bool
}

func (s *subscriber) stop() {
	s.stream.Unsubscribe()
	s.cancel()
}

// registry holds the monitor's subscribers keyed by order id, and when
// each order last fired. A fired order stays in monitoring until an
// executor claims it, so it is held back from a new subscriber until the
// executor has touched it and rearmAfter passed, or refireAfter passed.
type registry struct {
	mu    sync.Mutex
	subs  map[uuid.UUID]*subscriber
	fired map[uuid.UUID]time.Time
}

func newRegistry() *registry {
	return &registry{
		subs:  make(map[uuid.UUID]*subscriber),
		fired: make(map[uuid.UUID]time.Time),
	}
}

func (r *registry) markFired(orderID uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired[orderID] = at
}

func (r *registry) clearFired(orderID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fired, orderID)
}

func (r *registry) add(s *subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s.orderID]; ok {
		return false
	}
	r.subs[s.orderID] = s
	return true
}

func (r *registry) get(orderID uuid.UUID) *subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[orderID]
}

// remove deletes s only if it is still the registered subscriber
func (r *registry) remove(s *subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[s.orderID]; ok && cur == s {
		delete(r.subs, s.orderID)
		return true
	}
	return false
}

// diff returns the orders without a subscriber and the subscribers
// whose order is no longer in want. Fired orders are held back per
// the registry's rules.
func (r *registry) diff(want map[uuid.UUID]*model.CloseOrder, now time.Time, refireAfter, rearmAfter time.Duration) (add []*model.CloseOrder, stale []*subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		if _, ok := want[id]; !ok {
			stale = append(stale, s)
		}
	}
	for id, at := range r.fired {
		if now.Sub(at) >= refireAfter {
			delete(r.fired, id)
		}
	}
	for id, o := range want {
		if _, ok := r.subs[id]; ok {
			continue
		}
		if at, ok := r.fired[id]; ok {
			if !o.UpdatedAt.After(at) || now.Sub(o.UpdatedAt) < rearmAfter {
				continue
			}
			delete(r.fired, id)
		}
		add = append(add, o)
	}
	return add, stale
}

func (r *registry) drain() []*subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*subscriber, 0, len(r.subs))
	for id, s := range r.subs {
		out = append(out, s)
		delete(r.subs, id)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
