package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/stepflow/pkg/schema"
)

// subscriptionBuffer is how many events a subscriber may fall behind before
// new ones are dropped for it.
const subscriptionBuffer = 64

type subscription struct {
	filter EventFilter
	events chan schema.ExecutionEvent
	close  sync.Once
}

// MemoryHub is the in-process EventHub. Publish never blocks: a subscriber
// whose buffer is full misses the event and the hub counts it as dropped.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*subscription]struct{})}
}

// Attach feeds every event published on n into the hub. The returned func
// detaches it.
func (h *MemoryHub) Attach(n *Notifier) func() {
	return n.Subscribe(func(ctx context.Context, evt schema.ExecutionEvent) {
		_ = h.Publish(context.WithoutCancel(ctx), evt)
	})
}

func (h *MemoryHub) Publish(ctx context.Context, event schema.ExecutionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe opens a filtered subscription. It ends, closing the channel,
// when the returned cancel func is called or ctx is done, whichever comes
// first.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{filter: filter, events: make(chan schema.ExecutionEvent, subscriptionBuffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() { h.unsubscribe(sub) }
	stop := context.AfterFunc(ctx, unsubscribe)
	return sub.events, func() {
		stop()
		unsubscribe()
	}, nil
}

func (h *MemoryHub) unsubscribe(sub *subscription) {
	sub.close.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.events)
	})
}

// Subscribers is the number of open subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the number of events discarded for slow subscribers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }
