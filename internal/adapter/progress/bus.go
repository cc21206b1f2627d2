// Package progress fans job lifecycle events out to per-user subscribers.
// Delivery is best-effort: a slow subscriber loses events rather than
// blocking publishers.
package progress

import (
	"context"
	"sync"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

const subscriberBuffer = 64

type subscriber struct {
	ch chan domain.ProgressEvent
}

// Bus is the in-process implementation of domain.ProgressBus.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string]map[*subscriber]struct{}
	clock clockx.Clock
}

func NewBus(clock clockx.Clock) *Bus {
	return &Bus{subs: map[string]map[*subscriber]struct{}{}, clock: clock}
}

// Publish delivers ev to every subscriber of userID. Full buffers drop the
// event for that subscriber; others still receive it in order.
func (b *Bus) Publish(_ context.Context, userID string, ev domain.ProgressEvent) {
	if ev.Ts.IsZero() {
		ev.Ts = b.clock.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[userID] {
		select {
		case sub.ch <- ev:
		default: // subscriber too slow, drop
		}
	}
}

// Subscribe attaches a new subscriber for userID. The returned cancel func
// detaches it and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(_ context.Context, userID string) (<-chan domain.ProgressEvent, func()) {
	sub := &subscriber{ch: make(chan domain.ProgressEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = map[*subscriber]struct{}{}
	}
	b.subs[userID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], sub)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}
