package events

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-binary
// deployments. Anycast hands each event to exactly one consumer via a
// shared queue; broadcast copies it to every subscriber.
type MemoryBus struct {
	mu          sync.Mutex
	queue       chan *Event
	subscribers []chan *Event
	closed      bool
}

// NewMemoryBus creates a bus with a bounded anycast queue.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queue: make(chan *Event, 128),
	}
}

func (b *MemoryBus) Anycast(ctx context.Context, ev *Event) error {
	select {
	case b.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Broadcast(_ context.Context, ev *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full, skip.
		}
	}
	return nil
}

func (b *MemoryBus) ConsumeAnycast(ctx context.Context, _, _ string, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-b.queue:
			if !ok {
				return nil
			}
			if err := h(ctx, ev); err != nil {
				// Redeliver the way the stream backend would.
				select {
				case b.queue <- ev:
				default:
				}
			}
		}
	}
}

func (b *MemoryBus) SubscribeBroadcast(ctx context.Context, h Handler) error {
	sub := make(chan *Event, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			_ = h(ctx, ev)
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.queue)
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
	return nil
}
