// Package event provides typed, fire-and-forget publish/subscribe buses.
//
// Each event kind gets its own Bus[T] carrying a concrete payload type, so
// subscribers receive strongly typed values instead of dispatching on event
// names. Publishing never blocks: a subscriber whose buffer is full misses
// the event and the miss is counted on its Subscription.
package event

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscription buffer size used when Subscribe is
// called with a non-positive size.
const DefaultBuffer = 64

// Bus is a typed publish/subscribe channel. The zero value is ready to use.
//
// It is safe to call methods on Bus from multiple goroutines.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription receives events published on a Bus after it was created.
type Subscription[T any] struct {
	bus     *Bus[T]
	ch      chan T
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the channel events are delivered on. It is closed when the
// subscription or the bus is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was
// full.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its bus and closes C.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription[T]) close() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription[T]{bus: b, ch: make(chan T, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.close()
		return s
	}
	if b.subs == nil {
		b.subs = make(map[*Subscription[T]]struct{})
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber without blocking.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later Publish calls are no-ops and later
// subscriptions are returned already closed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.close()
	}
	b.subs = nil
}
