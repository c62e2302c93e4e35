package driftsync

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// busBufferSize is each subscriber's change buffer. A subscriber that falls
// further behind than this starts losing changes; losing a PeerChange is
// safe (the store already holds the data, the next read repairs the cache)
// but worth counting.
const busBufferSize = 64

// ContextBus is the in-process PeerBus: every client in the process that
// shares a store subscribes with its session id and hears every other
// session's changes. Delivery is asynchronous per subscriber with a
// bounded buffer, so a slow listener cannot stall a publisher.
type ContextBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*busSubscriber
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type busSubscriber struct {
	id      uint64
	session string
	ch      chan PeerChange
	done    chan struct{}
}

// NewContextBus creates an empty bus.
func NewContextBus() *ContextBus {
	return &ContextBus{subs: make(map[uint64]*busSubscriber)}
}

// Publish implements PeerBus.
func (b *ContextBus) Publish(session string, change PeerChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.session == session {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			b.dropped.Add(1)
			slog.Warn("peer bus subscriber lagging, change dropped",
				"session", sub.session, "collection", change.Collection)
		}
	}
}

// Subscribe implements PeerBus.
func (b *ContextBus) Subscribe(session string, fn func(PeerChange)) (remove func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &busSubscriber{
		id:      b.nextID,
		session: session,
		ch:      make(chan PeerChange, busBufferSize),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case change := <-sub.ch:
				fn(change)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Dropped returns how many changes were lost to lagging subscribers.
func (b *ContextBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close drops all subscriptions and waits for in-flight deliveries to
// finish. Publishing to a closed bus is a no-op.
func (b *ContextBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*busSubscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*busSubscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
}
