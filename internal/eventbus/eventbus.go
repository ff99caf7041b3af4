// Package eventbus carries dispatch and tracking lifecycle events (offers,
// assignments, status changes, completions) to in-process observers.
package eventbus

import "sync"

// Event is a lifecycle event published by the dispatch or tracking pipeline.
type Event any

const subscriberBuffer = 16

// Bus fans events out over buffered channels. Publishing never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted, so a stalled observer cannot back-pressure an accept or a location
// ingest.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	dropped uint64
	closed  bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with buffer room.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel receiving future events. After Close the
// returned channel is already closed.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = ch
	return ch
}

// Unsubscribe detaches sub and closes its channel.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[sub]
	if !ok {
		return
	}
	delete(b.subs, sub)
	close(ch)
}

// Dropped reports how many events were discarded on full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close detaches and closes every subscriber. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
