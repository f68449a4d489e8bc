package broadcast

import (
	"errors"
	"sync"
)

// DefaultCapacity is the number of undelivered messages kept per subscriber.
const DefaultCapacity = 100

var ErrBusClosed = errors.New("broadcast bus closed")

// Bus is a process-local, single-stream broadcast channel. Every published
// message is handed to all subscribers attached at the time of the publish;
// nothing is retained for subscribers that attach later.
//
// Each subscriber owns a ring of Capacity entries. A subscriber that falls a
// full ring behind loses the oldest undelivered entries; publishers are never
// blocked by slow readers.
type Bus struct {
	mu       sync.Mutex
	capacity int
	nextID   int
	subs     map[int]chan Message
	closed   bool
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{capacity: capacity, subs: make(map[int]chan Message)}
}

// Publish delivers msg to every current subscriber and reports how many
// subscribers it was handed to. Zero is not an error: the message is dropped.
func (b *Bus) Publish(msg Message) (int, error) {
	// Publishes are serialized so every subscriber observes the same order.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBusClosed
	}
	for _, ch := range b.subs {
		deliver(ch, msg.clone())
	}
	return len(b.subs), nil
}

// Subscribe attaches a new subscriber. The returned channel is closed when
// cancel is called or the bus is closed. Subscribing to a closed bus yields
// an already-closed channel.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Message, b.capacity)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, exists := b.subs[id]; exists {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches and closes every subscriber. Further publishes fail with
// ErrBusClosed. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// deliver never blocks: when the ring is full the oldest entry is discarded
// to make room. Callers hold b.mu, so the reader is the only other party
// touching ch and each retry either sends or frees a slot.
func deliver(ch chan Message, msg Message) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
