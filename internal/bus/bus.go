package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with prefix filtering.
// It decouples the sync engine, connectivity monitor, presence channel and
// the local API surface from each other.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers an event to every subscriber whose prefix matches
// event.Kind. Delivery is non-blocking: a subscriber with a full buffer
// misses the event rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers interest in events whose kind starts with prefix.
// bufSize controls the channel buffer. The returned function unsubscribes;
// it is safe to call more than once.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
