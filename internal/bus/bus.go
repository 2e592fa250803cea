package bus

import (
	"strings"
	"sync"
)

// Bus fans events out to subscribers by Kind prefix. Publishing never
// blocks: a subscriber that stops draining its channel loses events rather
// than stalling the engines, so bus delivery is advisory and consumers
// re-read authoritative state (store, channel) when they act on an event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Subscribers with full buffers are skipped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Subscribe registers interest in every event whose Kind starts with prefix;
// the empty prefix matches everything. bufSize sets how far a consumer may
// lag before events are dropped. The returned function removes the
// subscription; the channel is never closed, so a consumer must stop
// receiving on it after unsubscribing.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
