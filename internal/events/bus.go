// Package events carries lifecycle notifications from the tunnel manager and
// download monitor to in-process consumers such as the admin event feed.
package events

import (
	"sync"
	"time"

	"github.com/sendonce/sendonce/internal/domain"
)

const defaultBuffer = 16

// Bus is an in-process publish/subscribe fanout.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan domain.Event
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Publish delivers ev to every subscriber. Subscribers with full buffers
// lose the event rather than block the publisher.
func (b *Bus) Publish(ev domain.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener with the given channel buffer. The returned
// cancel removes the subscription and closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
