// Package events fans server events out to live subscribers.
package events

import (
	"sync"
	"time"

	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/types"
)

const defaultBuffer = 16

// Broadcaster delivers published events to every current subscriber.
// Slow subscribers lose events instead of blocking publishers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan types.Event
	nextID int
	closed bool
	log    *logging.Logger
}

// NewBroadcaster creates an open Broadcaster.
func NewBroadcaster(log *logging.Logger) *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan types.Event),
		log:  log.WithComponent("events"),
	}
}

// Subscribe registers a subscriber. The returned cancel function removes it
// and closes the channel; it is safe to call more than once. Subscribing
// to a closed Broadcaster returns an already closed channel.
func (b *Broadcaster) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, defaultBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broadcaster) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish sends event to all subscribers without blocking.
func (b *Broadcaster) Publish(event types.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.Debug("dropping event for slow subscriber", "subscriber", id, "type", event.Type)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
