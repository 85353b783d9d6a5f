package events

import (
	"sync"
	"time"
)

// EventType identifies what an Event represents. This agent currently
// has one producer (the configuration watcher) and it stays a sentinel
// set of one rather than the teacher's open-ended catalog, since nothing
// else in the agent needs a pub/sub channel yet.
type EventType string

// EventConfigChanged is published whenever a reload of the on-disk YAML
// configuration succeeds. Payload carries the new *config.Config; this
// package does not import pkg/config itself to avoid a dependency cycle
// with config.Store.Subscribe, so consumers type-assert the payload.
const EventConfigChanged EventType = "config.changed"

// Event is one message carried on a Bus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Bus fans a Publish out to every current Subscriber without blocking
// the publisher on a slow or stalled subscriber.
type Bus struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBus creates an unstarted Bus. Call Start before Publish.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 16),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's distribution loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops distribution. Subscriber channels are left open; callers
// still holding one should Unsubscribe themselves.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscription and returns its channel.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 8)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish delivers event to every current subscriber. It does not block
// on the bus's distribution loop beyond the buffered event channel.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full; drop rather than block the bus.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
