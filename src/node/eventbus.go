package node

import (
	"sync"
	"time"
)

// EventKind classifies an engine event for live feed subscribers.
type EventKind string

// Event kinds published by the engine.
const (
	EventMessage       EventKind = "message"
	EventMessageUpdate EventKind = "message_update"
	EventNodeUpdate    EventKind = "node_update"
	EventTelemetry     EventKind = "telemetry"
	EventMode          EventKind = "mode"
	EventDeploy        EventKind = "deploy"
	EventBleScan       EventKind = "ble_scan"
)

// Event is the JSON-serialisable envelope pushed to live feed subscribers.
type Event struct {
	Kind      EventKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans engine events out to all registered subscribers. Each
// subscriber gets a buffered channel; a subscriber that stops draining loses
// events rather than stalling the engine loop.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus ...
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new subscriber. It returns a receive channel and an
// unsubscribe function that must be called when the subscriber goes away; the
// unsubscribe closes the channel.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers. Slow consumers are
// skipped; they can catch up through the REST endpoints.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
