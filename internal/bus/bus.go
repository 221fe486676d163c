package bus

import (
	"strings"
	"sync"
	"time"
)

// Event kinds published by the engine. Subscribers filter by prefix, so
// "message." matches every message event.
const (
	KindMessageDelivered  = "message.delivered"
	KindMessageFailed     = "message.failed"
	KindMessageReceived   = "message.received"
	KindSessionCreated    = "session.created"
	KindSessionMerged     = "session.merged"
	KindDeviceQuality     = "device.quality"
	KindDeviceUnreachable = "device.unreachable"
	KindDeviceReconnected = "device.reconnected"
	KindSyncCompleted     = "sync.completed"
)

// Event represents a status change published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Bus is an in-process publish/subscribe event bus with prefix filtering.
// Publish never blocks: a subscriber with a full buffer misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose prefix matches event.Kind.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				// Subscriber is full, drop rather than block the engine.
			}
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with prefix,
// and an unsubscribe function. bufSize controls the channel buffer.
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
