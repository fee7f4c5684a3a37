// Package events provides the in-process event bus that carries run
// progress and stream status out of the engine.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeProgress     EventType = "progress"
	EventTypeStreamStatus EventType = "stream_status"
	EventTypeRunComplete  EventType = "run_complete"
	EventTypeRunFailed    EventType = "run_failed"
	EventTypeControl      EventType = "control"
)

// DefaultBufferSize is the per-subscriber channel size
const DefaultBufferSize = 256

// Event is one message on the bus. Payload is JSON-serialisable.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent creates an event with a generated ID and the current time
func NewEvent(eventType EventType, runID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventFilter can selectively deliver events
type EventFilter func(event Event) bool

// ForRun returns a filter that passes only events of runID
func ForRun(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}

// BusStats tracks delivery counters
type BusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsDelivered   int64 `json:"events_delivered"`
	EventsDropped     int64 `json:"events_dropped"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

type subscription struct {
	id     string
	ch     chan Event
	filter EventFilter
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	onDrop func(EventType)

	eventsPublished atomic.Int64
	eventsDelivered atomic.Int64
	eventsDropped   atomic.Int64

	logger *zap.Logger
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*subscription),
		logger: logger,
	}
}

// OnDrop registers a hook called for every dropped delivery
func (b *Bus) OnDrop(fn func(EventType)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe returns a channel of events passing filter (nil for all) and
// a cancel function that removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, filter EventFilter) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	sub := &subscription{
		id:     uuid.NewString(),
		ch:     make(chan Event, buffer),
		filter: filter,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("Subscription added", zap.String("id", sub.id))

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers event to every matching subscriber without blocking
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.eventsPublished.Add(1)

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
			b.eventsDelivered.Add(1)
		default:
			// Subscriber buffer full, drop
			b.eventsDropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(event.Type)
			}
		}
	}
}

// Stats returns the current counters
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	active := int64(len(b.subs))
	b.mu.RUnlock()
	return BusStats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsDelivered:   b.eventsDelivered.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		ActiveSubscribers: active,
	}
}

// Close removes all subscribers and closes their channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.logger.Info("Event bus closed",
		zap.Int64("events_published", b.eventsPublished.Load()),
		zap.Int64("events_dropped", b.eventsDropped.Load()),
	)
}
