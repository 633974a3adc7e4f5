package state

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies lifecycle event categories.
type EventType string

const (
	EventStreamState  EventType = "stream_state"
	EventAuthState    EventType = "auth_state"
	EventTreeReplaced EventType = "tree_replaced"
)

// lifecycleOrder is the order in which retained events are replayed to a new
// subscriber.
var lifecycleOrder = []EventType{EventStreamState, EventAuthState, EventTreeReplaced}

// Event is a lifecycle notification. Attribute changes are not published
// here; they go through the Signal.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// EventBus fans lifecycle events out to subscribers. The latest event of
// each type is retained and replayed on Subscribe, so a consumer that
// attaches late still learns the current stream and auth state. A nil
// *EventBus discards everything.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	latest map[EventType]Event
	log    *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[int]chan Event),
		latest: make(map[EventType]Event),
		log:    log,
	}
}

// StreamState announces a stream client state transition.
func (b *EventBus) StreamState(s string) {
	b.Publish(Event{Type: EventStreamState, Data: s})
}

// AuthState announces an authorization state transition.
func (b *EventBus) AuthState(s string) {
	b.Publish(Event{Type: EventAuthState, Data: s})
}

// TreeReplaced announces a wholesale snapshot of n entities.
func (b *EventBus) TreeReplaced(n int) {
	b.Publish(Event{Type: EventTreeReplaced, Data: n})
}

// Latest returns the last event published with type t.
func (b *EventBus) Latest(t EventType) (Event, bool) {
	if b == nil {
		return Event{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	evt, ok := b.latest[t]
	return evt, ok
}

// Publish delivers evt without blocking. A subscriber whose buffer is full
// misses the event.
func (b *EventBus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[evt.Type] = evt
	for id, ch := range b.subs {
		if !offer(ch, evt) {
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel primed with the retained lifecycle events and
// an unsubscribe function that closes it.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	for _, t := range lifecycleOrder {
		if evt, ok := b.latest[t]; ok {
			offer(ch, evt)
		}
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func offer(ch chan Event, evt Event) bool {
	select {
	case ch <- evt:
		return true
	default:
		return false
	}
}
