package events

import (
	"sync"
	"time"

	"github.com/atunbixx/Planr-sub008/pkg/utils"
)

// EventType identifies the kind of engine event
type EventType string

// Engine event catalog
const (
	RequestSubmitted  EventType = "request-submitted"
	RequestExecuted   EventType = "request-executed"
	NodeFaultDetected EventType = "node-fault-detected"
	ConsensusReached  EventType = "consensus-reached"
	NodeSuspected     EventType = "node-suspected"
	MetricsUpdated    EventType = "metrics-updated"
	AlertCreated      EventType = "alert-created"
	AlertResolved     EventType = "alert-resolved"
)

// Event is a single engine event with a typed name and loose payload
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process publish/subscribe dispatcher for engine events.
// Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventType][]subscription
	all    []subscription
	logger *utils.Logger
	closed bool
}

// NewBus creates an event bus
func NewBus(logger *utils.Logger) *Bus {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Bus{
		subs:   make(map[EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	return func() { b.unsubscribeAll(id) }
}

func (b *Bus) unsubscribe(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeAll(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.all {
		if s.id == id {
			b.all = append(b.all[:i:i], b.all[i+1:]...)
			return
		}
	}
}

// Publish dispatches an event to all matching handlers. A panicking
// handler is recovered and logged so one subscriber cannot take down
// the publisher.
func (b *Bus) Publish(t EventType, fields map[string]interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.subs[t])+len(b.all))
	for _, s := range b.subs[t] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.all {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	ev := Event{Type: t, Timestamp: time.Now().UTC(), Fields: fields}
	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				utils.ZapString("event_type", string(ev.Type)),
				utils.ZapAny("panic", r))
		}
	}()
	h(ev)
}

// Close drops all subscribers and ignores further publishes. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = make(map[EventType][]subscription)
	b.all = nil
}
