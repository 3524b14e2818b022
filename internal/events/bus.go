// Package events carries change notifications between the store, the
// realtime bridge and anything observing reservation state.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Topics published by the sync subsystem.
const (
	TopicReservationCreated   = "reservation:created"
	TopicReservationUpdated   = "reservation:updated"
	TopicReservationCancelled = "reservation:cancelled"
	TopicReservationConfirmed = "reservation:confirmed"
	TopicReservationStatus    = "reservation:status_changed"
	TopicReservationRemoved   = "reservation:removed"
	TopicCourtAvailability    = "court:availability_changed"
	TopicPricingUpdated       = "pricing:updated"
	TopicConnection           = "connection"
)

// Event is a named notification with an arbitrary payload.
type Event struct {
	Topic   string
	Payload any
}

// Handler consumes an event. Handlers run synchronously in publish order;
// a panicking handler is recovered and logged so one bad subscriber cannot
// take down the dispatch path.
type Handler func(Event)

// Bus fans events out to subscribers by topic.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: map[string]map[int]Handler{}}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = map[int]Handler{}
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// SubscribeAll registers a handler for every listed topic, returning a
// single unsubscribe function covering all of them.
func (b *Bus) SubscribeAll(topics []string, handler Handler) func() {
	cancels := make([]func(), 0, len(topics))
	for _, topic := range topics {
		cancels = append(cancels, b.Subscribe(topic, handler))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Publish delivers the event to every handler subscribed to its topic.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Topic]))
	for _, h := range b.handlers[e.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		safeDispatch(e, handler)
	}
}

func safeDispatch(e Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("topic", e.Topic).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(e)
}

// ReservationTopics lists every reservation-change topic, for subscribers
// that want the full mutation stream.
func ReservationTopics() []string {
	return []string{
		TopicReservationCreated,
		TopicReservationUpdated,
		TopicReservationCancelled,
		TopicReservationConfirmed,
		TopicReservationStatus,
		TopicReservationRemoved,
	}
}
