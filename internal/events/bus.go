// Package events provides the in-process event bus connecting the CRUD
// host to the stream supervisor. Contract lifecycle notifications travel
// here so neither side imports the other.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventContractCreated   EventType = "CONTRACT_CREATED"
	EventContractDeleted   EventType = "CONTRACT_DELETED"
	EventContractCompleted EventType = "CONTRACT_COMPLETED"
	EventStreamStarted     EventType = "STREAM_STARTED"
	EventStreamStopped     EventType = "STREAM_STOPPED"
	EventFeedFatal         EventType = "FEED_FATAL"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery runs in its own
// goroutine so a slow subscriber cannot stall the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishContractCreated publishes a contract created event
func (b *Bus) PublishContractCreated(contractID int64, mint string) {
	b.Publish(Event{
		Type: EventContractCreated,
		Data: map[string]interface{}{
			"contract_id": contractID,
			"mint":        mint,
		},
	})
}

// PublishContractDeleted publishes a contract deleted event
func (b *Bus) PublishContractDeleted(contractID int64) {
	b.Publish(Event{
		Type: EventContractDeleted,
		Data: map[string]interface{}{
			"contract_id": contractID,
		},
	})
}

// PublishContractCompleted publishes a contract completed event
func (b *Bus) PublishContractCompleted(contractID int64, reason string) {
	b.Publish(Event{
		Type: EventContractCompleted,
		Data: map[string]interface{}{
			"contract_id": contractID,
			"reason":      reason,
		},
	})
}

// PublishStreamStarted publishes a stream started event
func (b *Bus) PublishStreamStarted(contractID int64, mint, sessionID string) {
	b.Publish(Event{
		Type: EventStreamStarted,
		Data: map[string]interface{}{
			"contract_id": contractID,
			"mint":        mint,
			"session_id":  sessionID,
		},
	})
}

// PublishStreamStopped publishes a stream stopped event
func (b *Bus) PublishStreamStopped(contractID int64, reason string) {
	b.Publish(Event{
		Type: EventStreamStopped,
		Data: map[string]interface{}{
			"contract_id": contractID,
			"reason":      reason,
		},
	})
}

// PublishFeedFatal publishes an upstream feed failure event
func (b *Bus) PublishFeedFatal(err error) {
	data := map[string]interface{}{}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventFeedFatal,
		Data: data,
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
