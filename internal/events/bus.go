package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventLedgerChanged      EventType = "LEDGER_CHANGED"
	EventRequestApproved    EventType = "REQUEST_APPROVED"
	EventRequestRejected    EventType = "REQUEST_REJECTED"
	EventRequestReversed    EventType = "REQUEST_REVERSED"
	EventTradingFeeApplied  EventType = "TRADING_FEE_APPLIED"
	EventTradingFeeVoided   EventType = "TRADING_FEE_VOIDED"
	EventDailyResultApplied EventType = "DAILY_RESULT_APPLIED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// InvestorIDs returns the investors an event touched, if it carries any.
func (e Event) InvestorIDs() []string {
	switch v := e.Data["investor_ids"].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	}
	if id, ok := e.Data["investor_id"].(string); ok {
		return []string{id}
	}
	return nil
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishLedgerChanged announces that balances of the given investors moved.
// Every mutating operation publishes it after commit.
func (eb *EventBus) PublishLedgerChanged(reason string, investorIDs ...string) {
	eb.Publish(Event{
		Type: EventLedgerChanged,
		Data: map[string]interface{}{
			"reason":       reason,
			"investor_ids": investorIDs,
		},
	})
}

// PublishRequestApproved publishes a request approved event
func (eb *EventBus) PublishRequestApproved(requestID, investorID, requestType, amount string) {
	eb.Publish(Event{
		Type: EventRequestApproved,
		Data: map[string]interface{}{
			"request_id":  requestID,
			"investor_id": investorID,
			"type":        requestType,
			"amount":      amount,
		},
	})
}

// PublishRequestRejected publishes a request rejected event
func (eb *EventBus) PublishRequestRejected(requestID, investorID string) {
	eb.Publish(Event{
		Type: EventRequestRejected,
		Data: map[string]interface{}{
			"request_id":  requestID,
			"investor_id": investorID,
		},
	})
}

// PublishRequestReversed publishes a request reversed event
func (eb *EventBus) PublishRequestReversed(requestID, investorID, requestType string) {
	eb.Publish(Event{
		Type: EventRequestReversed,
		Data: map[string]interface{}{
			"request_id":  requestID,
			"investor_id": investorID,
			"type":        requestType,
		},
	})
}

// PublishTradingFeeApplied publishes a trading fee applied event
func (eb *EventBus) PublishTradingFeeApplied(feeID, investorID, source, amount string) {
	eb.Publish(Event{
		Type: EventTradingFeeApplied,
		Data: map[string]interface{}{
			"fee_id":      feeID,
			"investor_id": investorID,
			"source":      source,
			"amount":      amount,
		},
	})
}

// PublishTradingFeeVoided publishes a trading fee voided event
func (eb *EventBus) PublishTradingFeeVoided(feeID, investorID string) {
	eb.Publish(Event{
		Type: EventTradingFeeVoided,
		Data: map[string]interface{}{
			"fee_id":      feeID,
			"investor_id": investorID,
		},
	})
}

// PublishDailyResultApplied publishes a daily operating result event
func (eb *EventBus) PublishDailyResultApplied(date, percent string, investorCount int) {
	eb.Publish(Event{
		Type: EventDailyResultApplied,
		Data: map[string]interface{}{
			"date":           date,
			"percent":        percent,
			"investor_count": investorCount,
		},
	})
}
