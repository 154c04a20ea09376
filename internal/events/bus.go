// Package events provides the in-process event bus. Engine components
// publish trading events (fills, stop moves, partial exits, breaker trips)
// and the API layer fans them out to WebSocket clients and persistence.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalAccepted  EventType = "SIGNAL_ACCEPTED"
	EventSignalRejected  EventType = "SIGNAL_REJECTED"
	EventEntrySubmitted  EventType = "ENTRY_SUBMITTED"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventFillTimeout     EventType = "FILL_TIMEOUT"
	EventStopUpdated     EventType = "STOP_UPDATED"
	EventPartialExit     EventType = "PARTIAL_EXIT"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventPositionUpdate  EventType = "POSITION_UPDATE"
	EventSequenceFailed  EventType = "SEQUENCE_FAILED"
	EventBreakerTripped  EventType = "BREAKER_TRIPPED"
	EventBreakerReset    EventType = "BREAKER_RESET"
	EventRecoveryEntered EventType = "RECOVERY_ENTERED"
	EventRecoveryExited  EventType = "RECOVERY_EXITED"
	EventEngineStarted   EventType = "ENGINE_STARTED"
	EventEngineStopped   EventType = "ENGINE_STOPPED"
	EventTradingToggled  EventType = "TRADING_TOGGLED"
	EventAlert           EventType = "ALERT"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
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

// Publish sends an event to all subscribers. Each subscriber runs on its own
// goroutine so publishers never block on slow consumers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishStopUpdated publishes a broker-side stop move
func (eb *EventBus) PublishStopUpdated(symbol string, oldStop, newStop, rMultiple float64) {
	eb.Publish(Event{
		Type: EventStopUpdated,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"old_stop":   oldStop,
			"new_stop":   newStop,
			"r_multiple": rMultiple,
		},
	})
}

// PublishPartialExit publishes a milestone exit fill
func (eb *EventBus) PublishPartialExit(symbol string, shares int64, price, profit, rMultiple float64) {
	eb.Publish(Event{
		Type: EventPartialExit,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"shares":     shares,
			"price":      price,
			"profit":     profit,
			"r_multiple": rMultiple,
		},
	})
}

// PublishPositionOpened publishes a confirmed entry fill
func (eb *EventBus) PublishPositionOpened(symbol, side string, entryPrice, stopLoss float64, quantity int64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"stop_loss":   stopLoss,
			"quantity":    quantity,
		},
	})
}

// PublishPositionClosed publishes a full position exit
func (eb *EventBus) PublishPositionClosed(symbol string, exitPrice, realizedPL float64, reason string) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"exit_price":  exitPrice,
			"realized_pl": realizedPL,
			"reason":      reason,
		},
	})
}

// PublishAlert publishes an operator alert
func (eb *EventBus) PublishAlert(severity, message string, fields map[string]interface{}) {
	data := map[string]interface{}{
		"severity": severity,
		"message":  message,
	}
	for k, v := range fields {
		data[k] = v
	}
	eb.Publish(Event{Type: EventAlert, Data: data})
}

// PublishError publishes a component error
func (eb *EventBus) PublishError(component, message string, err error) {
	data := map[string]interface{}{
		"component": component,
		"message":   message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}
