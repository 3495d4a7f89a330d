package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mozart409/tendhost/pkg/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventHostStateChanged EventType = "host_state_changed"
	EventUpdateProgress   EventType = "update_progress"
	EventUpdateCompleted  EventType = "update_completed"
	EventHostConnected    EventType = "host_connected"
	EventHostDisconnected EventType = "host_disconnected"
)

// Event is a fleet lifecycle event. The Type field discriminates which of
// the optional fields are populated.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`

	// host_state_changed
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// update_progress
	Package  string `json:"package,omitempty"`
	Progress int    `json:"progress,omitempty"`

	// update_completed
	Result string `json:"result,omitempty"`

	// host_disconnected
	Reason string `json:"reason,omitempty"`
}

// NewHostStateChanged builds a state transition event
func NewHostStateChanged(host, from, to string) *Event {
	return &Event{Type: EventHostStateChanged, Host: host, From: from, To: to}
}

// NewUpdateProgress builds a per-package progress event
func NewUpdateProgress(host, pkg string, progress int) *Event {
	return &Event{Type: EventUpdateProgress, Host: host, Package: pkg, Progress: progress}
}

// NewUpdateCompleted builds an update completion event
func NewUpdateCompleted(host, result string) *Event {
	return &Event{Type: EventUpdateCompleted, Host: host, Result: result}
}

// NewHostConnected builds a host registration event
func NewHostConnected(host string) *Event {
	return &Event{Type: EventHostConnected, Host: host}
}

// NewHostDisconnected builds a host removal event
func NewHostDisconnected(host, reason string) *Event {
	return &Event{Type: EventHostDisconnected, Host: host, Reason: reason}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
// Publication never blocks; subscribers that fall behind lose events.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// DefaultCapacity is the publish buffer size used by NewBroker
const DefaultCapacity = 1024

// subscriberBuffer is the per-subscriber channel buffer
const subscriberBuffer = 64

// NewBroker creates a new event broker with the default capacity
func NewBroker() *Broker {
	return NewBrokerWithCapacity(DefaultCapacity)
}

// NewBrokerWithCapacity creates a new event broker with an explicit
// publish buffer capacity
func NewBrokerWithCapacity(capacity int) *Broker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, capacity),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Never blocks the caller:
// if the publish buffer is full the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Publish buffer full, drop
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
