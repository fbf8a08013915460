// Package events provides an in-process broker for task lifecycle
// events. The coordinator publishes; metrics and logging subscribers
// consume without coupling the pipeline to either.
package events

import (
	"sync"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventTaskSubmitted  EventType = "task.submitted"
	EventTaskStarted    EventType = "task.started"
	EventTaskStage      EventType = "task.stage"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventTaskCancelled  EventType = "task.cancelled"
	EventTaskRefused    EventType = "task.refused"
	EventScheduleFired  EventType = "schedule.fired"
	EventBudgetExceeded EventType = "budget.exceeded"
)

// Event is one lifecycle notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    string
	UserID    string
	// Stage carries the pipeline stage for task.stage events; Detail
	// carries free-form context (refusal reason, error kind).
	Stage  string
	Detail string
}

// Subscriber receives published events.
type Subscriber chan *Event

// Broker fans events out to subscribers. Publishing never blocks the
// pipeline: slow subscribers drop events rather than stall delivery.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for distribution.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
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
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
