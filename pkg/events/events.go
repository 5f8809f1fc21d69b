package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventNodeConnected      EventType = "node.connected"
	EventNodeClosed         EventType = "node.closed"
	EventNodeFailed         EventType = "node.failed"
	EventHeartbeatFailed    EventType = "heartbeat.failed"
	EventJobQueued          EventType = "job.queued"
	EventJobDispatched      EventType = "job.dispatched"
	EventJobCompleted       EventType = "job.completed"
	EventJobCancelled       EventType = "job.cancelled"
	EventTaskResubmitted    EventType = "task.resubmitted"
	EventReservationCreated EventType = "reservation.created"
	EventReservationReady   EventType = "reservation.ready"
)

// historySize is the number of events kept per type for Recent.
const historySize = 32

// Event represents a grid event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// New creates an event with a fresh id.
func New(t EventType, message string, metadata map[string]string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  metadata,
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	history     map[EventType][]*Event
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		history:     make(map[EventType][]*Event),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish records the event in the history and queues it for broadcast.
// It never blocks: when the distribution buffer is full the event is only
// kept in the history.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	h := append(b.history[event.Type], event)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	b.history[event.Type] = h
	b.mu.Unlock()

	select {
	case b.eventCh <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Recent returns up to n of the latest events of one type, oldest first.
func (b *Broker) Recent(t EventType, n int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := b.history[t]
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]*Event, len(h))
	copy(out, h)
	return out
}

// Dropped returns the number of events that could not be broadcast.
func (b *Broker) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
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
