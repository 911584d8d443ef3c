package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventTaskScheduled   EventType = "task_scheduled"
	EventTaskQueued      EventType = "task_queued"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventBudgetWarning   EventType = "budget_warning"
	EventBudgetCritical  EventType = "budget_critical"
	EventCircuitOpen     EventType = "circuit_open"
	EventCircuitClosed   EventType = "circuit_closed"
	EventLockExpired     EventType = "lock_expired"
	EventWorkStolen      EventType = "work_stolen"
	EventMetricsSnapshot EventType = "metrics_snapshot"
)

// AllEventTypes lists every event the admission plane emits.
var AllEventTypes = []EventType{
	EventTaskScheduled,
	EventTaskQueued,
	EventTaskCompleted,
	EventTaskFailed,
	EventBudgetWarning,
	EventBudgetCritical,
	EventCircuitOpen,
	EventCircuitClosed,
	EventLockExpired,
	EventWorkStolen,
	EventMetricsSnapshot,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Emitter accepts outbound events. Implementations must not block.
type Emitter interface {
	Publish(eventType EventType, data map[string]interface{})
}

type discard struct{}

func (discard) Publish(EventType, map[string]interface{}) {}

// Discard drops every event.
var Discard Emitter = discard{}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	wildcard    []chan Event
	bufferSize  int
	closed      bool
	dropped     atomic.Uint64
	workers     sync.WaitGroup
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.start(fn)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[eventType] = b.remove(b.subscribers[eventType], ch)
	}
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.start(fn)
	b.wildcard = append(b.wildcard, ch)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = b.remove(b.wildcard, ch)
	}
}

func (b *Bus) start(fn Subscriber) chan Event {
	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		for event := range ch {
			func() {
				defer func() {
					// A panicking subscriber must not stop delivery to itself or others.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()
	return ch
}

func (b *Bus) remove(subs []chan Event, ch chan Event) []chan Event {
	for i, subCh := range subs {
		if subCh == ch {
			if !b.closed {
				close(ch)
			}
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish sends an event to all subscribers of the given type and to
// wildcard subscribers without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, subs := range [][]chan Event{b.subscribers[eventType], b.wildcard} {
		for _, ch := range subs {
			select {
			case ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns how many deliveries were discarded because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions. It returns
// once every subscriber has handled the events already buffered for it, so
// must not be called from a subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	for _, ch := range b.wildcard {
		close(ch)
	}
	b.wildcard = nil
	b.mu.Unlock()

	b.workers.Wait()
}
