package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers events delivered asynchronously.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(EventTaskScheduled, c.add)
	defer unsub()

	bus.Publish(EventTaskScheduled, map[string]interface{}{"task_id": "t-1"})
	bus.Publish(EventTaskQueued, map[string]interface{}{"task_id": "t-2"})

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()[0]
	assert.Equal(t, EventTaskScheduled, got.Type)
	assert.Equal(t, "t-1", got.Data["task_id"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	bus.SubscribeAll(c.add)

	for _, et := range []EventType{EventCircuitOpen, EventBudgetWarning, EventWorkStolen} {
		bus.Publish(et, nil)
	}
	require.Eventually(t, func() bool { return c.len() == 3 }, time.Second, 5*time.Millisecond)
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(EventLockExpired, func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(EventLockExpired, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
	assert.Positive(t, bus.Dropped())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(EventTaskFailed, c.add)
	unsub()
	unsub()

	bus.Publish(EventTaskFailed, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	bus.Subscribe(EventTaskCompleted, func(e Event) {
		if e.Data["panic"] == true {
			panic("boom")
		}
		c.add(e)
	})

	bus.Publish(EventTaskCompleted, map[string]interface{}{"panic": true})
	bus.Publish(EventTaskCompleted, map[string]interface{}{"panic": false})
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	bus := NewBus(10)
	unsub := bus.Subscribe(EventTaskQueued, func(Event) {})
	bus.Close()
	bus.Close()
	unsub()

	assert.NotPanics(t, func() { bus.Publish(EventTaskQueued, nil) })
	assert.NotPanics(t, func() { bus.SubscribeAll(func(Event) {}) })
}

func TestBus_CloseDrainsBufferedEvents(t *testing.T) {
	bus := NewBus(100)
	var c collector
	bus.SubscribeAll(func(e Event) {
		time.Sleep(time.Millisecond)
		c.add(e)
	})
	for i := 0; i < 20; i++ {
		bus.Publish(EventTaskQueued, nil)
	}

	bus.Close()
	assert.Equal(t, 20, c.len(), "Close returns after buffered events are delivered")
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	var e Emitter = r
	e.Publish(EventTaskQueued, map[string]interface{}{"task_id": "a"})
	e.Publish(EventTaskScheduled, map[string]interface{}{"task_id": "b"})
	e.Publish(EventTaskQueued, map[string]interface{}{"task_id": "c"})

	assert.Len(t, r.Events(), 3)
	queued := r.OfType(EventTaskQueued)
	require.Len(t, queued, 2)
	assert.Equal(t, "c", queued[1].Data["task_id"])

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestFanout(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	f := Fanout{a, Discard, b}
	f.Publish(EventCircuitOpen, nil)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}
