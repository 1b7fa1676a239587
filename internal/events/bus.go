// Package events provides the typed in-process publish/subscribe channel the
// orchestrator uses for cross-component notifications. Delivery is
// best-effort, asynchronous, and ordered per topic; a panicking subscriber
// never interrupts the publisher or other subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"evolved/internal/component"
	"evolved/internal/health"
	"evolved/internal/logging"
)

// Topic identifies one notification channel.
type Topic string

// The topics published by the orchestrator.
const (
	TopicComponentTaskCompleted      Topic = "component-task-completed"
	TopicImprovementDetected         Topic = "improvement-detected"
	TopicOrchestrationCycleCompleted Topic = "orchestration-cycle-completed"
)

// TaskCompleted is the payload for component-task-completed.
type TaskCompleted struct {
	ComponentID string         `json:"component_id"`
	Task        component.Task `json:"task"`
	Output      string         `json:"output"`
	Err         string         `json:"err,omitempty"`
}

// ImprovementDetected is the payload for improvement-detected.
type ImprovementDetected struct {
	Snapshot  health.Snapshot `json:"snapshot"`
	Threshold float64         `json:"threshold"`
}

// CycleCompleted is the payload for orchestration-cycle-completed.
type CycleCompleted struct {
	Duration      time.Duration `json:"duration"`
	PlansAdvanced int           `json:"plans_advanced"`
}

// Event pairs a topic with its payload.
type Event struct {
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Handler consumes one event. Handlers run on the topic's delivery goroutine.
type Handler func(Event)

const topicBufferSize = 256

// topicChannel owns one topic's subscriber list and delivery goroutine.
// A single consumer goroutine per topic preserves publish order.
type topicChannel struct {
	mu       sync.RWMutex
	handlers []Handler
	ch       chan Event
}

func (t *topicChannel) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for ev := range t.ch {
		t.mu.RLock()
		handlers := t.handlers
		t.mu.RUnlock()
		for _, h := range handlers {
			deliver(h, ev)
		}
	}
}

// deliver invokes one handler, isolating panics.
func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryEvents).Error("Subscriber panic on topic %s: %v", ev.Topic, r)
		}
	}()
	h(ev)
}

// Bus is the orchestrator-owned event bus.
type Bus struct {
	topics cmap.ConcurrentMap[string, *topicChannel]
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewBus returns an open bus with no subscribers.
func NewBus() *Bus {
	return &Bus{topics: cmap.New[*topicChannel]()}
}

func (b *Bus) topic(topic Topic) *topicChannel {
	if tc, ok := b.topics.Get(string(topic)); ok {
		return tc
	}
	created := &topicChannel{ch: make(chan Event, topicBufferSize)}
	b.topics.Upsert(string(topic), created, func(exists bool, current, newValue *topicChannel) *topicChannel {
		if exists {
			return current
		}
		b.wg.Add(1)
		go newValue.run(&b.wg)
		return newValue
	})
	tc, _ := b.topics.Get(string(topic))
	return tc
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	if b.closed.Load() {
		return
	}
	tc := b.topic(topic)
	tc.mu.Lock()
	tc.handlers = append(tc.handlers, h)
	tc.mu.Unlock()
	logging.EventsDebug("Subscribed handler to topic %s", topic)
}

// Publish enqueues an event for asynchronous delivery. If the topic buffer is
// full the event is dropped (best-effort contract).
func (b *Bus) Publish(topic Topic, payload any) {
	if b.closed.Load() {
		return
	}
	// A racing Close may close the topic channel under us; dropping the
	// event is correct for a best-effort bus.
	defer func() { _ = recover() }()
	ev := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}
	tc := b.topic(topic)
	select {
	case tc.ch <- ev:
	default:
		logging.Get(logging.CategoryEvents).Warn("Dropped event on saturated topic %s", topic)
	}
}

// Close stops delivery after draining queued events. Idempotent.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	for item := range b.topics.IterBuffered() {
		close(item.Val.ch)
	}
	b.wg.Wait()
	logging.Events("Event bus closed")
}
