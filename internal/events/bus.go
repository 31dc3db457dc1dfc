// Package events is the in-process publisher that carries sandbox and
// security notifications to observers (metrics, storage, websocket clients).
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by sandboxes and the manager.
const (
	TopicExecutionStarted      = "execution_started"
	TopicExecutionCompleted    = "execution_completed"
	TopicResourceLimitExceeded = "resource_limit_exceeded"
	TopicSecurityViolation     = "security_violation"
	TopicResourceUsageUpdated  = "resource_usage_updated"
	TopicSandboxCreated        = "sandbox_created"
	TopicSandboxRemoved        = "sandbox_removed"
	TopicSecurityEvent         = "security_event"
	TopicSuspiciousActivity    = "suspicious_activity_detected"
)

// AllTopics lists every topic in publication order of a typical run.
var AllTopics = []string{
	TopicSandboxCreated,
	TopicExecutionStarted,
	TopicResourceUsageUpdated,
	TopicSecurityEvent,
	TopicSuspiciousActivity,
	TopicResourceLimitExceeded,
	TopicSecurityViolation,
	TopicExecutionCompleted,
	TopicSandboxRemoved,
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Event is one notification. Payload values are JSON-friendly.
type Event struct {
	Topic     string         `json:"topic"`
	SandboxID string         `json:"sandbox_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Filter selects which events a subscription receives. Empty fields match everything.
type Filter struct {
	Topics    []string
	SandboxID string
}

func (f Filter) match(ev Event) bool {
	if f.SandboxID != "" && f.SandboxID != ev.SandboxID {
		return false
	}
	if len(f.Topics) == 0 {
		return true
	}
	for _, t := range f.Topics {
		if t == ev.Topic {
			return true
		}
	}
	return false
}

// Subscription is a buffered feed of matching events. C is closed by Close
// or when the bus is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filter  Filter
	id      uint64
	bus     *Bus
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus fans events out to subscribers without ever blocking the publisher.
// Events from one publishing goroutine reach each subscriber in order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	buffer int

	dropped atomic.Uint64
	onDrop  func(Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDropHook is called for each event discarded for a slow subscriber.
func WithDropHook(fn func(Event)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: DefaultBuffer,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a new subscription. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe(f Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	b.nextID++
	s := &Subscription{C: ch, ch: ch, filter: f, id: b.nextID, bus: b}
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every matching subscriber. A zero Timestamp is set
// to now. Full subscriber buffers drop the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// Sends happen under the read lock so Close/unsubscribe cannot close a
	// channel mid-send; they are non-blocking so the lock is held briefly.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var drops int
	for _, s := range b.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			drops++
		}
	}
	b.mu.RUnlock()

	if drops > 0 {
		b.dropped.Add(uint64(drops))
		if b.onDrop != nil {
			for i := 0; i < drops; i++ {
				b.onDrop(ev)
			}
		}
	}
}

// Dropped returns the total number of discarded deliveries.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
