package keyforge

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event published on the event bus.
type EventType string

const (
	EventKeyGenerated       EventType = "key_generated"
	EventKeyRotated         EventType = "key_rotated"
	EventKeyDeleted         EventType = "key_deleted"
	EventSecretStored       EventType = "secret_stored"
	EventSecretRotated      EventType = "secret_rotated"
	EventRotationScheduled  EventType = "rotation_scheduled"
	EventRotationDue        EventType = "rotation_due"
	EventRotationUpcoming   EventType = "rotation_upcoming"
	EventRotationOverdue    EventType = "rotation_overdue"
	EventRotationCompleted  EventType = "rotation_completed"
	EventRotationFailed     EventType = "rotation_failed"
	EventGracePeriodStarted EventType = "grace_period_started"
	EventGracePeriodEnded   EventType = "grace_period_ended"
	EventIntegrityFailure   EventType = "integrity_failure"
)

// Event is a structured lifecycle notification. Consumers receive events on
// a bounded channel; there is no global emitter and no unbounded fan-out.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	KeyID      string
	SecretID   string
	ScheduleID string
	Severity   string
	Message    string
	Fields     map[string]interface{}
}

// EventBus delivers lifecycle events to at most one consumer over a bounded
// channel. Publishing never blocks: when the consumer falls behind, events
// are dropped and counted rather than stalling vault operations.
type EventBus struct {
	mu      sync.Mutex
	ch      chan Event
	dropped uint64
	closed  bool
}

func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = 256
	}
	return &EventBus{ch: make(chan Event, size)}
}

// Events returns the consumer channel. It is closed by Close.
func (b *EventBus) Events() <-chan Event { return b.ch }

// Publish enqueues an event without blocking.
func (b *EventBus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case b.ch <- event:
	default:
		b.dropped++
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (b *EventBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
