// Package events provides a publish/subscribe bus for pipeline
// observability. Components (ingestor, analysis engine, scheduler, state
// surface) publish; the MQTT mirror and the API live stream subscribe.
// Publishing on a nil *Bus is a no-op so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceIngest    = "ingest"
	SourceAnalysis  = "analysis"
	SourceScheduler = "scheduler"
	SourceSurface   = "surface"
	SourceTrigger   = "trigger"
)

// Kind constants describe the type of event within a source.
const (
	// KindEventRecorded signals an accepted sensor event.
	// Data: id, name, location, value, timestamp.
	KindEventRecorded = "event_recorded"
	// KindEventSuppressed signals a duplicate that was dropped.
	// Data: id.
	KindEventSuppressed = "event_suppressed"

	// KindRunStart signals the start of an analysis run.
	// Data: run_id, reason, records.
	KindRunStart = "run_start"
	// KindRunComplete signals a successful analysis run.
	// Data: run_id, alert, duration_ms.
	KindRunComplete = "run_complete"
	// KindRunFailed signals a failed or skipped analysis run.
	// Data: run_id, error.
	KindRunFailed = "run_failed"

	// KindTickSkipped signals a scheduler tick that did not run analysis.
	// Data: reason.
	KindTickSkipped = "tick_skipped"
	// KindAlertCleared signals the stale-alert fail-safe.
	KindAlertCleared = "alert_cleared"

	// KindStateSet signals a write to the persisted state surface.
	// Data: namespace, key, value.
	KindStateSet = "state_set"

	// KindTriggered signals a manual trigger rising edge.
	// Data: origin.
	KindTriggered = "triggered"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to the caller back
	// to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, stamping Timestamp when it
// is zero. A full subscriber channel drops the event for that
// subscriber only.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
