// Package eventbus implements the thin EventBus that multiplexes progress,
// finding, and terminal events to per-user subscribers (spec §2 "EventBus
// (thin)", §5 "Event emission is non-blocking; a slow subscriber MUST NOT
// backpressure the engine"). Grounded on the teacher's concurrent
// publish-fanout idiom (system/core/bus.go), adapted from a handler
// registry to a bounded, drop-oldest channel per subscriber so the engine
// never stalls on a slow reader.
package eventbus

import (
	"sync"
	"time"
)

// EventKind distinguishes the three event shapes on the wire (spec §6
// "Event stream").
type EventKind string

const (
	KindProgress EventKind = "progress"
	KindFinding  EventKind = "finding"
	KindTerminal EventKind = "terminal"
)

// ProgressEvent mirrors spec §6's progress event shape.
type ProgressEvent struct {
	TaskID    string    `json:"task_id"`
	Seq       uint64    `json:"seq"`
	Phase     string    `json:"phase"`
	Percent   int       `json:"percent"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"ts"`
}

// FindingEvent mirrors spec §6's finding event shape.
type FindingEvent struct {
	TaskID    string    `json:"task_id"`
	FindingID string    `json:"finding_id"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"ts"`
}

// TerminalEvent mirrors spec §6's terminal event shape.
type TerminalEvent struct {
	TaskID    string    `json:"task_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Event is the envelope delivered to subscribers: exactly one of Progress,
// Finding, Terminal is populated, selected by Kind.
type Event struct {
	Kind     EventKind
	Progress *ProgressEvent
	Finding  *FindingEvent
	Terminal *TerminalEvent
}

// DefaultBufferSize bounds each subscriber's channel (spec §5 "drops-oldest
// per subscriber once its buffer is full").
const DefaultBufferSize = 256

// Subscription is a live subscriber's handle: Events delivers the event
// stream; Close releases it. DroppedCount reports how many events were
// dropped for this subscriber because its buffer was full.
type Subscription struct {
	id      uint64
	events  chan Event
	bus     *Bus
	dropped uint64
	mu      sync.Mutex
}

// Events returns the channel to range over for this subscription.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped reports the number of events dropped for this subscriber so far.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription and stops further delivery.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus multiplexes events to subscribers, keyed by an opaque subscriber key
// (typically a principal id). Publishing is always non-blocking: a full
// subscriber channel drops its oldest queued event and increments a drop
// counter rather than stalling the publisher (spec §5).
type Bus struct {
	mu         sync.RWMutex
	nextID     uint64
	bufferSize int
	byKey      map[string]map[uint64]*Subscription
}

// New constructs an empty Bus. bufferSize <= 0 selects DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{bufferSize: bufferSize, byKey: make(map[string]map[uint64]*Subscription)}
}

// Subscribe registers a new subscriber under key (e.g. the principal id)
// and returns its Subscription.
func (b *Bus) Subscribe(key string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, events: make(chan Event, b.bufferSize), bus: b}
	if b.byKey[key] == nil {
		b.byKey[key] = make(map[uint64]*Subscription)
	}
	b.byKey[key][sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.byKey {
		if sub, ok := subs[id]; ok {
			close(sub.events)
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.byKey, key)
			}
			return
		}
	}
}

// publish delivers ev to every subscriber registered under key, dropping
// the oldest queued event for any subscriber whose buffer is full.
func (b *Bus) publish(key string, ev Event) {
	b.mu.RLock()
	subs := b.byKey[key]
	targets := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.events <- ev:
		default:
			// Buffer full: drop the oldest queued event, then enqueue.
			select {
			case <-sub.events:
				sub.mu.Lock()
				sub.dropped++
				sub.mu.Unlock()
			default:
			}
			select {
			case sub.events <- ev:
			default:
			}
		}
	}
}

// PublishProgress emits a progress event to key's subscribers (spec §4.2
// "Sequence numbers are monotonic per task"; the bus itself never assigns
// sequence numbers, only the ScannerEngine does).
func (b *Bus) PublishProgress(key, taskID string, seq uint64, phase string, percent, processed, total int) {
	b.publish(key, Event{Kind: KindProgress, Progress: &ProgressEvent{
		TaskID: taskID, Seq: seq, Phase: phase, Percent: percent,
		Processed: processed, Total: total, Timestamp: time.Now().UTC(),
	}})
}

// PublishFinding emits a finding event to key's subscribers.
func (b *Bus) PublishFinding(key, taskID, findingID, severity, title, source string) {
	b.publish(key, Event{Kind: KindFinding, Finding: &FindingEvent{
		TaskID: taskID, FindingID: findingID, Severity: severity, Title: title,
		Source: source, Timestamp: time.Now().UTC(),
	}})
}

// PublishTerminal emits a terminal (task-state) event to key's subscribers
// (spec §8 "A cancelled task's terminal transition is observed by at least
// one subscriber event within cancel_hard_deadline").
func (b *Bus) PublishTerminal(key, taskID, state, reason string) {
	b.publish(key, Event{Kind: KindTerminal, Terminal: &TerminalEvent{
		TaskID: taskID, State: state, Reason: reason, Timestamp: time.Now().UTC(),
	}})
}

// Bus's PublishProgress/PublishFinding above already match the
// scanner.EventPublisher shape (principal/key as the leading argument), so
// *Bus satisfies that interface directly — the ScannerEngine is shared
// across every principal's tasks and looks up the right key per call via
// task.Creator, rather than binding one principal at construction.
