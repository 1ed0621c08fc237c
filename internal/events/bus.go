// Package events carries task lifecycle notifications from the SDK to
// its observers. Handlers registered with On run synchronously in
// registration order; channel subscribers used by the streaming
// bridges receive a copy without blocking the emitter. Emit on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// Kind names an event.
type Kind string

// Task lifecycle kinds.
const (
	KindTranscript Kind = "transcript"
	KindClassified Kind = "classified"
	KindQueued     Kind = "queued"
	KindStarted    Kind = "started"
	KindCompleted  Kind = "completed"
	KindFailed     Kind = "failed"
	KindRetry      Kind = "retry"
	KindDeadletter Kind = "deadletter"
	KindCancelled  Kind = "cancelled"
	KindTimeout    Kind = "timeout"
	KindNoAgent    Kind = "no-agent"
	KindDropped    Kind = "dropped"
	KindRejected   Kind = "rejected"
)

// Registration and runtime kinds.
const (
	KindAgentRegistered Kind = "agent:registered"
	KindAgentRemoved    Kind = "agent:removed"
	KindQueueCreated    Kind = "queue:created"
	KindQueuePaused     Kind = "queue:paused"
	KindQueueResumed    Kind = "queue:resumed"
	KindUndo            Kind = "undo"
	KindLog             Kind = "log"
)

// AllKinds lists every kind the SDK emits, in documentation order.
var AllKinds = []Kind{
	KindTranscript, KindClassified, KindQueued, KindStarted, KindCompleted,
	KindFailed, KindRetry, KindDeadletter, KindCancelled, KindTimeout,
	KindNoAgent, KindDropped, KindRejected,
	KindAgentRegistered, KindAgentRemoved, KindQueueCreated,
	KindQueuePaused, KindQueueResumed, KindUndo, KindLog,
}

// Event is a single notification.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	// TaskID is set for task lifecycle events.
	TaskID string `json:"task_id,omitempty"`
	// Task is a snapshot taken at emit time. Handlers may keep it.
	Task *model.Task `json:"task,omitempty"`
	// Data holds kind-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Handler receives events.
type Handler func(Event)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Bus is the SDK's event emitter.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[Kind][]handlerEntry
	wildcard []handlerEntry
	subs     map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:     logger,
		handlers:   make(map[Kind][]handlerEntry),
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// On registers fn for kind and returns a function that removes it.
func (b *Bus) On(kind Kind, fn Handler) func() {
	id := b.OnWithID(kind, fn)
	return func() { b.Off(kind, id) }
}

// OnAny registers fn for every kind.
func (b *Bus) OnAny(fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, handlerEntry{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = removeEntry(b.wildcard, id)
	}
}

// OnWithID registers fn for kind and returns an id usable with Off.
func (b *Bus) OnWithID(kind Kind, fn Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: b.nextID, fn: fn})
	return b.nextID
}

// Off removes the handler registered under id. It reports whether a
// handler was removed.
func (b *Bus) Off(kind Kind, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := len(b.handlers[kind])
	b.handlers[kind] = removeEntry(b.handlers[kind], id)
	if len(b.handlers[kind]) == 0 {
		delete(b.handlers, kind)
	}
	return len(b.handlers[kind]) < before
}

func removeEntry(entries []handlerEntry, id uint64) []handlerEntry {
	for i, e := range entries {
		if e.id == id {
			out := make([]handlerEntry, 0, len(entries)-1)
			out = append(out, entries[:i]...)
			return append(out, entries[i+1:]...)
		}
	}
	return entries
}

// Emit delivers e to handlers for e.Kind, then wildcard handlers, then
// channel subscribers. A zero Timestamp is filled in. Handler panics
// are recovered and logged.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := append([]handlerEntry(nil), b.handlers[e.Kind]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(h.fn, e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// EmitTask emits a lifecycle event carrying a snapshot of t.
func (b *Bus) EmitTask(kind Kind, t *model.Task, data map[string]any) {
	if b == nil || t == nil {
		return
	}
	b.Emit(Event{Kind: kind, TaskID: t.ID, Task: t.Clone(), Data: data})
}

func (b *Bus) call(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"kind", e.Kind, "panic", fmt.Sprint(r))
		}
	}()
	fn(e)
}

// Subscribe returns a channel that receives every event. The caller
// must eventually call Unsubscribe. Slow subscribers miss events
// rather than blocking the emitter.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
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

// HandlerCount returns the number of handlers registered for kind.
func (b *Bus) HandlerCount(kind Kind) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// SubscriberCount returns the number of active channel subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
