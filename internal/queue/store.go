// Package queue implements named execution channels. Each queue keeps
// a stable pending list ordered by (priority desc, arrival), a running
// counter, a pause flag and completion counters. The store does not
// run anything; the dispatcher claims entries and reports back.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// Defaults applied to queue configs that leave fields zero.
const (
	DefaultConcurrency = 1
	DefaultOverflow    = model.OverflowError
)

// Errors returned by [Store].
var (
	ErrUnknownQueue   = errors.New("unknown queue")
	ErrDuplicateQueue = errors.New("queue already exists")
)

// Reason explains why an enqueue was refused.
type Reason string

const (
	ReasonUnknownQueue Reason = "unknown-queue"
	ReasonDropped      Reason = "dropped"
	ReasonBounded      Reason = "bounded"
	ReasonDeadletter   Reason = "deadletter"
)

// EnqueueResult reports the outcome of [Store.Enqueue].
type EnqueueResult struct {
	OK     bool
	Reason Reason
	// Buffered is set when the entry was accepted into a paused queue.
	Buffered bool
}

// Entry is one pending task reference.
type Entry struct {
	TaskID   string
	Priority model.Priority
}

type state struct {
	cfg       model.QueueConfig
	pending   []Entry
	running   int
	completed int64
	failed    int64
}

// Store holds every queue. Safe for concurrent use.
type Store struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*state

	onChange func()
}

// NewStore creates an empty queue store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		queues: make(map[string]*state),
	}
}

// OnChange registers fn to be called after configuration changes.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func normalize(cfg model.QueueConfig) model.QueueConfig {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DefaultOverflow
	}
	if cfg.MaxSize != nil {
		n := *cfg.MaxSize
		cfg.MaxSize = &n
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	return cfg
}

// Create adds a queue. Concurrency defaults to 1 and overflow to
// "error".
func (s *Store) Create(cfg model.QueueConfig) (model.QueueConfig, error) {
	if err := cfg.Validate(); err != nil {
		return model.QueueConfig{}, err
	}
	cfg = normalize(cfg)

	s.mu.Lock()
	if _, exists := s.queues[cfg.Name]; exists {
		s.mu.Unlock()
		return model.QueueConfig{}, fmt.Errorf("create %q: %w", cfg.Name, ErrDuplicateQueue)
	}
	s.queues[cfg.Name] = &state{cfg: cfg}
	out := normalize(cfg)
	s.mu.Unlock()

	s.logger.Debug("queue created", "queue", cfg.Name,
		"concurrency", cfg.Concurrency, "overflow", cfg.Overflow)
	s.changed()
	return out, nil
}

// Ensure returns the named queue, creating it with defaults when it
// does not exist. The second result reports whether it was created.
func (s *Store) Ensure(name string) (model.QueueConfig, bool, error) {
	if q, ok := s.Read(name); ok {
		return q, false, nil
	}
	q, err := s.Create(model.QueueConfig{Name: name})
	if errors.Is(err, ErrDuplicateQueue) {
		q, _ = s.Read(name)
		return q, false, nil
	}
	return q, err == nil, err
}

// Configure replaces the concurrency, size bound and overflow policy
// of an existing queue. Pending entries, the pause flag and counters
// are kept.
func (s *Store) Configure(cfg model.QueueConfig) (model.QueueConfig, error) {
	if err := cfg.Validate(); err != nil {
		return model.QueueConfig{}, err
	}

	s.mu.Lock()
	q, ok := s.queues[cfg.Name]
	if !ok {
		s.mu.Unlock()
		return model.QueueConfig{}, fmt.Errorf("configure %q: %w", cfg.Name, ErrUnknownQueue)
	}
	cfg.Paused = q.cfg.Paused
	cfg.CreatedAt = q.cfg.CreatedAt
	q.cfg = normalize(cfg)
	out := normalize(q.cfg)
	s.mu.Unlock()

	s.changed()
	return out, nil
}

// Read returns the configuration of the named queue.
func (s *Store) Read(name string) (model.QueueConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return model.QueueConfig{}, false
	}
	return normalize(q.cfg), true
}

// List returns all queue configurations sorted by name.
func (s *Store) List() []model.QueueConfig {
	s.mu.Lock()
	out := make([]model.QueueConfig, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, normalize(q.cfg))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns queue names in sorted order.
func (s *Store) Names() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// Delete removes the queue and returns the ids of tasks that were
// still pending in it.
func (s *Store) Delete(name string) ([]string, bool) {
	s.mu.Lock()
	q, ok := s.queues[name]
	var orphaned []string
	if ok {
		orphaned = entryIDs(q.pending)
		delete(s.queues, name)
	}
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return orphaned, ok
}

// Pause stops new dequeues from the queue. Running tasks are not
// affected and enqueues are still accepted.
func (s *Store) Pause(name string) bool {
	return s.setPaused(name, true)
}

// Resume re-enables dequeues.
func (s *Store) Resume(name string) bool {
	return s.setPaused(name, false)
}

func (s *Store) setPaused(name string, paused bool) bool {
	s.mu.Lock()
	q, ok := s.queues[name]
	if ok {
		q.cfg.Paused = paused
	}
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// IsPaused reports whether the named queue exists and is paused.
func (s *Store) IsPaused(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	return ok && q.cfg.Paused
}

// Clear drops every pending entry of the queue and returns their task
// ids.
func (s *Store) Clear(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, fmt.Errorf("clear %q: %w", name, ErrUnknownQueue)
	}
	ids := entryIDs(q.pending)
	q.pending = nil
	return ids, nil
}

// Enqueue inserts a task reference. Entries are kept ordered by
// descending priority and, within a priority, by arrival.
func (s *Store) Enqueue(name, taskID string, priority model.Priority) EnqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return EnqueueResult{Reason: ReasonUnknownQueue}
	}
	if q.cfg.MaxSize != nil && len(q.pending)+q.running >= *q.cfg.MaxSize {
		switch q.cfg.Overflow {
		case model.OverflowDrop:
			return EnqueueResult{Reason: ReasonDropped}
		case model.OverflowDeadletter:
			return EnqueueResult{Reason: ReasonDeadletter}
		default:
			return EnqueueResult{Reason: ReasonBounded}
		}
	}

	e := Entry{TaskID: taskID, Priority: priority.OrDefault()}
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < e.Priority
	})
	q.pending = append(q.pending, Entry{})
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = e

	return EnqueueResult{OK: true, Buffered: q.cfg.Paused}
}

// Dequeue pops the head entry regardless of pause state or
// concurrency. The dispatcher uses [Store.Claim] instead.
func (s *Store) Dequeue(name string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok || len(q.pending) == 0 {
		return Entry{}, false
	}
	return q.pop(), true
}

// Claim pops the head entry and counts it as running, but only when
// the queue is not paused and has a free concurrency slot. The check
// and the increment happen under one lock, so running never exceeds
// concurrency.
func (s *Store) Claim(name string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok || q.cfg.Paused || len(q.pending) == 0 || q.running >= q.cfg.Concurrency {
		return Entry{}, false
	}
	e := q.pop()
	q.running++
	return e, true
}

func (q *state) pop() Entry {
	e := q.pending[0]
	q.pending[0] = Entry{}
	q.pending = q.pending[1:]
	return e
}

// Remove deletes a pending entry by task id.
func (s *Store) Remove(name, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return false
	}
	for i, e := range q.pending {
		if e.TaskID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns a copy of the pending entries in dequeue order.
func (s *Store) Pending(name string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil
	}
	out := make([]Entry, len(q.pending))
	copy(out, q.pending)
	return out
}

// IncrementRunning counts one more running task.
func (s *Store) IncrementRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		q.running++
	}
}

// DecrementRunning releases one running slot. It never goes below zero.
func (s *Store) DecrementRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok && q.running > 0 {
		q.running--
	}
}

// RecordCompleted bumps the completed counter.
func (s *Store) RecordCompleted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		q.completed++
	}
}

// RecordFailed bumps the failed counter.
func (s *Store) RecordFailed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		q.failed++
	}
}

// Stats returns counters for the named queue.
func (s *Store) Stats(name string) (model.QueueStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return model.QueueStats{}, false
	}
	return q.stats(), true
}

// AllStats returns counters for every queue, sorted by name.
func (s *Store) AllStats() []model.QueueStats {
	s.mu.Lock()
	out := make([]model.QueueStats, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q.stats())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (q *state) stats() model.QueueStats {
	return model.QueueStats{
		Name:      q.cfg.Name,
		Pending:   len(q.pending),
		Running:   q.running,
		Completed: q.completed,
		Failed:    q.failed,
		Paused:    q.cfg.Paused,
	}
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.TaskID
	}
	return ids
}
