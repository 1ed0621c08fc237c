// Package tasks tracks every submitted task from creation to a
// terminal state. All status changes go through the transition table
// in package model; an invalid transition is rejected with
// [ErrInvalidTransition] and leaves the task untouched.
package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// Errors returned by [Store].
var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Store holds task records. Safe for concurrent use; every accessor
// returns a copy.
type Store struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	tasks map[string]*model.Task

	onChange func()
}

// NewStore creates an empty task store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		now:    time.Now,
		tasks:  make(map[string]*model.Task),
	}
}

// OnChange registers fn to be called after every mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Create records a new pending task for classified in queue.
// maxAttempts below one is raised to one.
func (s *Store) Create(classified model.ClassifiedTask, queue string, maxAttempts int) *model.Task {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	t := &model.Task{
		ID:          model.NewID(),
		Action:      classified.Action,
		Content:     classified.Content,
		Params:      classified.Params,
		Priority:    classified.Priority.OrDefault(),
		Status:      model.StatusPending,
		Queue:       queue,
		CreatedAt:   s.now(),
		MaxAttempts: maxAttempts,
		Confidence:  classified.Confidence,
	}
	t = t.Clone()
	if t.Params == nil {
		t.Params = map[string]any{}
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	out := t.Clone()
	s.mu.Unlock()

	s.changed()
	return out
}

// Restore inserts a persisted task verbatim.
func (s *Store) Restore(t *model.Task) {
	c := t.Clone()
	s.mu.Lock()
	s.tasks[c.ID] = c
	s.mu.Unlock()
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// transition applies mutate to the task after validating from → to
// and the optional check.
func (s *Store) transition(id string, to model.TaskStatus, check func(t *model.Task) error, mutate func(t *model.Task)) (*model.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err := model.ValidateTaskTransition(t.Status, to); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w: %v", id, ErrInvalidTransition, err)
	}
	if check != nil {
		if err := check(t); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("task %s: %w: %v", id, ErrInvalidTransition, err)
		}
	}
	from := t.Status
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	out := t.Clone()
	s.mu.Unlock()

	s.logger.Debug("task transition", "task_id", id, "from", from, "to", to)
	s.changed()
	return out, nil
}

// Start moves a pending task to running, bumps the attempt counter
// and records the agent.
func (s *Store) Start(id, agentID string) (*model.Task, error) {
	exhausted := func(t *model.Task) error {
		if t.Attempt >= t.MaxAttempts {
			return fmt.Errorf("attempts exhausted (%d/%d)", t.Attempt, t.MaxAttempts)
		}
		return nil
	}
	return s.transition(id, model.StatusRunning, exhausted, func(t *model.Task) {
		now := s.now()
		t.Attempt++
		t.StartedAt = &now
		t.CompletedAt = nil
		t.AssignedAgent = agentID
	})
}

// Complete records a successful result.
func (s *Store) Complete(id string, result *model.TaskResult) (*model.Task, error) {
	return s.transition(id, model.StatusCompleted, nil, func(t *model.Task) {
		now := s.now()
		t.CompletedAt = &now
		t.Result = result
	})
}

// Fail records a failed attempt. The task stays in failed until a
// retry or dead-letter decision is applied.
func (s *Store) Fail(id, errMsg string) (*model.Task, error) {
	return s.transition(id, model.StatusFailed, nil, func(t *model.Task) {
		now := s.now()
		t.CompletedAt = &now
		t.LastError = errMsg
	})
}

// Cancel moves a pending or running task to cancelled. Cancelling a
// terminal task is a no-op that reports false.
func (s *Store) Cancel(id string) (*model.Task, bool, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	terminal := ok && t.Status.IsTerminal()
	s.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if terminal {
		cur, _ := s.Get(id)
		return cur, false, nil
	}
	out, err := s.transition(id, model.StatusCancelled, nil, func(t *model.Task) {
		now := s.now()
		t.CompletedAt = &now
	})
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// MarkDeadletter moves the task to the dead-letter state.
func (s *Store) MarkDeadletter(id, reason string) (*model.Task, error) {
	return s.transition(id, model.StatusDeadletter, nil, func(t *model.Task) {
		now := s.now()
		t.CompletedAt = &now
		t.DeadletterReason = reason
		if t.LastError == "" {
			t.LastError = reason
		}
	})
}

// PrepareRetry resets a failed task with attempts remaining to pending
// so it can be enqueued again. The attempt counter and last error are
// kept.
func (s *Store) PrepareRetry(id string) (*model.Task, error) {
	remaining := func(t *model.Task) error {
		if t.Attempt >= t.MaxAttempts {
			return fmt.Errorf("no attempts left (%d/%d)", t.Attempt, t.MaxAttempts)
		}
		return nil
	}
	return s.transition(id, model.StatusPending, remaining, func(t *model.Task) {
		t.StartedAt = nil
		t.CompletedAt = nil
		t.AssignedAgent = ""
		t.Result = nil
	})
}

// Requeue is a manual retry of a failed or dead-lettered task. It
// grants budget further attempts (at least one) and returns the task
// to pending. This is the one path out of the dead-letter state.
func (s *Store) Requeue(id string, budget int) (*model.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if t.Status != model.StatusDeadletter && t.Status != model.StatusFailed {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w: cannot retry from %q", id, ErrInvalidTransition, t.Status)
	}
	t.Status = model.StatusPending
	t.MaxAttempts = t.Attempt + max(budget, 1)
	t.StartedAt = nil
	t.CompletedAt = nil
	t.AssignedAgent = ""
	t.Result = nil
	t.DeadletterReason = ""
	out := t.Clone()
	s.mu.Unlock()

	s.changed()
	return out, nil
}

// SetUndone flags a completed task whose undo has been consumed.
func (s *Store) SetUndone(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t.Undone = true
	}
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// Update applies fn to the stored task. Status changes made by fn are
// rejected; use the transition methods instead.
func (s *Store) Update(id string, fn func(t *model.Task)) (*model.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	c := t.Clone()
	fn(c)
	if c.ID != t.ID || c.Status != t.Status {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: update may not change id or status", id)
	}
	s.tasks[id] = c
	out := c.Clone()
	s.mu.Unlock()

	s.changed()
	return out, nil
}

// Delete removes a task record.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
	return ok
}

// List returns tasks matching f sorted by descending priority, then
// creation time.
func (s *Store) List(f model.TaskFilter) []*model.Task {
	s.mu.RLock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetUndoable returns completed tasks whose result can still be
// undone, newest completion first.
func (s *Store) GetUndoable() []*model.Task {
	s.mu.RLock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Undoable() {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(*out[j].CompletedAt)
	})
	return out
}

// Pending returns tasks in the pending state, in dequeue order.
func (s *Store) Pending() []*model.Task {
	return s.List(model.TaskFilter{Status: []model.TaskStatus{model.StatusPending}})
}

// Unfinished returns pending and running tasks, the work a restart
// must resume.
func (s *Store) Unfinished() []*model.Task {
	return s.List(model.TaskFilter{Status: []model.TaskStatus{model.StatusPending, model.StatusRunning}})
}

// Len returns the number of stored tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func sortTasks(list []*model.Task) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
