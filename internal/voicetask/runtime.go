package voicetask

import (
	"context"
	"fmt"

	"github.com/nugget/voicetask/internal/classifier"
	"github.com/nugget/voicetask/internal/events"
	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/tasks"
)

var _ model.Host = (*SDK)(nil)

// Context returns a copy of the application context.
func (s *SDK) Context() model.AppContext { return s.appctx.Get() }

// SetContext replaces the application context.
func (s *SDK) SetContext(c model.AppContext) {
	s.appctx.Set(c)
	s.log.Debug(logging.CategoryContext, "context replaced")
}

// UpdateContext merges the set fields of patch into the context.
func (s *SDK) UpdateContext(patch model.AppContextPatch) model.AppContext {
	c := s.appctx.Update(patch)
	s.log.Debug(logging.CategoryContext, "context updated")
	return c
}

// AddAssistantMessage appends an assistant turn to the conversation.
func (s *SDK) AddAssistantMessage(content string) { s.appctx.AddAssistantMessage(content) }

// History returns the conversation, oldest first.
func (s *SDK) History() []model.Message { return s.appctx.History() }

// ResetContext clears the context, the conversation and the last task.
func (s *SDK) ResetContext() { s.appctx.Reset() }

// Tasks

func (s *SDK) GetTask(id string) (*model.Task, bool) { return s.tasks.Get(id) }

func (s *SDK) ListTasks(f model.TaskFilter) []*model.Task { return s.tasks.List(f) }

// CancelTask cancels a pending or running task. It returns false for
// unknown and terminal tasks.
func (s *SDK) CancelTask(id string) bool {
	return s.dispatcher.CancelTask(id)
}

// RetryTask re-queues a failed or dead-lettered task with a fresh
// attempt budget taken from its action.
func (s *SDK) RetryTask(id string) (*model.Task, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	cur, ok := s.tasks.Get(id)
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", id, tasks.ErrNotFound)
	}
	budget := 1
	if a, ok := s.actions.Read(cur.Action); ok {
		budget = a.MaxAttempts()
	}
	t, err := s.tasks.Requeue(id, budget)
	if err != nil {
		return nil, err
	}
	if t.Queue == "" {
		t, err = s.tasks.Update(id, func(t *model.Task) { t.Queue = s.cfg.DefaultQueue })
		if err != nil {
			return nil, err
		}
	}
	if _, _, err := s.queues.Ensure(t.Queue); err != nil {
		return nil, err
	}
	s.log.Info(logging.CategorySDK, "task retried manually", "task_id", id, "max_attempts", t.MaxAttempts)
	return s.enqueue(t)
}

// Undo

func (s *SDK) CanUndo() bool { return s.undo.CanUndo() }

// Undo reverses the most recent reversible task.
func (s *SDK) Undo(ctx context.Context) (model.UndoEntry, error) { return s.undo.Undo(ctx) }

// UndoByID reverses a specific entry.
func (s *SDK) UndoByID(ctx context.Context, id string) (model.UndoEntry, error) {
	return s.undo.UndoByID(ctx, id)
}

// UndoHistory returns up to limit live entries, newest first. A
// non-positive limit returns all of them.
func (s *SDK) UndoHistory(limit int) []model.UndoEntry { return s.undo.GetHistory(limit) }

// ArchivedUndo returns undo metadata loaded from persistence. These
// entries cannot be undone.
func (s *SDK) ArchivedUndo() []model.UndoEntry { return s.undo.Archived() }

// Listening

// StartListening opens the transcript gate used by Ingest.
func (s *SDK) StartListening() {
	s.setListening(true)
}

// StopListening closes the gate and drops any classification still
// waiting on its debounce.
func (s *SDK) StopListening() {
	s.setListening(false)
	s.classifier.CancelPending()
}

func (s *SDK) setListening(on bool) {
	s.mu.Lock()
	changed := s.listening != on && !s.closed
	if changed {
		s.listening = on
	}
	s.mu.Unlock()
	if changed {
		s.log.Info(logging.CategorySDK, "listening changed", "listening", on)
	}
}

func (s *SDK) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Events

// On registers fn for kind and returns a function that removes it.
func (s *SDK) On(kind events.Kind, fn events.Handler) func() { return s.bus.On(kind, fn) }

// OnAny registers fn for every kind.
func (s *SDK) OnAny(fn events.Handler) func() { return s.bus.OnAny(fn) }

// OnWithID registers fn and returns an id for Off.
func (s *SDK) OnWithID(kind events.Kind, fn events.Handler) uint64 { return s.bus.OnWithID(kind, fn) }

func (s *SDK) Off(kind events.Kind, id uint64) bool { return s.bus.Off(kind, id) }

// Subscribe returns a buffered channel receiving every event. Events
// are dropped when the channel is full.
func (s *SDK) Subscribe(buf int) <-chan events.Event { return s.bus.Subscribe(buf) }

func (s *SDK) Unsubscribe(ch <-chan events.Event) { s.bus.Unsubscribe(ch) }

// Observability

func (s *SDK) ClassifierStats() classifier.Stats { return s.classifier.GetStats() }

func (s *SDK) HybridStats() classifier.HybridStats { return s.classifier.GetHybridStats() }

func (s *SDK) ResetClassifierStats() { s.classifier.ResetStats() }

func (s *SDK) ClassifierMode() classifier.Mode { return s.classifier.Mode() }

// RunningTasks returns ids of tasks currently executing.
func (s *SDK) RunningTasks() []string { return s.dispatcher.RunningTasks() }
