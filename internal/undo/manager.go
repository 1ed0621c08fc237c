// Package undo keeps the stack of reversible completed tasks.
package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// DefaultMaxHistorySize bounds the stack when no size is configured.
const DefaultMaxHistorySize = 100

var (
	// ErrEmpty is returned by Undo when nothing can be undone.
	ErrEmpty = errors.New("nothing to undo")
	// ErrNotFound is returned by UndoByID for an unknown entry.
	ErrNotFound = errors.New("undo entry not found")
)

// Config tunes a Manager.
type Config struct {
	MaxHistorySize int
	// AutoExpire drops entries older than this on every public call.
	// Zero keeps entries until evicted by size.
	AutoExpire time.Duration
}

// Handler observes successful undos.
type Handler func(model.UndoEntry)

// Manager is the undo stack. Index 0 is the most recent entry.
type Manager struct {
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mu       sync.Mutex
	entries  []model.UndoEntry
	archived []model.UndoEntry
	nextID   uint64
	handlers map[uint64]Handler
	onChange func()
}

// NewManager creates an empty stack.
func NewManager(logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = DefaultMaxHistorySize
	}
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		handlers: make(map[uint64]Handler),
	}
}

// OnChange registers fn to run after every mutation.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) changed() {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// expire drops entries past AutoExpire. Callers hold mu and report
// whether anything was removed.
func (m *Manager) expire() bool {
	if m.cfg.AutoExpire <= 0 || len(m.entries) == 0 {
		return false
	}
	cutoff := m.now().Add(-m.cfg.AutoExpire)
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(kept) < len(m.entries)
	clear(m.entries[len(kept):])
	m.entries = kept
	return removed
}

// Register pushes an entry for a completed task. It returns nil when
// result carries no undo capability.
func (m *Manager) Register(task *model.Task, result *model.TaskResult) *model.UndoEntry {
	if task == nil || !result.Reversible() {
		return nil
	}
	desc := result.UndoDescription
	if desc == "" {
		desc = task.Action
	}
	e := model.UndoEntry{
		ID:          model.NewID(),
		TaskID:      task.ID,
		Action:      task.Action,
		Description: desc,
		Undo:        result.Undo,
		Timestamp:   m.now(),
	}

	m.mu.Lock()
	m.expire()
	m.entries = append([]model.UndoEntry{e}, m.entries...)
	if len(m.entries) > m.cfg.MaxHistorySize {
		clear(m.entries[m.cfg.MaxHistorySize:])
		m.entries = m.entries[:m.cfg.MaxHistorySize]
	}
	m.mu.Unlock()

	m.logger.Debug("undo entry registered", "task_id", task.ID, "action", task.Action)
	m.changed()
	return &e
}

// CanUndo reports whether the stack is non-empty after expiry.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	removed := m.expire()
	n := len(m.entries)
	m.mu.Unlock()
	if removed {
		m.changed()
	}
	return n > 0
}

// Undo pops the most recent entry and runs its capability. A failing
// capability discards the entry and returns its error.
func (m *Manager) Undo(ctx context.Context) (model.UndoEntry, error) {
	m.mu.Lock()
	m.expire()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return model.UndoEntry{}, ErrEmpty
	}
	e := m.entries[0]
	m.entries = m.entries[1:]
	m.mu.Unlock()

	return e, m.run(ctx, e)
}

// UndoByID removes and runs a specific entry.
func (m *Manager) UndoByID(ctx context.Context, id string) (model.UndoEntry, error) {
	m.mu.Lock()
	m.expire()
	idx := m.indexOf(id)
	if idx < 0 {
		m.mu.Unlock()
		return model.UndoEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := m.entries[idx]
	m.entries = append(m.entries[:idx:idx], m.entries[idx+1:]...)
	m.mu.Unlock()

	return e, m.run(ctx, e)
}

func (m *Manager) run(ctx context.Context, e model.UndoEntry) (err error) {
	defer m.changed()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("undo %s panicked: %v", e.Action, r)
		}
		if err != nil {
			m.logger.Warn("undo failed, entry discarded", "task_id", e.TaskID, "action", e.Action, "error", err)
		}
	}()

	if err := e.Undo(ctx); err != nil {
		return fmt.Errorf("undo %s: %w", e.Action, err)
	}
	m.logger.Info("task undone", "task_id", e.TaskID, "action", e.Action)

	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.handlers))
	for id := uint64(1); id <= m.nextID; id++ {
		if h, ok := m.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
	return nil
}

// OnUndo registers fn for successful undos and returns a function
// that removes it.
func (m *Manager) OnUndo(fn Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

func (m *Manager) indexOf(id string) int {
	for i, e := range m.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// GetHistory returns up to limit entries, newest first. limit <= 0
// returns all.
func (m *Manager) GetHistory(limit int) []model.UndoEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire()
	n := len(m.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.UndoEntry, n)
	copy(out, m.entries[:n])
	return out
}

// GetEntry returns the entry with id.
func (m *Manager) GetEntry(id string) (model.UndoEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire()
	if i := m.indexOf(id); i >= 0 {
		return m.entries[i], true
	}
	return model.UndoEntry{}, false
}

// Remove drops an entry without running it.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	i := m.indexOf(id)
	if i >= 0 {
		m.entries = append(m.entries[:i:i], m.entries[i+1:]...)
	}
	m.mu.Unlock()
	if i >= 0 {
		m.changed()
	}
	return i >= 0
}

// Clear empties the stack.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
	m.changed()
}

// Len returns the number of live entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// SetArchived records entries loaded from persistence. They cannot be
// undone and are kept only so a later save does not lose them.
func (m *Manager) SetArchived(entries []model.UndoEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = make([]model.UndoEntry, 0, len(entries))
	for _, e := range entries {
		e.Undo = nil
		m.archived = append(m.archived, e)
	}
}

// Archived returns the entries loaded from persistence.
func (m *Manager) Archived() []model.UndoEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.UndoEntry, len(m.archived))
	copy(out, m.archived)
	return out
}

// Snapshot returns live entries followed by archived ones, capped at
// the history size, for persistence.
func (m *Manager) Snapshot() []model.UndoEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.UndoEntry, 0, len(m.entries)+len(m.archived))
	out = append(out, m.entries...)
	out = append(out, m.archived...)
	if len(out) > m.cfg.MaxHistorySize {
		out = out[:m.cfg.MaxHistorySize]
	}
	return out
}
