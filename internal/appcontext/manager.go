// Package appcontext owns the application context handed to the
// classifier and to agents: the active document, selection, current
// user, metadata, a bounded conversation history and the last task.
package appcontext

import (
	"maps"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// DefaultMaxHistoryLength bounds the conversation history when no
// explicit limit is configured.
const DefaultMaxHistoryLength = 50

// Manager is a concurrency-safe holder of the current [model.AppContext].
type Manager struct {
	mu         sync.RWMutex
	ctx        model.AppContext
	maxHistory int
	now        func() time.Time
}

// NewManager creates a manager keeping at most maxHistory messages.
// Zero or negative selects [DefaultMaxHistoryLength].
func NewManager(maxHistory int) *Manager {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistoryLength
	}
	return &Manager{
		maxHistory: maxHistory,
		now:        time.Now,
		ctx:        model.AppContext{Metadata: map[string]any{}},
	}
}

// MaxHistoryLength returns the history bound.
func (m *Manager) MaxHistoryLength() int {
	return m.maxHistory
}

// Get returns a copy of the current context.
func (m *Manager) Get() model.AppContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx.Clone()
}

// Set replaces the whole context. History beyond the bound is trimmed.
func (m *Manager) Set(c model.AppContext) {
	c = c.Clone()
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.ConversationHistory = m.trim(c.ConversationHistory)

	m.mu.Lock()
	m.ctx = c
	m.mu.Unlock()
}

// Update merges patch into the context. Metadata and history are only
// replaced when the patch supplies them.
func (m *Manager) Update(patch model.AppContextPatch) model.AppContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	if patch.ActiveDocument != nil {
		m.ctx.ActiveDocument = *patch.ActiveDocument
	}
	if patch.SelectedText != nil {
		m.ctx.SelectedText = *patch.SelectedText
	}
	if patch.CurrentUser != nil {
		u := *patch.CurrentUser
		m.ctx.CurrentUser = &u
	}
	if patch.Summaries != nil {
		m.ctx.Summaries = maps.Clone(patch.Summaries)
	}
	if patch.Metadata != nil {
		m.ctx.Metadata = maps.Clone(patch.Metadata)
	}
	if patch.ConversationHistory != nil {
		h := make([]model.Message, len(patch.ConversationHistory))
		copy(h, patch.ConversationHistory)
		m.ctx.ConversationHistory = m.trim(h)
	}
	return m.ctx.Clone()
}

// AddUserMessage appends a user turn to the history.
func (m *Manager) AddUserMessage(content string) {
	m.add(model.RoleUser, content)
}

// AddAssistantMessage appends an assistant turn to the history.
func (m *Manager) AddAssistantMessage(content string) {
	m.add(model.RoleAssistant, content)
}

func (m *Manager) add(role model.Role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.ConversationHistory = m.trim(append(m.ctx.ConversationHistory, model.Message{
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
	}))
}

// trim drops the oldest messages beyond the bound.
func (m *Manager) trim(h []model.Message) []model.Message {
	if over := len(h) - m.maxHistory; over > 0 {
		h = append([]model.Message(nil), h[over:]...)
	}
	return h
}

// History returns a copy of the conversation history, oldest first.
func (m *Manager) History() []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Message, len(m.ctx.ConversationHistory))
	copy(out, m.ctx.ConversationHistory)
	return out
}

// ClearHistory empties the conversation history.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	m.ctx.ConversationHistory = nil
	m.mu.Unlock()
}

// SetLastTask records the most recently submitted task.
func (m *Manager) SetLastTask(t *model.Task) {
	m.mu.Lock()
	m.ctx.LastTask = t.Clone()
	m.mu.Unlock()
}

// LastTask returns the most recently submitted task, if any.
func (m *Manager) LastTask() *model.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx.LastTask.Clone()
}

// SetMetadata sets one metadata key.
func (m *Manager) SetMetadata(key string, value any) {
	m.mu.Lock()
	if m.ctx.Metadata == nil {
		m.ctx.Metadata = map[string]any{}
	}
	m.ctx.Metadata[key] = value
	m.mu.Unlock()
}

// Metadata returns one metadata value.
func (m *Manager) Metadata(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.ctx.Metadata[key]
	return v, ok
}

// DeleteMetadata removes one metadata key.
func (m *Manager) DeleteMetadata(key string) {
	m.mu.Lock()
	delete(m.ctx.Metadata, key)
	m.mu.Unlock()
}

// ClearMetadata removes every metadata key.
func (m *Manager) ClearMetadata() {
	m.mu.Lock()
	m.ctx.Metadata = map[string]any{}
	m.mu.Unlock()
}

// Reset returns the context to its empty state.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.ctx = model.AppContext{Metadata: map[string]any{}}
	m.mu.Unlock()
}
