package persist

import (
	"context"
	"sync"

	"github.com/nugget/voicetask/internal/model"
)

// MemoryStore keeps collections in process. It is used in tests and
// when persistence is disabled but a store is still wanted.
type MemoryStore struct {
	mu      sync.Mutex
	actions []model.Action
	agents  []model.AgentRecord
	queues  []model.QueueConfig
	tasks   []*model.Task
	undo    []model.UndoEntry
	saves   map[Collection]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{saves: make(map[Collection]int)}
}

// Saves reports how many times c has been saved.
func (m *MemoryStore) Saves(c Collection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[c]
}

func (m *MemoryStore) SaveActions(_ context.Context, actions []model.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = make([]model.Action, len(actions))
	for i, a := range actions {
		m.actions[i] = a.Clone()
	}
	m.saves[CollectionActions]++
	return nil
}

func (m *MemoryStore) LoadActions(context.Context) ([]model.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Action, len(m.actions))
	for i, a := range m.actions {
		out[i] = a.Clone()
	}
	return out, nil
}

func (m *MemoryStore) SaveAgents(_ context.Context, agents []model.AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = append([]model.AgentRecord(nil), agents...)
	m.saves[CollectionAgents]++
	return nil
}

func (m *MemoryStore) LoadAgents(context.Context) ([]model.AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AgentRecord(nil), m.agents...), nil
}

func (m *MemoryStore) SaveQueues(_ context.Context, queues []model.QueueConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = append([]model.QueueConfig(nil), queues...)
	m.saves[CollectionQueues]++
	return nil
}

func (m *MemoryStore) LoadQueues(context.Context) ([]model.QueueConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.QueueConfig(nil), m.queues...), nil
}

func (m *MemoryStore) SavePendingTasks(_ context.Context, tasks []*model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make([]*model.Task, len(tasks))
	for i, t := range tasks {
		m.tasks[i] = t.Clone()
	}
	m.saves[CollectionTasks]++
	return nil
}

func (m *MemoryStore) LoadPendingTasks(context.Context) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t.Clone()
	}
	return out, nil
}

func (m *MemoryStore) SaveUndoHistory(_ context.Context, entries []model.UndoEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = make([]model.UndoEntry, len(entries))
	for i, e := range entries {
		e.Undo = nil
		m.undo[i] = e
	}
	m.saves[CollectionUndo]++
	return nil
}

func (m *MemoryStore) LoadUndoHistory(context.Context) ([]model.UndoEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.UndoEntry(nil), m.undo...), nil
}

func (m *MemoryStore) Close() error { return nil }
