// Package persist saves and restores the SDK's registrations and
// in-flight work. Undo capabilities are code and never survive a
// restart; only their metadata is stored.
package persist

import (
	"context"

	"github.com/nugget/voicetask/internal/model"
)

// Collection names one persisted set.
type Collection string

const (
	CollectionActions Collection = "actions"
	CollectionAgents  Collection = "agents"
	CollectionQueues  Collection = "queues"
	CollectionTasks   Collection = "tasks"
	CollectionUndo    Collection = "undo"
)

// Collections lists every collection in load order.
var Collections = []Collection{
	CollectionActions, CollectionQueues, CollectionAgents, CollectionTasks, CollectionUndo,
}

// Store is the persistence protocol. Every Save replaces the whole
// collection.
type Store interface {
	SaveActions(ctx context.Context, actions []model.Action) error
	LoadActions(ctx context.Context) ([]model.Action, error)

	SaveAgents(ctx context.Context, agents []model.AgentRecord) error
	LoadAgents(ctx context.Context) ([]model.AgentRecord, error)

	SaveQueues(ctx context.Context, queues []model.QueueConfig) error
	LoadQueues(ctx context.Context) ([]model.QueueConfig, error)

	// SavePendingTasks stores unfinished work: pending and running
	// tasks. Running tasks come back as pending.
	SavePendingTasks(ctx context.Context, tasks []*model.Task) error
	LoadPendingTasks(ctx context.Context) ([]*model.Task, error)

	SaveUndoHistory(ctx context.Context, entries []model.UndoEntry) error
	LoadUndoHistory(ctx context.Context) ([]model.UndoEntry, error)

	Close() error
}
