package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/voicetask/internal/model"
)

// DefaultDriver is the database/sql driver used by NewSQLiteStore.
const DefaultDriver = "sqlite3"

// SQLiteStore keeps each collection in its own table as ordered JSON
// records.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path with
// the default driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLite(DefaultDriver, path+"?_journal_mode=WAL&_busy_timeout=5000")
}

// Open opens the database at path with driver "sqlite3" (cgo) or
// "sqlite" (pure Go), using each driver's DSN syntax for WAL mode and a
// busy timeout.
func Open(driver, path string) (*SQLiteStore, error) {
	switch driver {
	case "", DefaultDriver:
		return NewSQLiteStore(path)
	case "sqlite":
		return OpenSQLite("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	}
	return nil, fmt.Errorf("unknown sqlite driver %q", driver)
}

// OpenSQLite opens dsn with a registered SQLite driver ("sqlite3" or
// "sqlite") and applies the schema.
func OpenSQLite(driver, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the connection so other stores can keep their tables in
// the same file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	for _, c := range Collections {
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			data TEXT NOT NULL,
			saved_at TEXT NOT NULL
		)`, c)
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("create %s: %w", c, err)
		}
	}
	return nil
}

// replace swaps the contents of a collection in one transaction.
func replace[T any](ctx context.Context, db *sql.DB, c Collection, items []T, key func(T) string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save %s: %w", c, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c)); err != nil {
		return fmt.Errorf("save %s: %w", c, err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (key, position, data, saved_at) VALUES (?, ?, ?, ?)`, c))
	if err != nil {
		return fmt.Errorf("save %s: %w", c, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("save %s: marshal %s: %w", c, key(item), err)
		}
		if _, err := stmt.ExecContext(ctx, key(item), i, string(data), now); err != nil {
			return fmt.Errorf("save %s: %w", c, err)
		}
	}
	return tx.Commit()
}

func load[T any](ctx context.Context, db *sql.DB, c Collection) ([]T, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT key, data FROM %s ORDER BY position`, c))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("load %s: %w", c, err)
		}
		var item T
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("load %s: record %s: %w", c, key, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveActions(ctx context.Context, actions []model.Action) error {
	return replace(ctx, s.db, CollectionActions, actions, func(a model.Action) string { return a.Name })
}

func (s *SQLiteStore) LoadActions(ctx context.Context) ([]model.Action, error) {
	return load[model.Action](ctx, s.db, CollectionActions)
}

func (s *SQLiteStore) SaveAgents(ctx context.Context, agents []model.AgentRecord) error {
	return replace(ctx, s.db, CollectionAgents, agents, func(a model.AgentRecord) string { return a.Name })
}

func (s *SQLiteStore) LoadAgents(ctx context.Context) ([]model.AgentRecord, error) {
	return load[model.AgentRecord](ctx, s.db, CollectionAgents)
}

func (s *SQLiteStore) SaveQueues(ctx context.Context, queues []model.QueueConfig) error {
	return replace(ctx, s.db, CollectionQueues, queues, func(q model.QueueConfig) string { return q.Name })
}

func (s *SQLiteStore) LoadQueues(ctx context.Context) ([]model.QueueConfig, error) {
	return load[model.QueueConfig](ctx, s.db, CollectionQueues)
}

func (s *SQLiteStore) SavePendingTasks(ctx context.Context, tasks []*model.Task) error {
	return replace(ctx, s.db, CollectionTasks, tasks, func(t *model.Task) string { return t.ID })
}

func (s *SQLiteStore) LoadPendingTasks(ctx context.Context) ([]*model.Task, error) {
	return load[*model.Task](ctx, s.db, CollectionTasks)
}

func (s *SQLiteStore) SaveUndoHistory(ctx context.Context, entries []model.UndoEntry) error {
	return replace(ctx, s.db, CollectionUndo, entries, func(e model.UndoEntry) string { return e.ID })
}

func (s *SQLiteStore) LoadUndoHistory(ctx context.Context) ([]model.UndoEntry, error) {
	return load[model.UndoEntry](ctx, s.db, CollectionUndo)
}
