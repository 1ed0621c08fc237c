// Package voicetask is the SDK handle. It owns every component, wires
// them together and exposes the registration, runtime, eventing and
// observability surface. New starts the dispatcher; Close stops it,
// aborts running agents and drains pending saves.
package voicetask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/voicetask/internal/actions"
	"github.com/nugget/voicetask/internal/agents"
	"github.com/nugget/voicetask/internal/appcontext"
	"github.com/nugget/voicetask/internal/classifier"
	"github.com/nugget/voicetask/internal/dispatcher"
	"github.com/nugget/voicetask/internal/events"
	"github.com/nugget/voicetask/internal/hooks"
	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/persist"
	"github.com/nugget/voicetask/internal/queue"
	"github.com/nugget/voicetask/internal/router"
	"github.com/nugget/voicetask/internal/tasks"
	"github.com/nugget/voicetask/internal/undo"
)

// Errors returned by the SDK surface.
var (
	// ErrClosed is returned by operations on a closed SDK.
	ErrClosed = errors.New("sdk is closed")
	// ErrNotListening is returned by Ingest while intake is stopped.
	ErrNotListening = errors.New("sdk is not listening")
	// ErrUnroutable is returned under the error policy when no queue
	// accepts a task.
	ErrUnroutable = errors.New("no queue accepts the task")
	// ErrQueuePaused is returned under the error policy for paused
	// queues.
	ErrQueuePaused = errors.New("queue is paused")
	// ErrQueueFull is returned when a bounded queue rejects a task.
	ErrQueueFull = errors.New("queue is full")
	// ErrUnknownAction is returned by SubmitWithOverride for an
	// unregistered action.
	ErrUnknownAction = errors.New("unknown action")
)

// SDK is the Voice-Task handle. Safe for concurrent use.
type SDK struct {
	cfg Config

	log        *logging.Logger
	bus        *events.Bus
	actions    *actions.Store
	queues     *queue.Store
	agents     *agents.Registry
	tasks      *tasks.Store
	appctx     *appcontext.Manager
	router     *router.Router
	classifier *classifier.Classifier
	hooks      *hooks.Manager
	undo       *undo.Manager
	dispatcher *dispatcher.Dispatcher
	saver      *persist.Saver

	mu        sync.Mutex
	listening bool
	closed    bool
}

// New builds and starts an SDK. The context bounds the initial load
// from persistence; the dispatcher runs until Close.
func New(ctx context.Context, cfg Config) (*SDK, error) {
	cfg.Errors = cfg.Errors.withDefaults()
	if err := cfg.Errors.validate(); err != nil {
		return nil, err
	}
	if cfg.Classifier.Mode != "" && !cfg.Classifier.Mode.Valid() {
		return nil, fmt.Errorf("unknown classifier mode %q", cfg.Classifier.Mode)
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = DefaultQueueName
	}
	if cfg.MaxHistoryLength <= 0 {
		cfg.MaxHistoryLength = cfg.Classifier.MaxHistoryLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &SDK{
		cfg:       cfg,
		listening: cfg.StartListening,
	}

	var err error
	s.log, err = logging.New(logger.With("component", "voicetask"), cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	s.bus = events.New(logger.With("component", "events"))
	userHandler := cfg.Log.Handler
	s.log.SetHandler(func(e logging.Entry) {
		s.bus.Emit(events.Event{Kind: events.KindLog, TaskID: e.TaskID, Data: map[string]any{"entry": e}})
		if userHandler != nil {
			userHandler(e)
		}
	})

	s.actions = actions.NewStore(logger.With("component", "actions"))
	s.queues = queue.NewStore(logger.With("component", "queues"))
	s.agents = agents.NewRegistry(logger.With("component", "agents"))
	s.tasks = tasks.NewStore(logger.With("component", "tasks"))
	s.appctx = appcontext.NewManager(cfg.MaxHistoryLength)
	s.router = router.NewRouter(logger.With("component", "router"), router.Config{
		DefaultQueue: cfg.DefaultQueue,
		QueueExists: func(name string) bool {
			_, ok := s.queues.Read(name)
			return ok
		},
		MaxAuditLog: cfg.MaxAuditLog,
	})
	s.classifier = classifier.New(logger.With("component", "classifier"), cfg.Classifier, cfg.LLM)
	s.hooks = hooks.NewManager(logger.With("component", "hooks"), cfg.Hooks)
	s.undo = undo.NewManager(logger.With("component", "undo"), cfg.Undo)
	s.undo.OnUndo(s.onUndo)

	if _, err := s.queues.Create(model.QueueConfig{Name: cfg.DefaultQueue}); err != nil {
		return nil, fmt.Errorf("default queue: %w", err)
	}

	if cfg.Store != nil {
		s.load(ctx)
		s.saver = persist.NewSaver(cfg.Store, logger.With("component", "persist"), cfg.SaveDebounce)
		s.registerSavers()
	}

	s.dispatcher = dispatcher.New(dispatcher.Deps{
		Queues:     s.queues,
		Tasks:      s.tasks,
		Agents:     s.agents,
		Actions:    s.actions,
		Hooks:      s.hooks,
		Undo:       s.undo,
		Bus:        s.bus,
		Log:        s.log,
		AppContext: s.appctx.Get,
		Host:       s,
	}, dispatcher.Config{
		PollInterval: cfg.PollInterval,
		OnNoAgent:    s.noAgentAction,
		OnMaxRetries: s.onMaxRetries,
	})
	s.dispatcher.Start(context.WithoutCancel(ctx))

	s.log.Info(logging.CategorySDK, "sdk started",
		"mode", string(s.classifier.Mode()),
		"default_queue", cfg.DefaultQueue,
		"persistence", cfg.Store != nil,
	)
	return s, nil
}

// Close stops the dispatcher, aborts running agents, cancels pending
// classifications and flushes unsaved state. Close is idempotent.
func (s *SDK) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.listening = false
	s.mu.Unlock()

	s.dispatcher.Stop()
	s.classifier.Close()

	var err error
	if s.saver != nil {
		if serr := s.saver.Close(ctx); serr != nil {
			s.log.Error(logging.CategoryPersist, "final save failed", "error", serr)
			err = fmt.Errorf("final save: %w", serr)
		}
	}
	s.log.Info(logging.CategorySDK, "sdk closed")
	return err
}

func (s *SDK) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// load restores every persisted collection. Failures are logged and
// leave the collection empty.
func (s *SDK) load(ctx context.Context) {
	store := s.cfg.Store

	if list, err := store.LoadActions(ctx); err != nil {
		s.log.Error(logging.CategoryPersist, "load actions failed", "error", err)
	} else {
		for _, a := range list {
			if err := s.actions.Restore(a); err != nil {
				s.log.Warn(logging.CategoryPersist, "skipping persisted action", "action", a.Name, "error", err)
			}
		}
	}

	if list, err := store.LoadQueues(ctx); err != nil {
		s.log.Error(logging.CategoryPersist, "load queues failed", "error", err)
	} else {
		for _, q := range list {
			if q.Name == s.cfg.DefaultQueue {
				s.restoreDefaultQueue(q)
				continue
			}
			if _, err := s.queues.Create(q); err != nil {
				s.log.Warn(logging.CategoryPersist, "skipping persisted queue", "queue", q.Name, "error", err)
			}
		}
	}

	if list, err := store.LoadAgents(ctx); err != nil {
		s.log.Error(logging.CategoryPersist, "load agents failed", "error", err)
	} else {
		s.agents.Preload(list)
	}

	if list, err := store.LoadPendingTasks(ctx); err != nil {
		s.log.Error(logging.CategoryPersist, "load pending tasks failed", "error", err)
	} else {
		for _, t := range list {
			s.restoreTask(t)
		}
	}

	if list, err := store.LoadUndoHistory(ctx); err != nil {
		s.log.Error(logging.CategoryPersist, "load undo history failed", "error", err)
	} else {
		s.undo.SetArchived(list)
	}
}

// restoreDefaultQueue replaces the freshly created default queue with
// its persisted settings.
func (s *SDK) restoreDefaultQueue(q model.QueueConfig) {
	s.queues.Delete(q.Name)
	if _, err := s.queues.Create(q); err != nil {
		s.log.Warn(logging.CategoryPersist, "persisted default queue rejected", "error", err)
		_, _ = s.queues.Create(model.QueueConfig{Name: q.Name})
	}
}

// restoreTask re-enqueues a task that was pending or running when the
// process stopped. Running tasks restart as pending.
func (s *SDK) restoreTask(t *model.Task) {
	if t == nil || t.ID == "" {
		return
	}
	if t.Status != model.StatusPending && t.Status != model.StatusRunning {
		return
	}
	t = t.Clone()
	t.Status = model.StatusPending
	t.AssignedAgent = ""
	t.StartedAt = nil
	if t.Queue == "" {
		t.Queue = s.cfg.DefaultQueue
	}
	if _, _, err := s.queues.Ensure(t.Queue); err != nil {
		s.log.Warn(logging.CategoryPersist, "skipping persisted task", "task_id", t.ID, "error", err)
		return
	}
	s.tasks.Restore(t)
	if res := s.queues.Enqueue(t.Queue, t.ID, t.Priority); !res.OK {
		if _, err := s.tasks.MarkDeadletter(t.ID, "restore: "+string(res.Reason)); err != nil {
			s.log.Warn(logging.CategoryPersist, "restore dead-letter failed", "task_id", t.ID, "error", err)
		}
		return
	}
	s.log.Debug(logging.CategoryPersist, "task restored", "task_id", t.ID, "queue", t.Queue)
}

func (s *SDK) registerSavers() {
	s.saver.Register(persist.CollectionActions, func(ctx context.Context, st persist.Store) error {
		return st.SaveActions(ctx, s.actions.List(false))
	})
	s.saver.Register(persist.CollectionQueues, func(ctx context.Context, st persist.Store) error {
		return st.SaveQueues(ctx, s.queues.List())
	})
	s.saver.Register(persist.CollectionAgents, func(ctx context.Context, st persist.Store) error {
		return st.SaveAgents(ctx, s.agents.Records())
	})
	s.saver.Register(persist.CollectionTasks, func(ctx context.Context, st persist.Store) error {
		return st.SavePendingTasks(ctx, s.tasks.Unfinished())
	})
	s.saver.Register(persist.CollectionUndo, func(ctx context.Context, st persist.Store) error {
		return st.SaveUndoHistory(ctx, s.undo.Snapshot())
	})

	s.actions.OnChange(func() { s.saver.Schedule(persist.CollectionActions) })
	s.queues.OnChange(func() { s.saver.Schedule(persist.CollectionQueues) })
	s.agents.OnChange(func() { s.saver.Schedule(persist.CollectionAgents) })
	s.tasks.OnChange(func() { s.saver.Schedule(persist.CollectionTasks) })
	s.undo.OnChange(func() { s.saver.Schedule(persist.CollectionUndo) })

	// Pending work restored at startup must survive another restart
	// even if nothing changes before the first save.
	for _, c := range persist.Collections {
		s.saver.Schedule(c)
	}
}

// noAgentAction maps the configured policy onto the dispatcher outcome.
func (s *SDK) noAgentAction(ctx context.Context, t *model.Task) dispatcher.NoAgentAction {
	switch s.cfg.Errors.OnNoAgent {
	case NoAgentDrop:
		return dispatcher.NoAgentDrop
	case NoAgentError:
		return dispatcher.NoAgentError
	case NoAgentCustom:
		return s.customNoAgent(ctx, t)
	default:
		return dispatcher.NoAgentDeadletter
	}
}

// customNoAgent runs the user callback. A panic dead-letters the task.
func (s *SDK) customNoAgent(ctx context.Context, t *model.Task) (action dispatcher.NoAgentAction) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error(logging.CategoryAgent, "no-agent callback panicked", "task_id", t.ID, "panic", fmt.Sprint(p))
			action = dispatcher.NoAgentDeadletter
		}
	}()
	return s.cfg.Errors.NoAgentCustom(ctx, t)
}

func (s *SDK) onMaxRetries(ctx context.Context, t *model.Task, err error) {
	if s.cfg.Errors.OnMaxRetries == MaxRetriesCustom {
		s.cfg.Errors.MaxRetriesCustom(ctx, t, err)
	}
}

// onUndo marks the source task once its undo has run.
func (s *SDK) onUndo(e model.UndoEntry) {
	s.tasks.SetUndone(e.TaskID)
	s.bus.Emit(events.Event{
		Kind:   events.KindUndo,
		TaskID: e.TaskID,
		Data: map[string]any{
			"entry_id":    e.ID,
			"action":      e.Action,
			"description": e.Description,
		},
	})
	s.log.Info(logging.CategoryUndo, "task undone", "task_id", e.TaskID, "action", e.Action)
}

// Logger returns the domain log.
func (s *SDK) Logger() *logging.Logger { return s.log }

// Bus returns the event bus used by bridges.
func (s *SDK) Bus() *events.Bus { return s.bus }
