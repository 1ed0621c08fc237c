// Package hooks runs user-supplied lifecycle callbacks. A hook that
// returns an error or panics is logged and treated as if it had not
// been set, so the task keeps moving.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageClassify Stage = "classify"
	StageRoute    Stage = "route"
	StageExecute  Stage = "execute"
)

// RetryDecision is returned by OnRetry. A zero Delay keeps the
// action's configured retry delay.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// Hooks is the set of optional lifecycle callbacks.
type Hooks struct {
	// BeforeClassify may rewrite the transcript. ok=false skips
	// classification entirely.
	BeforeClassify func(ctx context.Context, transcript string, appCtx model.AppContext) (out string, ok bool, err error)

	// BeforeRoute may rewrite the classified task. A nil task drops it.
	BeforeRoute func(ctx context.Context, c *model.ClassifiedTask, appCtx model.AppContext) (*model.ClassifiedTask, error)

	// BeforeExecute returning false sends the task back to its queue.
	BeforeExecute func(ctx context.Context, t *model.Task, agent model.Agent, appCtx model.AppContext) (bool, error)

	// OnRetry decides whether a failed attempt is retried. Without it
	// every failure is retried while attempts remain.
	OnRetry func(ctx context.Context, t *model.Task, taskErr error, attempt int) (RetryDecision, error)

	AfterExecute func(ctx context.Context, t *model.Task, r *model.TaskResult) error
	OnError      func(ctx context.Context, t *model.Task, taskErr error, stage Stage) error
}

// Manager invokes Hooks with the permissive fallbacks.
type Manager struct {
	hooks  Hooks
	logger *slog.Logger
}

// NewManager wraps h.
func NewManager(logger *slog.Logger, h Hooks) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{hooks: h, logger: logger}
}

// guard calls fn, converting a panic into an error, and logs failures.
func (m *Manager) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", name, r)
		}
		if err != nil {
			m.logger.Warn("hook failed, continuing", "hook", name, "error", err)
		}
	}()
	return fn()
}

// BeforeClassify returns the transcript to classify and whether to
// classify at all.
func (m *Manager) BeforeClassify(ctx context.Context, transcript string, appCtx model.AppContext) (string, bool) {
	if m.hooks.BeforeClassify == nil {
		return transcript, true
	}
	out, ok := transcript, true
	err := m.guard("beforeClassify", func() error {
		var err error
		out, ok, err = m.hooks.BeforeClassify(ctx, transcript, appCtx)
		return err
	})
	if err != nil {
		return transcript, true
	}
	return out, ok
}

// BeforeRoute returns the task to route, or nil to drop it.
func (m *Manager) BeforeRoute(ctx context.Context, c *model.ClassifiedTask, appCtx model.AppContext) *model.ClassifiedTask {
	if m.hooks.BeforeRoute == nil {
		return c
	}
	var out *model.ClassifiedTask
	err := m.guard("beforeRoute", func() error {
		var err error
		out, err = m.hooks.BeforeRoute(ctx, c, appCtx)
		return err
	})
	if err != nil {
		return c
	}
	return out
}

// BeforeExecute reports whether the task may run now.
func (m *Manager) BeforeExecute(ctx context.Context, t *model.Task, agent model.Agent, appCtx model.AppContext) bool {
	if m.hooks.BeforeExecute == nil {
		return true
	}
	proceed := true
	err := m.guard("beforeExecute", func() error {
		var err error
		proceed, err = m.hooks.BeforeExecute(ctx, t, agent, appCtx)
		return err
	})
	if err != nil {
		return true
	}
	return proceed
}

// OnRetry returns the retry decision for a failed attempt.
func (m *Manager) OnRetry(ctx context.Context, t *model.Task, taskErr error, attempt int) RetryDecision {
	if m.hooks.OnRetry == nil {
		return RetryDecision{Retry: true}
	}
	var d RetryDecision
	err := m.guard("onRetry", func() error {
		var err error
		d, err = m.hooks.OnRetry(ctx, t, taskErr, attempt)
		return err
	})
	if err != nil {
		return RetryDecision{Retry: true}
	}
	if d.Delay < 0 {
		d.Delay = 0
	}
	return d
}

// AfterExecute runs after a successful attempt.
func (m *Manager) AfterExecute(ctx context.Context, t *model.Task, r *model.TaskResult) {
	if m.hooks.AfterExecute == nil {
		return
	}
	_ = m.guard("afterExecute", func() error {
		return m.hooks.AfterExecute(ctx, t, r)
	})
}

// OnError reports a failure at stage. t may be nil for classify
// errors.
func (m *Manager) OnError(ctx context.Context, t *model.Task, taskErr error, stage Stage) {
	if m.hooks.OnError == nil {
		return
	}
	_ = m.guard("onError", func() error {
		return m.hooks.OnError(ctx, t, taskErr, stage)
	})
}
