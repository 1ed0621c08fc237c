package voicetask

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/voicetask/internal/classifier"
	"github.com/nugget/voicetask/internal/dispatcher"
	"github.com/nugget/voicetask/internal/hooks"
	"github.com/nugget/voicetask/internal/llm"
	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/persist"
	"github.com/nugget/voicetask/internal/undo"
)

// DefaultQueueName is created at startup and used when nothing else
// routes a task.
const DefaultQueueName = "default"

// NoAgentPolicy handles tasks that cannot be routed or assigned.
type NoAgentPolicy string

const (
	NoAgentDeadletter NoAgentPolicy = "deadletter"
	NoAgentError      NoAgentPolicy = "error"
	NoAgentDrop       NoAgentPolicy = "drop"
	NoAgentCustom     NoAgentPolicy = "custom"
)

// ClassifyErrorPolicy handles classifier failures.
type ClassifyErrorPolicy string

const (
	ClassifyErrorIgnore     ClassifyErrorPolicy = "ignore"
	ClassifyErrorDeadletter ClassifyErrorPolicy = "deadletter"
	ClassifyErrorCustom     ClassifyErrorPolicy = "custom"
)

// MaxRetriesPolicy handles tasks whose retries ran out.
type MaxRetriesPolicy string

const (
	MaxRetriesDeadletter MaxRetriesPolicy = "deadletter"
	MaxRetriesCustom     MaxRetriesPolicy = "custom"
)

// QueuePausedPolicy handles submissions to a paused queue.
type QueuePausedPolicy string

const (
	QueuePausedBuffer QueuePausedPolicy = "buffer"
	QueuePausedError  QueuePausedPolicy = "error"
	QueuePausedDrop   QueuePausedPolicy = "drop"
)

// ErrorPolicies selects the behavior for each error kind. The Custom
// callbacks are used only with the matching custom policy.
type ErrorPolicies struct {
	OnNoAgent     NoAgentPolicy
	NoAgentCustom func(ctx context.Context, t *model.Task) dispatcher.NoAgentAction

	OnClassifyError     ClassifyErrorPolicy
	ClassifyErrorCustom func(ctx context.Context, transcript string, err error) (*model.Task, error)

	OnMaxRetries     MaxRetriesPolicy
	MaxRetriesCustom func(ctx context.Context, t *model.Task, err error)

	OnQueuePaused QueuePausedPolicy
}

func (p ErrorPolicies) withDefaults() ErrorPolicies {
	if p.OnNoAgent == "" {
		p.OnNoAgent = NoAgentDeadletter
	}
	if p.OnClassifyError == "" {
		p.OnClassifyError = ClassifyErrorIgnore
	}
	if p.OnMaxRetries == "" {
		p.OnMaxRetries = MaxRetriesDeadletter
	}
	if p.OnQueuePaused == "" {
		p.OnQueuePaused = QueuePausedBuffer
	}
	return p
}

func (p ErrorPolicies) validate() error {
	switch p.OnNoAgent {
	case NoAgentDeadletter, NoAgentError, NoAgentDrop:
	case NoAgentCustom:
		if p.NoAgentCustom == nil {
			return fmt.Errorf("errors.on_no_agent is custom but no callback is set")
		}
	default:
		return fmt.Errorf("unknown on_no_agent policy %q", p.OnNoAgent)
	}
	switch p.OnClassifyError {
	case ClassifyErrorIgnore, ClassifyErrorDeadletter:
	case ClassifyErrorCustom:
		if p.ClassifyErrorCustom == nil {
			return fmt.Errorf("errors.on_classify_error is custom but no callback is set")
		}
	default:
		return fmt.Errorf("unknown on_classify_error policy %q", p.OnClassifyError)
	}
	switch p.OnMaxRetries {
	case MaxRetriesDeadletter:
	case MaxRetriesCustom:
		if p.MaxRetriesCustom == nil {
			return fmt.Errorf("errors.on_max_retries is custom but no callback is set")
		}
	default:
		return fmt.Errorf("unknown on_max_retries policy %q", p.OnMaxRetries)
	}
	switch p.OnQueuePaused {
	case QueuePausedBuffer, QueuePausedError, QueuePausedDrop:
	default:
		return fmt.Errorf("unknown on_queue_paused policy %q", p.OnQueuePaused)
	}
	return nil
}

// Config assembles an SDK.
type Config struct {
	// Logger receives process logs and the mirror of the domain log.
	Logger *slog.Logger
	// Log configures the queryable domain log.
	Log logging.Config

	Classifier classifier.Config
	// LLM is the upstream chat capability for ai and hybrid modes.
	LLM llm.Client

	Errors ErrorPolicies
	Hooks  hooks.Hooks

	// DefaultQueue defaults to [DefaultQueueName].
	DefaultQueue string
	PollInterval time.Duration
	Undo         undo.Config

	// MaxHistoryLength bounds the conversation kept in the context.
	MaxHistoryLength int
	// MaxAuditLog bounds the router decision log.
	MaxAuditLog int

	// Store enables persistence. The SDK does not close it.
	Store        persist.Store
	SaveDebounce time.Duration

	// StartListening opens the transcript gate at startup.
	StartListening bool
}
