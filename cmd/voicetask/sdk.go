package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/voicetask/internal/classifier"
	"github.com/nugget/voicetask/internal/config"
	"github.com/nugget/voicetask/internal/llm"
	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/persist"
	"github.com/nugget/voicetask/internal/undo"
	"github.com/nugget/voicetask/internal/voicetask"
)

// logAgentName is the built-in agent that handles every configured
// action by logging it.
const logAgentName = "log"

// newLLMClient builds a multi-provider client. The classifier model is
// routed to its configured provider; anything else goes to Ollama.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, error) {
	multi := llm.NewMultiClient("ollama", llm.NewOllamaClient(cfg.Ollama.URL, logger))

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, "", logger))
		logger.Info("Anthropic provider configured")
	} else if cfg.Classifier.Provider == "anthropic" {
		return nil, errors.New("classifier.provider is anthropic but anthropic.api_key is empty")
	}

	multi.AddModel(cfg.Classifier.Model, cfg.Classifier.Provider)
	return multi, nil
}

// sdkConfig maps the file configuration onto the SDK. A nil store
// disables persistence.
func sdkConfig(cfg *config.Config, logger *slog.Logger, client llm.Client, store persist.Store) (voicetask.Config, error) {
	level, err := logging.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return voicetask.Config{}, fmt.Errorf("logger.level: %w", err)
	}
	disabled := make([]logging.Category, 0, len(cfg.Logger.DisabledCategories))
	for _, c := range cfg.Logger.DisabledCategories {
		disabled = append(disabled, logging.Category(c))
	}

	out := voicetask.Config{
		Logger: logger,
		Log: logging.Config{
			Level:         level,
			MaxBufferSize: cfg.Logger.MaxBufferSize,
			Disabled:      disabled,
			Redact: logging.Redact{
				Transcripts: cfg.Logger.Redact.Transcripts,
				Params:      cfg.Logger.Redact.Params,
				Patterns:    cfg.Logger.Redact.Patterns,
			},
		},
		Classifier: classifier.Config{
			Mode:                 classifier.Mode(cfg.Classifier.Mode),
			Model:                cfg.Classifier.Model,
			Debounce:             cfg.Classifier.Debounce,
			MaxRequestsPerMinute: cfg.Classifier.MaxRequestsPerMinute,
			ConfidenceThreshold:  cfg.Classifier.ConfidenceThreshold,
			Temperature:          cfg.Classifier.Temperature,
			MaxOutputTokens:      cfg.Classifier.MaxOutputTokens,
			ConversationHistory:  cfg.Classifier.ConversationHistory,
			MaxHistoryLength:     cfg.Classifier.MaxHistoryLength,
		},
		LLM: client,
		Errors: voicetask.ErrorPolicies{
			OnNoAgent:       voicetask.NoAgentPolicy(cfg.Errors.OnNoAgent),
			OnClassifyError: voicetask.ClassifyErrorPolicy(cfg.Errors.OnClassifyError),
			OnMaxRetries:    voicetask.MaxRetriesPolicy(cfg.Errors.OnMaxRetries),
			OnQueuePaused:   voicetask.QueuePausedPolicy(cfg.Errors.OnQueuePaused),
		},
		DefaultQueue: cfg.DefaultQueue,
		PollInterval: cfg.Dispatcher.PollInterval,
		Undo: undo.Config{
			MaxHistorySize: cfg.Undo.MaxHistorySize,
			AutoExpire:     cfg.Undo.AutoExpire,
		},
		MaxHistoryLength: cfg.Classifier.MaxHistoryLength,
		Store:            store,
		SaveDebounce:     cfg.Persistence.SaveDebounce,
		StartListening:   true,
	}
	return out, nil
}

// openStore opens the configured database, creating its directory.
// It returns nil when persistence is disabled.
func openStore(cfg *config.Config, logger *slog.Logger) (*persist.SQLiteStore, error) {
	if !cfg.Persistence.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := persist.Open(cfg.Persistence.Driver, cfg.Persistence.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("persistence enabled", "driver", cfg.Persistence.Driver, "path", cfg.Persistence.Path)
	return store, nil
}

// register applies the declarative queues, actions and rules. Config
// wins over anything restored from the store.
func register(sdk *voicetask.SDK, cfg *config.Config, logger *slog.Logger) error {
	for _, q := range cfg.Queues {
		var err error
		if _, ok := sdk.ReadQueue(q.Name); ok {
			_, err = sdk.UpdateQueue(q)
		} else {
			_, err = sdk.CreateQueue(q)
		}
		if err != nil {
			return fmt.Errorf("queue %s: %w", q.Name, err)
		}
	}

	for _, a := range cfg.Actions {
		if _, ok := sdk.ReadAction(a.Name); ok {
			logger.Debug("replacing persisted action", "action", a.Name)
			sdk.DeleteAction(a.Name)
		}
		if _, err := sdk.CreateAction(a); err != nil {
			return fmt.Errorf("action %s: %w", a.Name, err)
		}
	}

	for _, r := range cfg.Rules {
		rule, err := r.Rule()
		if err != nil {
			return err
		}
		if rule.ID != "" {
			sdk.RemoveRule(rule.ID)
		}
		if _, err := sdk.AddRule(rule); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// registerLogAgent installs an agent that accepts every configured
// action and records it in the log. Hosts embedding the SDK register
// real agents instead.
func registerLogAgent(sdk *voicetask.SDK, cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.Actions) == 0 {
		return nil
	}
	names := make([]string, 0, len(cfg.Actions))
	for _, a := range cfg.Actions {
		names = append(names, a.Name)
	}
	log := logger.With("agent", logAgentName)
	_, err := sdk.RegisterAgent(model.AgentInput{
		Name:     logAgentName,
		Selector: model.AgentSelector{Actions: names},
		Resolver: model.ResolverFunc(func(ctx context.Context, t *model.Task, ec model.ExecContext) (*model.TaskResult, error) {
			log.Info("task executed",
				"task_id", t.ID,
				"action", t.Action,
				"queue", t.Queue,
				"attempt", ec.Attempt,
				"params", t.Params,
			)
			return &model.TaskResult{Success: true, Data: t.Params}, nil
		}),
	})
	return err
}
