package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/voicetask"
)

const (
	submitTimeout = 2 * time.Minute
	submitPoll    = 50 * time.Millisecond
)

// runSubmit classifies one transcript against the configured LLM, runs
// the resulting task with the log agent and prints the final task.
// Nothing is persisted.
func runSubmit(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, text string) error {
	cfg, logger, err := setup(configPath, stderr)
	if err != nil {
		return err
	}

	client, err := newLLMClient(cfg, logger)
	if err != nil {
		return err
	}
	sdkCfg, err := sdkConfig(cfg, logger, client, nil)
	if err != nil {
		return err
	}
	sdk, err := voicetask.New(ctx, sdkCfg)
	if err != nil {
		return fmt.Errorf("start sdk: %w", err)
	}
	defer sdk.Close(context.Background())

	if err := register(sdk, cfg, logger); err != nil {
		return err
	}
	if err := registerLogAgent(sdk, cfg, logger); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	t, err := sdk.Submit(ctx, text)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if t != nil && !t.ClarificationNeeded {
		if t, err = waitTerminal(ctx, sdk, t.ID); err != nil {
			return err
		}
	}
	return printTask(stdout, outputFmt, t)
}

// waitTerminal polls until the task reaches a terminal status.
func waitTerminal(ctx context.Context, sdk *voicetask.SDK, id string) (*model.Task, error) {
	ticker := time.NewTicker(submitPoll)
	defer ticker.Stop()
	for {
		t, ok := sdk.GetTask(id)
		if !ok {
			return nil, fmt.Errorf("task %s disappeared", id)
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printTask(w io.Writer, outputFmt string, t *model.Task) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	}

	switch {
	case t == nil:
		fmt.Fprintln(w, "ignored: no action recognised")
	case t.ClarificationNeeded:
		fmt.Fprintf(w, "clarification needed: %s\n", t.ClarificationQuestion)
		for i, opt := range t.ClarificationOptions {
			fmt.Fprintf(w, "  %d. %s (%s)\n", i+1, opt.Label, opt.Action)
		}
	default:
		fmt.Fprintf(w, "%s %s -> %s\n", t.ID, t.Action, t.Status)
		if t.Queue != "" {
			fmt.Fprintf(w, "  %-10s %s\n", "queue:", t.Queue)
		}
		if t.AssignedAgent != "" {
			fmt.Fprintf(w, "  %-10s %s\n", "agent:", t.AssignedAgent)
		}
		if len(t.Params) > 0 {
			params, _ := json.Marshal(t.Params)
			fmt.Fprintf(w, "  %-10s %s\n", "params:", params)
		}
		if t.LastError != "" {
			fmt.Fprintf(w, "  %-10s %s\n", "error:", t.LastError)
		}
		if t.DeadletterReason != "" {
			fmt.Fprintf(w, "  %-10s %s\n", "reason:", t.DeadletterReason)
		}
	}
	return nil
}
