package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/voicetask/internal/config"
	"github.com/nugget/voicetask/internal/llm"
)

// Client records every successful Chat of the wrapped client.
type Client struct {
	next     llm.Client
	store    *Store
	provider func(model string) string
	pricing  map[string]config.PricingEntry
	logger   *slog.Logger
}

// NewClient wraps next. provider names the backend serving a model.
func NewClient(next llm.Client, store *Store, provider func(model string) string, pricing map[string]config.PricingEntry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		next:     next,
		store:    store,
		provider: provider,
		pricing:  pricing,
		logger:   logger.With("component", "usage"),
	}
}

// Chat forwards req and records the tokens reported by the provider.
// A failed insert is logged and does not fail the call.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := c.next.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	rec := Record{
		Timestamp:    start,
		Model:        model,
		Provider:     c.provider(req.Model),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      ComputeCost(model, resp.InputTokens, resp.OutputTokens, c.pricing),
		Duration:     resp.Duration,
	}
	if rec.Duration == 0 {
		rec.Duration = time.Since(start)
	}
	if err := c.store.Record(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("failed to record usage", "model", model, "error", err)
	}
	return resp, nil
}

// Ping forwards to the wrapped client.
func (c *Client) Ping(ctx context.Context) error { return c.next.Ping(ctx) }
