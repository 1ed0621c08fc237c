// Package classifier turns a transcript into a [model.ClassifiedTask].
//
// Three modes are supported. The ai mode sends a prompt to an upstream
// chat model; calls are debounced (a burst of requests collapses into
// the last one, earlier callers receive nil) and admitted through a
// sliding one-minute rate limit. The custom mode delegates to a
// caller-supplied function. The hybrid mode tries custom first and
// falls back to ai when custom has no answer.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/llm"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/prompts"
)

// Mode selects the classification strategy.
type Mode string

const (
	ModeAI     Mode = "ai"
	ModeCustom Mode = "custom"
	ModeHybrid Mode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAI, ModeCustom, ModeHybrid:
		return true
	}
	return false
}

// Defaults for zero-valued [Config] fields.
const (
	DefaultDebounce             = 300 * time.Millisecond
	DefaultMaxRequestsPerMinute = 60
	DefaultConfidenceThreshold  = 0.3
	DefaultTemperature          = 0.1
	DefaultMaxOutputTokens      = 256
	MaxClarificationOptions     = 5

	rateWindow = time.Minute
)

// Errors returned by [Classifier.Classify].
var (
	ErrRateLimited = errors.New("classifier rate limit exceeded")
	ErrParse       = errors.New("unparseable classifier response")
	ErrNoClient    = errors.New("no upstream chat client configured")
	ErrNoCustom    = errors.New("no custom classify function configured")
)

// CustomFunc classifies without the upstream model. Returning a nil
// task means "no opinion".
type CustomFunc func(ctx context.Context, transcript string, actions []model.Action, appCtx model.AppContext) (*model.ClassifiedTask, error)

// Config controls a [Classifier].
type Config struct {
	Mode                 Mode
	Model                string
	Debounce             time.Duration
	MaxRequestsPerMinute int
	// ConfidenceThreshold and Temperature are pointers so zero can be
	// set explicitly; nil takes the default.
	ConfidenceThreshold *float64
	Temperature         *float64
	MaxOutputTokens      int
	// ConversationHistory includes recent turns in the prompt.
	ConversationHistory bool
	MaxHistoryLength    int
	Custom              CustomFunc
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeAI
		if c.Custom != nil {
			c.Mode = ModeHybrid
		}
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	if c.ConfidenceThreshold == nil || *c.ConfidenceThreshold < 0 {
		v := DefaultConfidenceThreshold
		c.ConfidenceThreshold = &v
	}
	if c.Temperature == nil || *c.Temperature < 0 {
		v := DefaultTemperature
		c.Temperature = &v
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	return c
}

// Stats describes upstream traffic in ai mode.
type Stats struct {
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	RateLimitedRequests int64   `json:"rate_limited_requests"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
}

// HybridStats counts which path produced each classification.
type HybridStats struct {
	AIClassifications     int64 `json:"ai_classifications"`
	CustomClassifications int64 `json:"custom_classifications"`
	NullResults           int64 `json:"null_results"`
	Errors                int64 `json:"errors"`
	TotalClassifications  int64 `json:"total_classifications"`
}

type result struct {
	task *model.ClassifiedTask
	err  error
}

type request struct {
	ctx        context.Context
	transcript string
	actions    []model.Action
	appCtx     model.AppContext
	done       chan result // buffered; exactly one send
}

// Classifier is safe for concurrent use.
type Classifier struct {
	logger *slog.Logger
	cfg    Config
	client llm.Client
	now    func() time.Time

	mu       sync.Mutex
	pending  *request
	timer    *time.Timer
	window   []time.Time
	stats    Stats
	hybrid   HybridStats
	closed   bool
	inflight sync.WaitGroup
}

// New creates a classifier. client may be nil in custom mode.
func New(logger *slog.Logger, cfg Config, client llm.Client) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		logger: logger,
		cfg:    cfg.withDefaults(),
		client: client,
		now:    time.Now,
	}
}

// Mode returns the active mode.
func (c *Classifier) Mode() Mode {
	return c.cfg.Mode
}

// Classify interprets transcript against actions. A nil task without
// error means the transcript was superseded, skipped or below the
// confidence threshold.
func (c *Classifier) Classify(ctx context.Context, transcript string, actions []model.Action, appCtx model.AppContext) (*model.ClassifiedTask, error) {
	switch c.cfg.Mode {
	case ModeCustom:
		if c.cfg.Custom == nil {
			return nil, ErrNoCustom
		}
		return c.cfg.Custom(ctx, transcript, actions, appCtx)

	case ModeHybrid:
		task, err := c.classifyHybrid(ctx, transcript, actions, appCtx)
		c.mu.Lock()
		c.hybrid.TotalClassifications++
		switch {
		case err != nil:
			c.hybrid.Errors++
		case task == nil:
			c.hybrid.NullResults++
		}
		c.mu.Unlock()
		return task, err

	default:
		return c.classifyAI(ctx, transcript, actions, appCtx)
	}
}

func (c *Classifier) classifyHybrid(ctx context.Context, transcript string, actions []model.Action, appCtx model.AppContext) (*model.ClassifiedTask, error) {
	if c.cfg.Custom != nil {
		task, err := c.cfg.Custom(ctx, transcript, actions, appCtx)
		if err != nil {
			return nil, fmt.Errorf("custom classify: %w", err)
		}
		if task != nil {
			c.mu.Lock()
			c.hybrid.CustomClassifications++
			c.mu.Unlock()
			return task, nil
		}
	}

	task, err := c.classifyAI(ctx, transcript, actions, appCtx)
	if err == nil && task != nil {
		c.mu.Lock()
		c.hybrid.AIClassifications++
		c.mu.Unlock()
	}
	return task, err
}

// classifyAI debounces the request and waits for its outcome.
func (c *Classifier) classifyAI(ctx context.Context, transcript string, actions []model.Action, appCtx model.AppContext) (*model.ClassifiedTask, error) {
	if c.client == nil {
		return nil, ErrNoClient
	}

	req := &request{
		ctx:        ctx,
		transcript: transcript,
		actions:    actions,
		appCtx:     appCtx,
		done:       make(chan result, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil
	}
	if c.pending != nil {
		c.timer.Stop()
		c.pending.done <- result{}
		c.logger.Debug("classification superseded")
	}
	c.pending = req
	c.timer = time.AfterFunc(c.cfg.Debounce, func() { c.fire(req) })
	c.mu.Unlock()

	select {
	case r := <-req.done:
		return r.task, r.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending == req {
			c.timer.Stop()
			c.pending = nil
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// fire runs when the debounce timer for req expires.
func (c *Classifier) fire(req *request) {
	c.mu.Lock()
	if c.pending != req || c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = nil

	now := c.now()
	c.pruneWindow(now)
	c.stats.TotalRequests++
	if len(c.window) >= c.cfg.MaxRequestsPerMinute {
		c.stats.RateLimitedRequests++
		c.mu.Unlock()
		c.logger.Warn("classifier rate limited", "limit_per_minute", c.cfg.MaxRequestsPerMinute)
		req.done <- result{err: ErrRateLimited}
		return
	}
	c.window = append(c.window, now)
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	start := time.Now()
	task, err := c.callUpstream(req)
	latency := time.Since(start)

	c.mu.Lock()
	if err != nil {
		c.stats.FailedRequests++
	} else {
		c.stats.SuccessfulRequests++
		n := float64(c.stats.SuccessfulRequests)
		ms := float64(latency) / float64(time.Millisecond)
		c.stats.AverageLatencyMs += (ms - c.stats.AverageLatencyMs) / n
	}
	c.mu.Unlock()

	req.done <- result{task: task, err: err}
}

func (c *Classifier) pruneWindow(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(c.window) && !c.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

func (c *Classifier) callUpstream(req *request) (*model.ClassifiedTask, error) {
	p := prompts.BuildClassifyPrompt(req.transcript, req.actions, req.appCtx, prompts.ClassifyConfig{
		IncludeHistory:   c.cfg.ConversationHistory,
		MaxHistoryLength: c.cfg.MaxHistoryLength,
	})

	resp, err := c.client.Chat(req.ctx, llm.ChatRequest{
		Model: c.cfg.Model,
		Messages: []llm.Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature:     *c.cfg.Temperature,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
		JSONResponse:    true,
	})
	if err != nil {
		c.logger.Warn("upstream classify failed", "error", err)
		return nil, fmt.Errorf("upstream classify: %w", err)
	}

	parsed, err := parseResponse(resp.Content, p.ActionNames)
	if err != nil {
		c.logger.Warn("classifier response rejected", "error", err, "content_len", len(resp.Content))
		return nil, err
	}
	parsed.Content = req.transcript

	return c.decide(parsed), nil
}

// decide applies the clarification and confidence rules.
func (c *Classifier) decide(t *model.ClassifiedTask) *model.ClassifiedTask {
	if t.ClarificationNeeded && len(t.ClarificationOptions) > 0 {
		if len(t.ClarificationOptions) > MaxClarificationOptions {
			t.ClarificationOptions = t.ClarificationOptions[:MaxClarificationOptions]
		}
		return t
	}
	t.ClarificationNeeded = false
	t.ClarificationQuestion = ""
	t.ClarificationOptions = nil

	if t.Action == prompts.UnknownAction || t.Confidence < *c.cfg.ConfidenceThreshold {
		c.logger.Debug("classification below threshold",
			"action", t.Action, "confidence", t.Confidence, "threshold", *c.cfg.ConfidenceThreshold)
		return nil
	}
	return t
}

// CancelPending resolves any debounced request with nil and clears
// the rate-limit window.
func (c *Classifier) CancelPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.timer.Stop()
		c.pending.done <- result{}
		c.pending = nil
	}
	c.window = nil
}

// Close cancels pending work and waits for in-flight upstream calls.
// Later Classify calls in ai mode return nil.
func (c *Classifier) Close() {
	c.CancelPending()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.inflight.Wait()
}

// GetStats returns upstream statistics.
func (c *Classifier) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// GetHybridStats returns per-path counters for hybrid mode.
func (c *Classifier) GetHybridStats() HybridStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hybrid
}

// ResetStats zeroes all counters.
func (c *Classifier) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
	c.hybrid = HybridStats{}
}
