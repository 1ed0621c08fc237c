// Package llm provides the chat capability the classifier calls: one
// request, one complete response, no streaming and no tools. Provider
// adapters own authentication and wire formats.
package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one chat turn. Role is "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model           string
	Messages        []Message
	Temperature     float64
	MaxOutputTokens int
	// JSONResponse asks the provider to return a single JSON object.
	JSONResponse bool
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model   string
	Content string

	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Client is the interface every provider implements.
type Client interface {
	// Chat sends a completion request and returns the full response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// ClientFunc adapts a function to [Client]. Ping always succeeds.
type ClientFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

// Chat calls f.
func (f ClientFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}

// Ping implements [Client].
func (f ClientFunc) Ping(context.Context) error { return nil }
