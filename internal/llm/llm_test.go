package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "qwen3:4b",
			"message":           map[string]any{"role": "assistant", "content": `{"action":"addNumbers"}`},
			"done":              true,
			"prompt_eval_count": 120,
			"eval_count":        12,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:           "qwen3:4b",
		Messages:        []Message{{Role: "system", Content: "classify"}, {Role: "user", Content: "add 2 and 3"}},
		Temperature:     0.1,
		MaxOutputTokens: 256,
		JSONResponse:    true,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if got.Format != "json" || got.Stream {
		t.Errorf("request format=%q stream=%v, want json non-streaming", got.Format, got.Stream)
	}
	if got.Options == nil || got.Options.Temperature != 0.1 || got.Options.NumPredict != 256 {
		t.Errorf("request options = %+v", got.Options)
	}
	if len(got.Messages) != 2 {
		t.Errorf("request messages = %d, want 2", len(got.Messages))
	}
	if resp.Content != `{"action":"addNumbers"}` || resp.InputTokens != 120 || resp.OutputTokens != 12 {
		t.Errorf("response = %+v", resp)
	}
}

func TestOllamaChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), ChatRequest{Model: "missing"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestAnthropicChatJSONPrefill(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"model":       "claude-test",
			"content":     []map[string]any{{"type": "text", "text": `"action":"addNumbers"}`}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 50, "output_tokens": 8},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", srv.URL, nil)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:           "claude-test",
		Messages:        []Message{{Role: "system", Content: "classify"}, {Role: "user", Content: "add"}},
		Temperature:     0.1,
		MaxOutputTokens: 256,
		JSONResponse:    true,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if got.System != "classify" {
		t.Errorf("system = %q, want classify", got.System)
	}
	if n := len(got.Messages); n != 2 || got.Messages[n-1].Role != "assistant" || got.Messages[n-1].Content != "{" {
		t.Errorf("messages = %+v, want user turn plus assistant prefill", got.Messages)
	}
	if got.MaxTokens != 256 || got.Temperature != 0.1 {
		t.Errorf("max_tokens=%d temperature=%v", got.MaxTokens, got.Temperature)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		t.Fatalf("response content %q is not JSON: %v", resp.Content, err)
	}
	if parsed["action"] != "addNumbers" {
		t.Errorf("parsed action = %v", parsed["action"])
	}
}

func TestAnthropicPingUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := NewAnthropicClient("bad", srv.URL, nil).Ping(context.Background()); err == nil {
		t.Error("Ping with bad key should fail")
	}
}

func TestMultiClientRouting(t *testing.T) {
	var served []string
	named := func(name string) Client {
		return ClientFunc(func(_ context.Context, req ChatRequest) (*ChatResponse, error) {
			served = append(served, name)
			return &ChatResponse{Model: req.Model}, nil
		})
	}

	m := NewMultiClient("ollama", named("ollama"))
	m.AddProvider("anthropic", named("anthropic"))
	m.AddModel("claude-test", "anthropic")
	m.AddModel("orphan", "nowhere")

	tests := []struct {
		model    string
		provider string
	}{
		{"claude-test", "anthropic"},
		{"qwen3:4b", "ollama"},
		{"orphan", "ollama"},
	}
	for _, tt := range tests {
		if got := m.Provider(tt.model); got != tt.provider {
			t.Errorf("Provider(%s) = %s, want %s", tt.model, got, tt.provider)
		}
		served = nil
		if _, err := m.Chat(context.Background(), ChatRequest{Model: tt.model}); err != nil {
			t.Fatalf("Chat(%s) error: %v", tt.model, err)
		}
		if len(served) != 1 || served[0] != tt.provider {
			t.Errorf("Chat(%s) served by %v, want %s", tt.model, served, tt.provider)
		}
	}

	if got := m.Providers(); len(got) != 2 || got[0] != "anthropic" || got[1] != "ollama" {
		t.Errorf("Providers() = %v", got)
	}
	if _, ok := m.Lookup("anthropic"); !ok {
		t.Error("Lookup(anthropic) missing")
	}
	if err := m.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

func TestMultiClientWithoutProviders(t *testing.T) {
	empty := NewMultiClient("ollama", nil)
	if _, err := empty.Chat(context.Background(), ChatRequest{Model: "x"}); err == nil {
		t.Error("Chat without any provider should fail")
	}
	if err := empty.Ping(context.Background()); err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("Ping without providers = %v", err)
	}
}
