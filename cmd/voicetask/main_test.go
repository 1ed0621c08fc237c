package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/voicetask/internal/config"
	"github.com/nugget/voicetask/internal/defaults"
	"github.com/nugget/voicetask/internal/llm"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/voicetask"
)

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: voicetask") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "serve"}, "unknown flag"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"submit without text", []string{"submit"}, "usage: voicetask submit"},
		{"missing config", []string{"-config", "/nonexistent/voicetask.yaml", "serve"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	for _, k := range []string{"version", "go_version", "os", "arch"} {
		if info[k] == "" {
			t.Errorf("version JSON missing %q", k)
		}
	}
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data dir not created: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The bundled config must load as written.
	if _, err := config.Load(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("bundled config does not load: %v", err)
	}
}

func TestRunInit_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "log_level: debug\n" {
		t.Errorf("existing config overwritten: %q", got)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("output does not mention the skipped file:\n%s", buf.String())
	}
}

func TestSDKConfigMapping(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, string(defaults.ConfigYAML)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	client := llm.ClientFunc(func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{}, nil
	})
	got, err := sdkConfig(cfg, slog.New(slog.DiscardHandler), client, nil)
	if err != nil {
		t.Fatalf("sdkConfig: %v", err)
	}

	if got.Classifier.Model != "qwen3:4b" || got.Classifier.Debounce != 300*time.Millisecond {
		t.Errorf("classifier = %+v", got.Classifier)
	}
	if got.Errors.OnNoAgent != voicetask.NoAgentDeadletter || got.Errors.OnQueuePaused != voicetask.QueuePausedBuffer {
		t.Errorf("errors = %+v", got.Errors)
	}
	if got.Undo.AutoExpire != time.Hour || got.Undo.MaxHistorySize != 50 {
		t.Errorf("undo = %+v", got.Undo)
	}
	if diff := cmp.Diff([]string{"(?i)password", "(?i)token"}, got.Log.Redact.Patterns); diff != "" {
		t.Errorf("redact patterns mismatch (-want +got):\n%s", diff)
	}
	if got.Store != nil {
		t.Error("Store set without a database")
	}
	if !got.StartListening {
		t.Error("StartListening = false")
	}
}

func TestRegisterAndLogAgent(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, string(defaults.ConfigYAML)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Classifier.Mode = "custom"
	logger := slog.New(slog.DiscardHandler)
	sdkCfg, err := sdkConfig(cfg, logger, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	sdkCfg.PollInterval = 10 * time.Millisecond
	sdk, err := voicetask.New(context.Background(), sdkCfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sdk.Close(context.Background()) })

	if err := register(sdk, cfg, logger); err != nil {
		t.Fatalf("register: %v", err)
	}
	// A second pass over the same config replaces rather than fails.
	if err := register(sdk, cfg, logger); err != nil {
		t.Fatalf("register again: %v", err)
	}
	if err := registerLogAgent(sdk, cfg, logger); err != nil {
		t.Fatalf("registerLogAgent: %v", err)
	}

	q, ok := sdk.ReadQueue("messages")
	if !ok || q.Concurrency != 2 || q.Overflow != model.OverflowDrop {
		t.Errorf("messages queue = %+v, %v", q, ok)
	}
	if a, ok := sdk.ReadAction("send_message"); !ok || a.DefaultQueue != "messages" {
		t.Errorf("send_message action = %+v, %v", a, ok)
	}
	if rules := sdk.ListRules(); len(rules) < 1 {
		t.Errorf("rules = %d, want at least 1", len(rules))
	}

	task, err := sdk.SubmitWithOverride(context.Background(), "note milk", "note", map[string]any{"text": "milk"})
	if err != nil {
		t.Fatalf("SubmitWithOverride: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := waitTerminal(ctx, sdk, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != model.StatusCompleted || done.AssignedAgent == "" {
		t.Errorf("task = %s by %q, want completed by the log agent", done.Status, done.AssignedAgent)
	}
}

// fakeOllama answers every chat request with a fixed classification.
func fakeOllama(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "test",
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunSubmit(t *testing.T) {
	srv := fakeOllama(t, `{"action":"note","params":{"text":"milk is out"},"confidence":0.95}`)
	path := writeConfig(t, `
log_level: error
classifier:
  model: test
  debounce: 1ms
ollama:
  url: `+srv.URL+`
dispatcher:
  poll_interval: 10ms
actions:
  - name: note
    description: Write down a short note
    params:
      - name: text
        type: string
        required: true
`)

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"-config", path, "-o", "json", "submit", "note", "that", "the", "milk", "is", "out"})
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	var task model.Task
	if err := json.Unmarshal(out.Bytes(), &task); err != nil {
		t.Fatalf("submit output is not a task: %v\n%s", err, out.String())
	}
	if task.Action != "note" || task.Status != model.StatusCompleted {
		t.Errorf("task = %s %s, want note completed", task.Action, task.Status)
	}
	if task.Content != "note that the milk is out" {
		t.Errorf("Content = %q", task.Content)
	}
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, `
log_level: error
data_dir: `+dataDir+`
classifier:
  mode: custom
persistence:
  enabled: true
  driver: sqlite
listen:
  port: 0
actions:
  - name: note
`)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- run(ctx, io.Discard, io.Discard, []string{"-config", path, "serve"}) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "voicetask.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}
