package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.DefaultQueue != "default" {
		t.Errorf("default_queue = %q", cfg.DefaultQueue)
	}
	if cfg.Classifier.Mode != "ai" || cfg.Classifier.Provider != "ollama" {
		t.Errorf("classifier = %+v", cfg.Classifier)
	}
	if want := filepath.Join("data", "voicetask.db"); cfg.Persistence.Path != want {
		t.Errorf("persistence.path = %q, want %q", cfg.Persistence.Path, want)
	}
	if cfg.MQTT.Enabled() {
		t.Error("mqtt should be disabled without a broker")
	}
	if cfg.MQTT.BaseTopic != "voicetask" {
		t.Errorf("mqtt.base_topic = %q", cfg.MQTT.BaseTopic)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("VOICETASK_TEST_KEY", "secret123")
	cfg, err := Load(writeConfig(t, "anthropic:\n  api_key: ${VOICETASK_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "secret123")
	}
}

func TestLoad_Sections(t *testing.T) {
	body := `
classifier:
  mode: hybrid
  debounce: 150ms
  confidence_threshold: 0.6
errors:
  on_no_agent: drop
dispatcher:
  poll_interval: 250ms
queues:
  - name: email
    concurrency: 2
    max_size: 10
    overflow: drop
actions:
  - name: send_email
    default_queue: email
    retries: 2
    retry_delay: 1s
    params:
      - name: to
        type: string
        required: true
rules:
  - id: urgent
    pattern: "(?i)urgent"
    target: priority
    priority: 10
mqtt:
  broker: mqtt://localhost:1883
  events: [completed, failed]
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Classifier.Debounce != 150*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Classifier.Debounce)
	}
	if th := cfg.Classifier.ConfidenceThreshold; th == nil || *th != 0.6 {
		t.Errorf("confidence_threshold = %v", th)
	}
	if cfg.Classifier.Temperature != nil {
		t.Errorf("temperature = %v, want unset", *cfg.Classifier.Temperature)
	}
	if cfg.Dispatcher.PollInterval != 250*time.Millisecond {
		t.Errorf("poll_interval = %v", cfg.Dispatcher.PollInterval)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0].MaxSize == nil || *cfg.Queues[0].MaxSize != 10 {
		t.Errorf("queues = %+v", cfg.Queues)
	}
	if len(cfg.Actions) != 1 || cfg.Actions[0].RetryDelay != time.Second {
		t.Errorf("actions = %+v", cfg.Actions)
	}
	if diff := cmp.Diff([]string{"completed", "failed"}, cfg.MQTT.Events); diff != "" {
		t.Errorf("mqtt.events mismatch (-want +got):\n%s", diff)
	}

	rule, err := cfg.Rules[0].Rule()
	if err != nil {
		t.Fatal(err)
	}
	if !rule.Match.Pattern.MatchString("this is URGENT") {
		t.Error("rule pattern should match case-insensitively")
	}
	if rule.Target != "priority" || rule.Priority != 10 {
		t.Errorf("rule = %+v", rule)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string // substring of the error, empty for success
	}{
		{"valid", "classifier:\n  mode: custom\n", ""},
		{"bad mode", "classifier:\n  mode: psychic\n", "classifier.mode"},
		{"bad policy", "errors:\n  on_queue_paused: explode\n", "errors.on_queue_paused"},
		{"bad log level", "log_level: loud\n", "log_level"},
		{"bad threshold", "classifier:\n  confidence_threshold: 2\n", "confidence_threshold"},
		{"negative temperature", "classifier:\n  temperature: -1\n", "temperature"},
		{"rule without target", "rules:\n  - id: r1\n    actions: [a]\n", "no target"},
		{"bad rule pattern", "rules:\n  - id: r1\n    pattern: \"(\"\n    target: q\n", "bad pattern"},
		{"bad queue", "queues:\n  - name: q\n    concurrency: -1\n", "queues"},
		{"bad port", "listen:\n  port: 70000\n", "listen.port"},
		{"negative price", "usage:\n  pricing:\n    claude:\n      input_per_million: -1\n", "usage.pricing.claude"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Load error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogLevel = "trace"
	cfg.LogFormat = "json"

	logger, err := cfg.NewLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Log(t.Context(), LevelTrace, "wire", "k", "v")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("output = %s, want TRACE level", buf.String())
	}
}
