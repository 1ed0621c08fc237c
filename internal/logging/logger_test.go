package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestLogger(t *testing.T, cfg Config) *Logger {
	t.Helper()
	l, err := New(nil, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return l
}

func TestLevelFiltering(t *testing.T) {
	l := newTestLogger(t, Config{Level: LevelWarn})
	l.Debug(CategorySDK, "d")
	l.Info(CategorySDK, "i")
	l.Warn(CategorySDK, "w")
	l.Error(CategorySDK, "e")

	if got := messages(l.GetLogs(Query{})); !cmp.Equal(got, []string{"w", "e"}) {
		t.Errorf("messages = %v", got)
	}

	l.SetLevel(LevelDebug)
	if l.GetLevel() != LevelDebug {
		t.Errorf("GetLevel = %v", l.GetLevel())
	}
	l.Debug(CategorySDK, "d2")
	if n := l.Len(); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
}

func TestCategoryToggle(t *testing.T) {
	l := newTestLogger(t, Config{Disabled: []Category{CategoryRouter}})
	if l.ShouldLog(LevelError, CategoryRouter) {
		t.Error("disabled category admitted")
	}
	l.Info(CategoryRouter, "hidden")
	l.EnableCategory(CategoryRouter)
	l.Info(CategoryRouter, "shown")
	l.DisableCategory(CategoryQueue)
	l.Info(CategoryQueue, "hidden too")

	if got := messages(l.GetLogs(Query{})); !cmp.Equal(got, []string{"shown"}) {
		t.Errorf("messages = %v", got)
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	l := newTestLogger(t, Config{MaxBufferSize: 3})
	for i := range 5 {
		l.Info(CategorySDK, fmt.Sprintf("m%d", i))
	}
	if got := messages(l.GetLogs(Query{})); !cmp.Equal(got, []string{"m2", "m3", "m4"}) {
		t.Errorf("messages = %v", got)
	}
	l.ClearLogs()
	if l.Len() != 0 || len(l.GetLogs(Query{})) != 0 {
		t.Error("ClearLogs left entries behind")
	}
	l.Info(CategorySDK, "after")
	if got := messages(l.GetLogs(Query{})); !cmp.Equal(got, []string{"after"}) {
		t.Errorf("after clear = %v", got)
	}
}

func TestEntryFieldsLifted(t *testing.T) {
	l := newTestLogger(t, Config{})
	l.Info(CategoryDispatcher, "done", "task_id", "t1", "agent_id", "a1", "duration", 2*time.Second, "queue", "q")

	got := l.GetLogs(Query{})[0]
	if got.TaskID != "t1" || got.AgentID != "a1" || got.Duration != 2*time.Second {
		t.Errorf("entry = %+v", got)
	}
	if diff := cmp.Diff(map[string]any{"queue": "q"}, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestQuery(t *testing.T) {
	l := newTestLogger(t, Config{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	l.Info(CategoryRouter, "r1", "task_id", "t1")
	l.Warn(CategoryDispatcher, "d1", "task_id", "t1", "agent_id", "a1")
	l.Error(CategoryDispatcher, "d2", "task_id", "t2", "agent_id", "a1")
	l.Debug(CategoryRouter, "r2", "task_id", "t2")

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"all", Query{}, []string{"r1", "d1", "d2", "r2"}},
		{"category", Query{Category: CategoryRouter}, []string{"r1", "r2"}},
		{"min level", Query{MinLevel: LevelWarn}, []string{"d1", "d2"}},
		{"task", Query{TaskID: "t2"}, []string{"d2", "r2"}},
		{"agent", Query{AgentID: "a1"}, []string{"d1", "d2"}},
		{"since", Query{Since: base.Add(3 * time.Minute)}, []string{"d2", "r2"}},
		{"limit keeps newest", Query{Limit: 2}, []string{"d2", "r2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, messages(l.GetLogs(tt.q))); diff != "" {
				t.Errorf("GetLogs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRedaction(t *testing.T) {
	l := newTestLogger(t, Config{Redact: Redact{
		Transcripts: true,
		Params:      true,
		Patterns:    []string{`(?i)token|secret`},
	}})

	l.Info(CategoryClassifier, "classified",
		"transcript", "email bob my password",
		"params", map[string]any{"to": "bob"},
		"action", "emailSend",
		"nested", map[string]any{
			"apiToken": "abc",
			"list":     []any{map[string]any{"Secret": "x", "keep": 1}},
		},
	)

	got := l.GetLogs(Query{})[0].Data
	want := map[string]any{
		"transcript": Redacted,
		"params":     Redacted,
		"action":     "emailSend",
		"nested": map[string]any{
			"apiToken": Redacted,
			"list":     []any{map[string]any{"Secret": Redacted, "keep": 1}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("redaction mismatch (-want +got):\n%s", diff)
	}

	export, err := l.ExportLogs()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(export), "password") || strings.Contains(string(export), `"abc"`) {
		t.Errorf("export leaks redacted values: %s", export)
	}
}

func TestRedactionNestedForms(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want map[string]any
	}{
		{
			name: "slog group",
			args: []any{slog.Group("user", slog.String("password", "hunter2"), slog.String("name", "bob"))},
			want: map[string]any{"user": map[string]any{"password": Redacted, "name": "bob"}},
		},
		{
			name: "typed map",
			args: []any{"user", map[string]int{"password": 1234, "age": 40}},
			want: map[string]any{"user": map[string]any{"password": Redacted, "age": 40}},
		},
		{
			name: "nested slice of typed maps",
			args: []any{"users", []map[string]string{{"password": "a"}, {"login": "b"}}},
			want: map[string]any{"users": []any{
				map[string]any{"password": Redacted},
				map[string]any{"login": "b"},
			}},
		},
		{
			name: "slog.Any map value",
			args: []any{slog.Any("creds", map[string]any{"Password": "x"})},
			want: map[string]any{"creds": map[string]any{"Password": Redacted}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLogger(t, Config{Redact: Redact{Patterns: []string{"(?i)password"}}})
			l.Info(CategorySDK, "login", tt.args...)

			got := l.GetLogs(Query{})[0].Data
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("redaction mismatch (-want +got):\n%s", diff)
			}
			export, err := l.ExportLogs()
			if err != nil {
				t.Fatal(err)
			}
			for _, leak := range []string{"hunter2", `: 1234`, `"a"`, `"x"`} {
				if strings.Contains(string(export), leak) {
					t.Errorf("export leaks %s: %s", leak, export)
				}
			}
		})
	}
}

func TestRedactionLiftedKeys(t *testing.T) {
	l := newTestLogger(t, Config{Redact: Redact{Patterns: []string{"^task_id$"}}})
	l.Info(CategoryDispatcher, "started", "task_id", "t-secret", "agent_id", "a1")

	e := l.GetLogs(Query{})[0]
	if e.TaskID != Redacted || e.AgentID != "a1" {
		t.Errorf("lifted fields = %q, %q", e.TaskID, e.AgentID)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	l := newTestLogger(t, Config{Handler: func(Entry) { panic("observer broke") }})
	l.Info(CategorySDK, "still buffered")
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestBadPattern(t *testing.T) {
	if _, err := New(nil, Config{Redact: Redact{Patterns: []string{"("}}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestRedactionDoesNotMutateCaller(t *testing.T) {
	l := newTestLogger(t, Config{Redact: Redact{Patterns: []string{"pin"}}})
	data := map[string]any{"inner": map[string]any{"pin": "1234"}}
	l.Info(CategorySDK, "x", "data", data)
	if data["inner"].(map[string]any)["pin"] != "1234" {
		t.Error("caller map was modified")
	}
}

func TestMirrorAndHandler(t *testing.T) {
	var buf bytes.Buffer
	console := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	var seen []Entry
	l, err := New(console, Config{Handler: func(e Entry) { seen = append(seen, e) }})
	if err != nil {
		t.Fatal(err)
	}

	l.Warn(CategoryQueue, "queue full", "task_id", "t9", "queue", "q")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("mirror output not JSON: %v (%s)", err, buf.String())
	}
	if rec["level"] != "WARN" || rec["msg"] != "queue full" || rec["category"] != "queue" || rec["task_id"] != "t9" {
		t.Errorf("mirror record = %v", rec)
	}
	if len(seen) != 1 || seen[0].Message != "queue full" {
		t.Errorf("handler saw %+v", seen)
	}
}

func TestExportLogs(t *testing.T) {
	l := newTestLogger(t, Config{})
	l.Info(CategorySDK, "hello", "k", "v")
	b, err := l.ExportLogs()
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0]["level"] != "info" || out[0]["category"] != "sdk" {
		t.Errorf("export = %v", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{" WARNING ", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func messages(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
