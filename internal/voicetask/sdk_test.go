package voicetask

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/voicetask/internal/classifier"
	"github.com/nugget/voicetask/internal/events"
	"github.com/nugget/voicetask/internal/hooks"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/persist"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// lifecycle lists the kinds the scenario tests compare.
var lifecycle = map[events.Kind]bool{
	events.KindClassified: true,
	events.KindQueued:     true,
	events.KindStarted:    true,
	events.KindCompleted:  true,
	events.KindFailed:     true,
	events.KindRetry:      true,
	events.KindDeadletter: true,
	events.KindCancelled:  true,
	events.KindTimeout:    true,
	events.KindNoAgent:    true,
	events.KindDropped:    true,
	events.KindRejected:   true,
}

type harness struct {
	t   *testing.T
	sdk *SDK

	mu     sync.Mutex
	events []events.Event
}

// scripted classifies transcripts from a fixed table.
func scripted(table map[string]*model.ClassifiedTask) classifier.CustomFunc {
	return func(_ context.Context, transcript string, _ []model.Action, _ model.AppContext) (*model.ClassifiedTask, error) {
		c, ok := table[transcript]
		if !ok {
			return nil, nil
		}
		out := *c
		out.Content = transcript
		return &out, nil
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	cfg.Logger = slog.New(slog.DiscardHandler)
	if cfg.PollInterval == 0 {
		// Dispatch is driven by kicks, which keeps event order stable.
		cfg.PollInterval = time.Hour
	}
	if cfg.Classifier.Mode == "" {
		cfg.Classifier.Mode = classifier.ModeCustom
	}
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{t: t, sdk: s}
	s.OnAny(func(e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return h
}

func (h *harness) action(in model.ActionInput) model.Action {
	h.t.Helper()
	a, err := h.sdk.CreateAction(in)
	if err != nil {
		h.t.Fatalf("CreateAction(%s): %v", in.Name, err)
	}
	return a
}

func (h *harness) agent(name string, actions []string, fn model.ResolverFunc) model.Agent {
	h.t.Helper()
	a, err := h.sdk.RegisterAgent(model.AgentInput{
		Name:     name,
		Selector: model.AgentSelector{Actions: actions},
		Resolver: fn,
	})
	if err != nil {
		h.t.Fatalf("RegisterAgent(%s): %v", name, err)
	}
	return a
}

// kinds returns lifecycle kinds, restricted to taskID when set.
func (h *harness) kinds(taskID string) []events.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Kind
	for _, e := range h.events {
		if !lifecycle[e.Kind] {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e.Kind)
	}
	return out
}

func (h *harness) count(kind events.Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (h *harness) find(kind events.Kind) (events.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return events.Event{}, false
}

func (h *harness) waitStatus(id string, want model.TaskStatus) *model.Task {
	h.t.Helper()
	var last *model.Task
	waitFor(h.t, func() bool {
		t, ok := h.sdk.GetTask(id)
		last = t
		return ok && t.Status == want
	})
	return last
}

func (h *harness) waitEvent(taskID string, kind events.Kind) {
	h.t.Helper()
	waitFor(h.t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, e := range h.events {
			if e.Kind == kind && e.TaskID == taskID {
				return true
			}
		}
		return false
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func mustSubmit(t *testing.T, s *SDK, transcript string) *model.Task {
	t.Helper()
	task, err := s.Submit(context.Background(), transcript)
	if err != nil {
		t.Fatalf("Submit(%q): %v", transcript, err)
	}
	if task == nil {
		t.Fatalf("Submit(%q) returned no task", transcript)
	}
	return task
}

func intPtr(n int) *int { return &n }

func TestHappyPath(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"add 2 and 3": {Action: "addNumbers", Params: map[string]any{"a": 2.0, "b": 3.0}, Priority: model.PriorityNormal, Confidence: 1},
	})}})
	h.action(model.ActionInput{Name: "addNumbers", Params: []model.Param{
		{Name: "a", Type: model.ParamNumber, Required: true},
		{Name: "b", Type: model.ParamNumber, Required: true},
	}})
	h.agent("adder", []string{"addNumbers"}, func(_ context.Context, task *model.Task, _ model.ExecContext) (*model.TaskResult, error) {
		return &model.TaskResult{Success: true, Data: task.Params["a"].(float64) + task.Params["b"].(float64)}, nil
	})

	task := mustSubmit(t, h.sdk, "add 2 and 3")
	if task.Queue != DefaultQueueName {
		t.Errorf("queue = %q, want %q", task.Queue, DefaultQueueName)
	}
	done := h.waitStatus(task.ID, model.StatusCompleted)
	h.waitEvent(task.ID, events.KindCompleted)
	if done.Result == nil || done.Result.Data != 5.0 {
		t.Errorf("result = %+v, want data 5", done.Result)
	}

	want := []events.Kind{events.KindClassified, events.KindQueued, events.KindStarted, events.KindCompleted}
	if diff := cmp.Diff(want, h.kinds("")); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if last := h.sdk.Context().LastTask; last == nil || last.ID != task.ID {
		t.Errorf("last task = %+v, want %s", last, task.ID)
	}
	if hist := h.sdk.History(); len(hist) != 1 || hist[0].Content != "add 2 and 3" {
		t.Errorf("history = %+v", hist)
	}
	if d := h.sdk.Explain(task.ID); d == nil || d.Queue != DefaultQueueName {
		t.Errorf("Explain = %+v", d)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var retries atomic.Int32
	h := newHarness(t, Config{
		Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
			"do it": {Action: "flaky", Confidence: 1},
		})},
		Hooks: hooks.Hooks{
			OnRetry: func(context.Context, *model.Task, error, int) (hooks.RetryDecision, error) {
				retries.Add(1)
				return hooks.RetryDecision{Retry: true}, nil
			},
		},
	})
	h.action(model.ActionInput{Name: "flaky", Timeout: time.Second, Retries: 2, RetryDelay: 50 * time.Millisecond})
	h.agent("flaky", []string{"flaky"}, func(_ context.Context, _ *model.Task, ec model.ExecContext) (*model.TaskResult, error) {
		if ec.Attempt < 3 {
			return nil, errors.New("transient")
		}
		return &model.TaskResult{Success: true, Data: "ok"}, nil
	})

	task := mustSubmit(t, h.sdk, "do it")
	done := h.waitStatus(task.ID, model.StatusCompleted)
	h.waitEvent(task.ID, events.KindCompleted)

	if done.Attempt != 3 || done.LastError != "transient" {
		t.Errorf("attempt = %d, lastError = %q", done.Attempt, done.LastError)
	}
	want := []events.Kind{
		events.KindQueued,
		events.KindStarted, events.KindFailed, events.KindRetry,
		events.KindStarted, events.KindFailed, events.KindRetry,
		events.KindStarted, events.KindCompleted,
	}
	if diff := cmp.Diff(want, h.kinds(task.ID)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if got := retries.Load(); got != 2 {
		t.Errorf("OnRetry calls = %d, want 2", got)
	}
}

func TestTimeoutDeadletters(t *testing.T) {
	var maxed atomic.Bool
	h := newHarness(t, Config{
		Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
			"slow": {Action: "slow", Confidence: 1},
		})},
		Errors: ErrorPolicies{
			OnMaxRetries: MaxRetriesCustom,
			MaxRetriesCustom: func(context.Context, *model.Task, error) {
				maxed.Store(true)
			},
		},
	})
	h.action(model.ActionInput{Name: "slow", Timeout: 100 * time.Millisecond})
	h.agent("sleeper", []string{"slow"}, func(ctx context.Context, _ *model.Task, _ model.ExecContext) (*model.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	task := mustSubmit(t, h.sdk, "slow")
	done := h.waitStatus(task.ID, model.StatusDeadletter)
	h.waitEvent(task.ID, events.KindDeadletter)
	if done.LastError != "Task timeout" {
		t.Errorf("lastError = %q, want Task timeout", done.LastError)
	}
	want := []events.Kind{events.KindQueued, events.KindStarted, events.KindTimeout, events.KindFailed, events.KindDeadletter}
	if diff := cmp.Diff(want, h.kinds(task.ID)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	waitFor(t, maxed.Load)
}

func TestQueueOverflowDrop(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"job": {Action: "job", Confidence: 1},
	})}})
	if _, err := h.sdk.CreateQueue(model.QueueConfig{Name: "q", Concurrency: 1, MaxSize: intPtr(2), Overflow: model.OverflowDrop}); err != nil {
		t.Fatal(err)
	}
	h.action(model.ActionInput{Name: "job", DefaultQueue: "q"})
	h.agent("blocker", []string{"job"}, func(ctx context.Context, _ *model.Task, _ model.ExecContext) (*model.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var accepted int
	for range 5 {
		task, err := h.sdk.Submit(context.Background(), "job")
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if task != nil {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if n := len(h.sdk.ListTasks(model.TaskFilter{})); n != 2 {
		t.Errorf("stored tasks = %d, want 2", n)
	}
	if n := h.count(events.KindQueued); n != 2 {
		t.Errorf("queued events = %d, want 2", n)
	}
	if n := h.count(events.KindDropped); n != 3 {
		t.Errorf("dropped events = %d, want 3", n)
	}
}

func TestDisambiguation(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"email them": {
			Action:              "emailSend",
			Confidence:          0.4,
			ClarificationNeeded: true,
			ClarificationOptions: []model.ClarificationOption{
				{Label: "Send to Alice", Action: "emailSend", Params: map[string]any{"to": "alice@x"}},
				{Label: "Send to Bob", Action: "emailSend", Params: map[string]any{"to": "bob@x"}},
			},
		},
	})}})
	h.action(model.ActionInput{Name: "emailSend"})
	var sentTo atomic.Value
	h.agent("mailer", []string{"emailSend"}, func(_ context.Context, task *model.Task, _ model.ExecContext) (*model.TaskResult, error) {
		sentTo.Store(task.Params["to"])
		return &model.TaskResult{Success: true}, nil
	})

	clar := mustSubmit(t, h.sdk, "email them")
	if !clar.ClarificationNeeded || len(clar.ClarificationOptions) != 2 {
		t.Fatalf("clarification = %+v", clar)
	}
	if n := len(h.sdk.ListTasks(model.TaskFilter{})); n != 0 {
		t.Errorf("clarification stored %d tasks", n)
	}
	if n := h.count(events.KindQueued); n != 0 {
		t.Errorf("clarification was queued")
	}
	ev, ok := h.find(events.KindClassified)
	if !ok {
		t.Fatal("no classified event")
	}
	if opts, _ := ev.Data["options"].([]model.ClarificationOption); len(opts) != 2 {
		t.Errorf("classified options = %v", ev.Data["options"])
	}

	opt, ok := FindOption(clar, "Bob")
	if !ok {
		t.Fatal("FindOption(Bob) found nothing")
	}
	task, err := h.sdk.SubmitClarified(context.Background(), "Bob", opt)
	if err != nil {
		t.Fatal(err)
	}
	h.waitStatus(task.ID, model.StatusCompleted)
	h.waitEvent(task.ID, events.KindCompleted)
	if got := sentTo.Load(); got != "bob@x" {
		t.Errorf("sent to %v, want bob@x", got)
	}
	want := []events.Kind{events.KindQueued, events.KindStarted, events.KindCompleted}
	if diff := cmp.Diff(want, h.kinds(task.ID)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestUndoRoundTrip(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"note": {Action: "createNote", Confidence: 1},
	})}})
	var mu sync.Mutex
	notes := map[string]bool{}
	h.action(model.ActionInput{Name: "createNote"})
	h.agent("notes", []string{"createNote"}, func(context.Context, *model.Task, model.ExecContext) (*model.TaskResult, error) {
		mu.Lock()
		notes["n1"] = true
		mu.Unlock()
		return &model.TaskResult{
			Success: true,
			Data:    map[string]any{"id": "n1"},
			Undo: func(context.Context) error {
				mu.Lock()
				delete(notes, "n1")
				mu.Unlock()
				return nil
			},
		}, nil
	})

	task := mustSubmit(t, h.sdk, "note")
	h.waitStatus(task.ID, model.StatusCompleted)
	waitFor(t, h.sdk.CanUndo)

	entry, err := h.sdk.Undo(context.Background())
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if entry.TaskID != task.ID {
		t.Errorf("undid %s, want %s", entry.TaskID, task.ID)
	}
	mu.Lock()
	if notes["n1"] {
		t.Error("note still present after undo")
	}
	mu.Unlock()
	if h.sdk.CanUndo() {
		t.Error("stack not empty after undo")
	}
	if got, _ := h.sdk.GetTask(task.ID); !got.Undone {
		t.Error("task not marked undone")
	}
	if h.count(events.KindUndo) != 1 {
		t.Error("no undo event")
	}
	if _, err := h.sdk.Undo(context.Background()); err == nil {
		t.Error("second Undo succeeded on an empty stack")
	}
}

func TestClassifyErrorPolicies(t *testing.T) {
	boom := errors.New("upstream down")
	failing := func(context.Context, string, []model.Action, model.AppContext) (*model.ClassifiedTask, error) {
		return nil, boom
	}

	t.Run("ignore", func(t *testing.T) {
		var stage hooks.Stage
		h := newHarness(t, Config{
			Classifier: classifier.Config{Custom: failing},
			Hooks: hooks.Hooks{OnError: func(_ context.Context, _ *model.Task, _ error, s hooks.Stage) error {
				stage = s
				return nil
			}},
		})
		task, err := h.sdk.Submit(context.Background(), "anything")
		if task != nil || err != nil {
			t.Errorf("Submit = %v, %v; want nil, nil", task, err)
		}
		if stage != hooks.StageClassify {
			t.Errorf("OnError stage = %q", stage)
		}
	})

	t.Run("deadletter", func(t *testing.T) {
		h := newHarness(t, Config{
			Classifier: classifier.Config{Custom: failing},
			Errors:     ErrorPolicies{OnClassifyError: ClassifyErrorDeadletter},
		})
		task, err := h.sdk.Submit(context.Background(), "anything")
		if err != nil {
			t.Fatal(err)
		}
		if task == nil || task.Status != model.StatusDeadletter || task.Content != "anything" {
			t.Fatalf("task = %+v", task)
		}
		if h.count(events.KindDeadletter) != 1 {
			t.Error("no deadletter event")
		}
	})

	t.Run("custom", func(t *testing.T) {
		var seen error
		h := newHarness(t, Config{
			Classifier: classifier.Config{Custom: failing},
			Errors: ErrorPolicies{
				OnClassifyError: ClassifyErrorCustom,
				ClassifyErrorCustom: func(_ context.Context, _ string, err error) (*model.Task, error) {
					seen = err
					return nil, errors.New("surfaced")
				},
			},
		})
		if _, err := h.sdk.Submit(context.Background(), "anything"); err == nil || err.Error() != "surfaced" {
			t.Errorf("err = %v, want surfaced", err)
		}
		if !errors.Is(seen, boom) {
			t.Errorf("callback saw %v", seen)
		}
	})
}

func TestNoAgentPolicies(t *testing.T) {
	cls := classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"orphan": {Action: "orphan", Confidence: 1},
	})}

	t.Run("deadletter", func(t *testing.T) {
		h := newHarness(t, Config{Classifier: cls})
		h.action(model.ActionInput{Name: "orphan"})
		task := mustSubmit(t, h.sdk, "orphan")
		h.waitStatus(task.ID, model.StatusDeadletter)
		h.waitEvent(task.ID, events.KindDeadletter)
		if h.count(events.KindNoAgent) != 1 {
			t.Error("no no-agent event")
		}
	})

	t.Run("drop", func(t *testing.T) {
		h := newHarness(t, Config{Classifier: cls, Errors: ErrorPolicies{OnNoAgent: NoAgentDrop}})
		h.action(model.ActionInput{Name: "orphan"})
		task := mustSubmit(t, h.sdk, "orphan")
		waitFor(t, func() bool {
			_, ok := h.sdk.GetTask(task.ID)
			return !ok
		})
	})

	t.Run("unroutable error", func(t *testing.T) {
		h := newHarness(t, Config{Classifier: cls, Errors: ErrorPolicies{OnNoAgent: NoAgentError}})
		h.sdk.router.SetDefaultQueue("")
		h.action(model.ActionInput{Name: "orphan"})
		if _, err := h.sdk.Submit(context.Background(), "orphan"); !errors.Is(err, ErrUnroutable) {
			t.Errorf("err = %v, want ErrUnroutable", err)
		}
	})

	t.Run("unroutable deadletter", func(t *testing.T) {
		h := newHarness(t, Config{Classifier: cls})
		h.sdk.router.SetDefaultQueue("")
		h.action(model.ActionInput{Name: "orphan"})
		task := mustSubmit(t, h.sdk, "orphan")
		if task.Status != model.StatusDeadletter {
			t.Errorf("status = %s", task.Status)
		}
	})

	t.Run("custom missing callback", func(t *testing.T) {
		_, err := New(context.Background(), Config{Errors: ErrorPolicies{OnNoAgent: NoAgentCustom}})
		if err == nil {
			t.Error("New accepted a custom policy without a callback")
		}
	})
}

func TestPausedQueuePolicies(t *testing.T) {
	cls := classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"job": {Action: "job", Confidence: 1},
	})}
	tests := []struct {
		policy   QueuePausedPolicy
		wantTask bool
		wantErr  error
	}{
		{policy: QueuePausedBuffer, wantTask: true},
		{policy: QueuePausedDrop},
		{policy: QueuePausedError, wantErr: ErrQueuePaused},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			h := newHarness(t, Config{Classifier: cls, Errors: ErrorPolicies{OnQueuePaused: tt.policy}})
			h.action(model.ActionInput{Name: "job"})
			h.agent("worker", []string{"job"}, func(context.Context, *model.Task, model.ExecContext) (*model.TaskResult, error) {
				return &model.TaskResult{Success: true}, nil
			})
			h.sdk.PauseQueue(DefaultQueueName)

			task, err := h.sdk.Submit(context.Background(), "job")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if (task != nil) != tt.wantTask {
				t.Fatalf("task = %+v, want task %v", task, tt.wantTask)
			}
			if task == nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
			if got, _ := h.sdk.GetTask(task.ID); got.Status != model.StatusPending {
				t.Errorf("status while paused = %s", got.Status)
			}
			h.sdk.ResumeQueue(DefaultQueueName)
			h.waitStatus(task.ID, model.StatusCompleted)
		})
	}
}

func TestHooksShapePipeline(t *testing.T) {
	h := newHarness(t, Config{
		Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
			"rewritten": {Action: "job", Confidence: 1},
			"drop me":   {Action: "job", Confidence: 1},
		})},
		Hooks: hooks.Hooks{
			BeforeClassify: func(_ context.Context, transcript string, _ model.AppContext) (string, bool, error) {
				switch transcript {
				case "skip":
					return "", false, nil
				case "original":
					return "rewritten", true, nil
				}
				return transcript, true, nil
			},
			BeforeRoute: func(_ context.Context, c *model.ClassifiedTask, _ model.AppContext) (*model.ClassifiedTask, error) {
				if c.Content == "drop me" {
					return nil, nil
				}
				c.Params = map[string]any{"hooked": true}
				return c, nil
			},
		},
	})
	h.action(model.ActionInput{Name: "job"})

	if task, err := h.sdk.Submit(context.Background(), "skip"); task != nil || err != nil {
		t.Errorf("skip: %v, %v", task, err)
	}
	if task, err := h.sdk.Submit(context.Background(), "drop me"); task != nil || err != nil {
		t.Errorf("drop: %v, %v", task, err)
	}
	task := mustSubmit(t, h.sdk, "original")
	if task.Content != "rewritten" || task.Params["hooked"] != true {
		t.Errorf("task = %+v", task)
	}
}

func TestActionDefaultsApplied(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"remind": {Action: "remind", Confidence: 1, Params: map[string]any{"what": "milk"}},
	})}})
	if _, err := h.sdk.CreateQueue(model.QueueConfig{Name: "slow", Concurrency: 1}); err != nil {
		t.Fatal(err)
	}
	h.action(model.ActionInput{
		Name:            "remind",
		DefaultQueue:    "slow",
		DefaultPriority: model.PriorityHigh,
		Retries:         2,
		Params: []model.Param{
			{Name: "what", Type: model.ParamString},
			{Name: "when", Type: model.ParamString, Default: "tomorrow"},
		},
	})
	h.sdk.PauseQueue("slow")

	task := mustSubmit(t, h.sdk, "remind")
	want := map[string]any{"what": "milk", "when": "tomorrow"}
	if diff := cmp.Diff(want, task.Params); diff != "" {
		t.Errorf("params (-want +got):\n%s", diff)
	}
	if task.Queue != "slow" || task.Priority != model.PriorityHigh || task.MaxAttempts != 3 {
		t.Errorf("task = queue %q priority %d max %d", task.Queue, task.Priority, task.MaxAttempts)
	}
}

func TestRuleCreatesQueueOnDemand(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"music": {Action: "play", Confidence: 1},
	})}})
	h.action(model.ActionInput{Name: "play"})
	if _, err := h.sdk.AddRule(model.RoutingRule{Match: model.RuleMatch{Actions: []string{"play"}}, Target: "media"}); err != nil {
		t.Fatal(err)
	}

	task := mustSubmit(t, h.sdk, "music")
	if task.Queue != "media" {
		t.Errorf("queue = %q, want media", task.Queue)
	}
	if _, ok := h.sdk.ReadQueue("media"); !ok {
		t.Error("media queue not created")
	}
	ev, ok := h.find(events.KindQueueCreated)
	if !ok || ev.Data["queue"] != "media" {
		t.Errorf("queue:created event = %+v", ev)
	}
}

func TestListeningGate(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"job": {Action: "job", Confidence: 1},
	})}})
	h.action(model.ActionInput{Name: "job"})

	if h.sdk.IsListening() {
		t.Fatal("listening before StartListening")
	}
	if _, err := h.sdk.Ingest(context.Background(), "job"); !errors.Is(err, ErrNotListening) {
		t.Errorf("Ingest err = %v, want ErrNotListening", err)
	}
	h.sdk.StartListening()
	if _, err := h.sdk.Ingest(context.Background(), "job"); err != nil {
		t.Errorf("Ingest while listening: %v", err)
	}
	h.sdk.StopListening()
	if h.sdk.IsListening() {
		t.Error("still listening after StopListening")
	}
}

func TestCancelAndRetryTask(t *testing.T) {
	var healthy atomic.Bool
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"job":  {Action: "job", Confidence: 1},
		"wait": {Action: "wait", Confidence: 1},
	})}})
	h.action(model.ActionInput{Name: "job"})
	h.action(model.ActionInput{Name: "wait"})
	h.agent("worker", []string{"job"}, func(context.Context, *model.Task, model.ExecContext) (*model.TaskResult, error) {
		if !healthy.Load() {
			return nil, errors.New("broken")
		}
		return &model.TaskResult{Success: true}, nil
	})
	h.agent("waiter", []string{"wait"}, func(ctx context.Context, _ *model.Task, _ model.ExecContext) (*model.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	task := mustSubmit(t, h.sdk, "job")
	h.waitStatus(task.ID, model.StatusDeadletter)

	healthy.Store(true)
	retried, err := h.sdk.RetryTask(task.ID)
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	if retried.Status != model.StatusPending {
		t.Errorf("retried status = %s", retried.Status)
	}
	done := h.waitStatus(task.ID, model.StatusCompleted)
	if done.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", done.Attempt)
	}
	if _, err := h.sdk.RetryTask(task.ID); err == nil {
		t.Error("RetryTask accepted a completed task")
	}

	waiting := mustSubmit(t, h.sdk, "wait")
	h.waitStatus(waiting.ID, model.StatusRunning)
	if !h.sdk.CancelTask(waiting.ID) {
		t.Fatal("CancelTask returned false")
	}
	h.waitStatus(waiting.ID, model.StatusCancelled)
	if h.sdk.CancelTask(waiting.ID) {
		t.Error("second CancelTask reported a change")
	}
}

func TestDeleteQueueCancelsPending(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"job": {Action: "job", Confidence: 1},
	})}})
	if _, err := h.sdk.CreateQueue(model.QueueConfig{Name: "side", Paused: true}); err != nil {
		t.Fatal(err)
	}
	h.action(model.ActionInput{Name: "job", DefaultQueue: "side"})
	task := mustSubmit(t, h.sdk, "job")

	if h.sdk.DeleteQueue(DefaultQueueName) {
		t.Error("default queue was deleted")
	}
	if !h.sdk.DeleteQueue("side") {
		t.Fatal("DeleteQueue(side) = false")
	}
	if got, _ := h.sdk.GetTask(task.ID); got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestUpdateDefaultQueue(t *testing.T) {
	h := newHarness(t, Config{})
	q, err := h.sdk.UpdateQueue(model.QueueConfig{Name: DefaultQueueName, Concurrency: 4})
	if err != nil {
		t.Fatalf("UpdateQueue() error: %v", err)
	}
	if q.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", q.Concurrency)
	}
	if _, err := h.sdk.UpdateQueue(model.QueueConfig{Name: "nope"}); err == nil {
		t.Error("UpdateQueue(nope) succeeded")
	}
}

func TestAgentSeesContext(t *testing.T) {
	h := newHarness(t, Config{Classifier: classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"job": {Action: "job", Confidence: 1},
	})}})
	h.action(model.ActionInput{Name: "job"})
	h.sdk.SetContext(model.AppContext{ActiveDocument: "notes.md"})
	var doc atomic.Value
	var host atomic.Bool
	h.agent("worker", []string{"job"}, func(_ context.Context, _ *model.Task, ec model.ExecContext) (*model.TaskResult, error) {
		doc.Store(ec.AppContext.ActiveDocument)
		host.Store(ec.Host != nil)
		return &model.TaskResult{Success: true}, nil
	})

	task := mustSubmit(t, h.sdk, "job")
	h.waitStatus(task.ID, model.StatusCompleted)
	if doc.Load() != "notes.md" || !host.Load() {
		t.Errorf("agent saw document %v, host %v", doc.Load(), host.Load())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.sdk.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.sdk.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sdk.Submit(context.Background(), "anything"); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := persist.NewMemoryStore()
	cls := classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"job": {Action: "job", Confidence: 1},
	})}
	ctx := context.Background()

	first, err := New(ctx, Config{Logger: slog.New(slog.DiscardHandler), Classifier: cls, Store: store, PollInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.CreateQueue(model.QueueConfig{Name: "work", Concurrency: 2, Paused: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := first.CreateAction(model.ActionInput{Name: "job", DefaultQueue: "work", Retries: 1}); err != nil {
		t.Fatal(err)
	}
	agent, err := first.RegisterAgent(model.AgentInput{
		Name:     "worker",
		Selector: model.AgentSelector{Actions: []string{"job"}},
		Priority: 7,
		Resolver: model.ResolverFunc(func(context.Context, *model.Task, model.ExecContext) (*model.TaskResult, error) {
			return &model.TaskResult{Success: true}, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	task := mustSubmit(t, first, "job")
	if err := first.Close(ctx); err != nil {
		t.Fatal(err)
	}

	second, err := New(ctx, Config{Logger: slog.New(slog.DiscardHandler), Classifier: cls, Store: store, PollInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close(ctx)

	if _, ok := second.ReadAction("job"); !ok {
		t.Error("action not restored")
	}
	q, ok := second.ReadQueue("work")
	if !ok || !q.Paused || q.Concurrency != 2 {
		t.Errorf("queue = %+v, %v", q, ok)
	}
	restored, ok := second.GetTask(task.ID)
	if !ok || restored.Status != model.StatusPending {
		t.Fatalf("task = %+v, %v", restored, ok)
	}

	again, err := second.RegisterAgent(model.AgentInput{
		Name:     "worker",
		Selector: model.AgentSelector{Actions: []string{"job"}},
		Resolver: model.ResolverFunc(func(context.Context, *model.Task, model.ExecContext) (*model.TaskResult, error) {
			return &model.TaskResult{Success: true}, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != agent.ID || again.Priority != 7 {
		t.Errorf("agent = %s/%d, want %s/7", again.ID, again.Priority, agent.ID)
	}

	second.ResumeQueue("work")
	waitFor(t, func() bool {
		got, _ := second.GetTask(task.ID)
		return got.Status == model.StatusCompleted
	})
}

func TestRunningTaskSurvivesCrash(t *testing.T) {
	store := persist.NewMemoryStore()
	cls := classifier.Config{Custom: scripted(map[string]*model.ClassifiedTask{
		"job": {Action: "job", Confidence: 1},
	})}
	ctx := context.Background()

	first, err := New(ctx, Config{
		Logger:       slog.New(slog.DiscardHandler),
		Classifier:   cls,
		Store:        store,
		PollInterval: 5 * time.Millisecond,
		SaveDebounce: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close(ctx)
	if _, err := first.CreateAction(model.ActionInput{Name: "job"}); err != nil {
		t.Fatal(err)
	}
	if _, err := first.RegisterAgent(model.AgentInput{
		Name:     "slow",
		Selector: model.AgentSelector{Actions: []string{"job"}},
		Resolver: model.ResolverFunc(func(ctx context.Context, _ *model.Task, _ model.ExecContext) (*model.TaskResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}); err != nil {
		t.Fatal(err)
	}
	task := mustSubmit(t, first, "job")

	// The saved snapshot is what a crash leaves behind.
	waitFor(t, func() bool {
		saved, _ := store.LoadPendingTasks(ctx)
		return len(saved) == 1 && saved[0].ID == task.ID && saved[0].Status == model.StatusRunning
	})

	second, err := New(ctx, Config{Logger: slog.New(slog.DiscardHandler), Classifier: cls, Store: store, PollInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close(ctx)

	restored, ok := second.GetTask(task.ID)
	if !ok || restored.Status != model.StatusPending || restored.AssignedAgent != "" {
		t.Fatalf("restored task = %+v, %v", restored, ok)
	}
}
