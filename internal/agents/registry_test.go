package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nugget/voicetask/internal/model"
)

var noop = model.ResolverFunc(func(context.Context, *model.Task, model.ExecContext) (*model.TaskResult, error) {
	return &model.TaskResult{Success: true}, nil
})

func mustCreate(t *testing.T, r *Registry, in model.AgentInput) model.Agent {
	t.Helper()
	if in.Resolver == nil {
		in.Resolver = noop
	}
	a, err := r.Create(in)
	if err != nil {
		t.Fatalf("Create(%s) error: %v", in.Name, err)
	}
	return a
}

func agentNames(list []model.Agent) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Name
	}
	return out
}

func TestCreateValidation(t *testing.T) {
	r := NewRegistry(nil)

	if _, err := r.Create(model.AgentInput{Name: "x", Resolver: noop}); !errors.Is(err, ErrNoSelector) {
		t.Errorf("no selector error = %v, want ErrNoSelector", err)
	}
	if _, err := r.Create(model.AgentInput{Name: "x", Selector: model.AgentSelector{Actions: []string{"a"}}}); !errors.Is(err, ErrNoResolver) {
		t.Errorf("no resolver error = %v, want ErrNoResolver", err)
	}
	mustCreate(t, r, model.AgentInput{Name: "x", Selector: model.AgentSelector{Queues: []string{"q"}}})
	if _, err := r.Create(model.AgentInput{Name: "x", Resolver: noop, Selector: model.AgentSelector{Queues: []string{"q"}}}); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate error = %v, want ErrDuplicateName", err)
	}
}

func TestFindForTask(t *testing.T) {
	r := NewRegistry(nil)
	off := false

	mustCreate(t, r, model.AgentInput{Name: "notes-low", Selector: model.AgentSelector{Actions: []string{"createNote"}}})
	mustCreate(t, r, model.AgentInput{Name: "notes-high", Priority: 5, Selector: model.AgentSelector{Actions: []string{"createNote"}}})
	mustCreate(t, r, model.AgentInput{Name: "default-queue", Selector: model.AgentSelector{Queues: []string{"default"}}})
	mustCreate(t, r, model.AgentInput{Name: "other-queue", Selector: model.AgentSelector{Queues: []string{"other"}}})
	mustCreate(t, r, model.AgentInput{Name: "disabled", Enabled: &off, Priority: 10, Selector: model.AgentSelector{Actions: []string{"createNote"}}})
	mustCreate(t, r, model.AgentInput{Name: "picky", Selector: model.AgentSelector{CanHandle: func(t *model.Task) bool {
		return t.Params["urgent"] == true
	}}})

	task := &model.Task{Action: "createNote", Queue: "default"}
	got := agentNames(r.FindForTask(task))
	want := []string{"notes-high", "notes-low", "default-queue"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FindForTask mismatch (-want +got):\n%s", diff)
	}

	task.Params = map[string]any{"urgent": true}
	got = agentNames(r.FindForTask(task))
	want = []string{"notes-high", "notes-low", "default-queue", "picky"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FindForTask with predicate mismatch (-want +got):\n%s", diff)
	}

	if got := r.FindForTask(&model.Task{Action: "unknown", Queue: "none"}); len(got) != 0 {
		t.Errorf("FindForTask(unmatched) = %v, want empty", agentNames(got))
	}
}

func TestUpdateEnableDelete(t *testing.T) {
	r := NewRegistry(nil)
	a := mustCreate(t, r, model.AgentInput{Name: "a", Selector: model.AgentSelector{Actions: []string{"x"}}})
	mustCreate(t, r, model.AgentInput{Name: "b", Selector: model.AgentSelector{Actions: []string{"x"}}})

	taken := "b"
	if _, err := r.Update(a.ID, model.AgentPatch{Name: &taken}); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("rename onto b error = %v, want ErrDuplicateName", err)
	}
	prio := 9
	if _, err := r.Update(a.ID, model.AgentPatch{Priority: &prio}); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if got := r.FindForTask(&model.Task{Action: "x"}); got[0].Name != "a" {
		t.Errorf("top agent after priority bump = %s, want a", got[0].Name)
	}

	if !r.Disable(a.ID) {
		t.Fatal("Disable = false")
	}
	if got := agentNames(r.FindForTask(&model.Task{Action: "x"})); !cmp.Equal(got, []string{"b"}) {
		t.Errorf("after disable = %v, want [b]", got)
	}
	if !r.Delete(a.ID) || r.Delete(a.ID) {
		t.Error("Delete should succeed once")
	}
	if r.Enable("missing") {
		t.Error("Enable(missing) = true")
	}
}

func TestPreloadRestoresRecord(t *testing.T) {
	r := NewRegistry(nil)
	r.Preload([]model.AgentRecord{{ID: "fixed-id", Name: "notes", Priority: 7, Enabled: false}})

	if recs := r.Records(); len(recs) != 1 || recs[0].Name != "notes" {
		t.Fatalf("Records() before registration = %+v", recs)
	}

	a := mustCreate(t, r, model.AgentInput{Name: "notes", Selector: model.AgentSelector{Actions: []string{"x"}}})
	if a.ID != "fixed-id" || a.Priority != 7 || a.Enabled {
		t.Errorf("restored agent = %+v, want id fixed-id priority 7 disabled", a)
	}
	if recs := r.Records(); len(recs) != 1 || recs[0].Actions[0] != "x" {
		t.Errorf("Records() after registration = %+v", recs)
	}
}

func TestPreloadExplicitInputWins(t *testing.T) {
	r := NewRegistry(nil)
	r.Preload([]model.AgentRecord{{ID: "fixed-id", Name: "notes", Priority: 7, Enabled: false}})

	enabled := true
	a := mustCreate(t, r, model.AgentInput{
		Name:     "notes",
		Selector: model.AgentSelector{Actions: []string{"x"}},
		Priority: 3,
		Enabled:  &enabled,
	})
	if a.ID != "fixed-id" || a.Priority != 3 || !a.Enabled {
		t.Errorf("agent = %+v, want id fixed-id priority 3 enabled", a)
	}
}

func TestFindForTaskPanickingPredicate(t *testing.T) {
	r := NewRegistry(nil)
	mustCreate(t, r, model.AgentInput{
		Name:     "broken",
		Priority: 10,
		Selector: model.AgentSelector{CanHandle: func(*model.Task) bool { panic("boom") }},
	})
	mustCreate(t, r, model.AgentInput{Name: "notes", Selector: model.AgentSelector{Actions: []string{"note"}}})

	got := agentNames(r.FindForTask(&model.Task{ID: "t1", Action: "note"}))
	if diff := cmp.Diff([]string{"notes"}, got); diff != "" {
		t.Errorf("FindForTask mismatch (-want +got):\n%s", diff)
	}
}
