package model

import (
	"context"
	"testing"
	"time"
)

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusDeadletter, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusDeadletter, true},
		{StatusFailed, StatusCancelled, false},
		{StatusFailed, StatusRunning, false},
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusRunning, false},
		{StatusDeadletter, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTaskTransition(tt.from, tt.to)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateTaskTransition(%q, %q) error = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
			}
		})
	}
}

func TestAgentSelector(t *testing.T) {
	task := &Task{Action: "createNote", Queue: "notes"}

	tests := []struct {
		name string
		sel  AgentSelector
		want bool
	}{
		{name: "action match", sel: AgentSelector{Actions: []string{"createNote"}}, want: true},
		{name: "action miss", sel: AgentSelector{Actions: []string{"deleteNote"}}, want: false},
		{name: "queue match", sel: AgentSelector{Queues: []string{"notes"}}, want: true},
		{name: "queue miss", sel: AgentSelector{Queues: []string{"default"}}, want: false},
		{name: "both match", sel: AgentSelector{Actions: []string{"createNote"}, Queues: []string{"notes"}}, want: true},
		{name: "can handle false", sel: AgentSelector{CanHandle: func(*Task) bool { return false }}, want: false},
		{name: "can handle true", sel: AgentSelector{CanHandle: func(*Task) bool { return true }}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sel.Accepts(task); got != tt.want {
				t.Errorf("Accepts() = %v, want %v", got, tt.want)
			}
		})
	}

	if (AgentSelector{}).Narrows() {
		t.Error("empty selector should not narrow")
	}
}

func TestTaskCloneIsolation(t *testing.T) {
	started := time.Now()
	orig := &Task{
		ID:        "t1",
		Params:    map[string]any{"a": 1},
		StartedAt: &started,
	}
	c := orig.Clone()
	c.Params["a"] = 2
	*c.StartedAt = started.Add(time.Hour)

	if orig.Params["a"] != 1 {
		t.Errorf("clone shares params map")
	}
	if !orig.StartedAt.Equal(started) {
		t.Errorf("clone shares StartedAt")
	}
	if (*Task)(nil).Clone() != nil {
		t.Error("nil Clone should be nil")
	}
}

func TestTaskUndoable(t *testing.T) {
	undo := func(context.Context) error { return nil }
	task := &Task{Status: StatusCompleted, Result: &TaskResult{Success: true, Undo: undo}}
	if !task.Undoable() {
		t.Error("completed reversible task should be undoable")
	}
	task.Undone = true
	if task.Undoable() {
		t.Error("consumed task should not be undoable")
	}
	if (&Task{Status: StatusCompleted, Result: &TaskResult{Success: true}}).Undoable() {
		t.Error("task without undo should not be undoable")
	}
}

func TestActionInputValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      ActionInput
		wantErr bool
	}{
		{name: "ok", in: ActionInput{Name: "a"}},
		{name: "empty name", in: ActionInput{}, wantErr: true},
		{name: "negative timeout", in: ActionInput{Name: "a", Timeout: -time.Second}, wantErr: true},
		{name: "negative retries", in: ActionInput{Name: "a", Retries: -1}, wantErr: true},
		{name: "bad param type", in: ActionInput{Name: "a", Params: []Param{{Name: "x", Type: "date"}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPriorityOrDefault(t *testing.T) {
	if got := Priority(0).OrDefault(); got != PriorityNormal {
		t.Errorf("Priority(0).OrDefault() = %d, want %d", got, PriorityNormal)
	}
	if got := PriorityHigh.OrDefault(); got != PriorityHigh {
		t.Errorf("PriorityHigh.OrDefault() = %d", got)
	}
}
