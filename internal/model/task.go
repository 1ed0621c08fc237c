package model

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusRunning    TaskStatus = "running"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusDeadletter TaskStatus = "deadletter"
)

var terminalStatuses = map[TaskStatus]bool{
	StatusCompleted:  true,
	StatusCancelled:  true,
	StatusDeadletter: true,
}

// pending → running → completed is the happy path. failed is a
// holding state between a failed attempt and the retry decision.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusRunning:    true,
		StatusCancelled:  true,
		StatusDeadletter: true,
	},
	StatusRunning: {
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
		StatusDeadletter: true,
	},
	StatusFailed: {
		StatusPending:    true, // retry
		StatusDeadletter: true,
	},
}

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// ValidateTaskTransition returns an error when from → to is not an
// edge of the task state machine.
func ValidateTaskTransition(from, to TaskStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	if !validTaskTransitions[from][to] {
		return fmt.Errorf("invalid transition %q -> %q", from, to)
	}
	return nil
}

// UndoFunc reverses the effect of a completed task.
type UndoFunc func(ctx context.Context) error

// TaskResult is what an agent returns from a successful or failed run.
// A result with a non-nil Undo is reversible.
type TaskResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Undo is not serializable and never survives a restart.
	Undo UndoFunc `json:"-"`
	// UndoDescription labels the undo entry; defaults to the action name.
	UndoDescription string `json:"undo_description,omitempty"`
}

// Reversible reports whether r carries an undo capability.
func (r *TaskResult) Reversible() bool {
	return r != nil && r.Undo != nil
}

// Task is one submitted intent tracked from creation to a terminal
// state.
type Task struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Content          string         `json:"content"`
	Params           map[string]any `json:"params,omitempty"`
	Priority         Priority       `json:"priority"`
	Status           TaskStatus     `json:"status"`
	Queue            string         `json:"queue,omitempty"`
	AssignedAgent    string         `json:"assigned_agent,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Attempt          int            `json:"attempt"`
	MaxAttempts      int            `json:"max_attempts"`
	LastError        string         `json:"last_error,omitempty"`
	DeadletterReason string         `json:"deadletter_reason,omitempty"`
	Result           *TaskResult    `json:"result,omitempty"`
	Undone           bool           `json:"undone,omitempty"`

	// Classification details. Clarification tasks are returned to the
	// caller without being stored or routed.
	Confidence            float64               `json:"confidence,omitempty"`
	ClarificationNeeded   bool                  `json:"clarification_needed,omitempty"`
	ClarificationQuestion string                `json:"clarification_question,omitempty"`
	ClarificationOptions  []ClarificationOption `json:"clarification_options,omitempty"`
}

// Clone returns a copy of t that can be handed to callers without
// exposing store-owned memory. The result pointer is shared; results
// are immutable once recorded.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Params = maps.Clone(t.Params)
	if t.StartedAt != nil {
		s := *t.StartedAt
		out.StartedAt = &s
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	if t.ClarificationOptions != nil {
		out.ClarificationOptions = make([]ClarificationOption, len(t.ClarificationOptions))
		copy(out.ClarificationOptions, t.ClarificationOptions)
	}
	return &out
}

// Undoable reports whether t completed with a reversible result that
// has not been consumed yet.
func (t *Task) Undoable() bool {
	return t.Status == StatusCompleted && t.Result.Reversible() && !t.Undone
}

// ClarificationOption is one candidate interpretation offered to the
// user when the classifier is unsure.
type ClarificationOption struct {
	Label      string         `json:"label"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// ClassifiedTask is the classifier's interpretation of a transcript.
type ClassifiedTask struct {
	Action                string                `json:"action"`
	Content               string                `json:"content"`
	Params                map[string]any        `json:"params,omitempty"`
	Priority              Priority              `json:"priority"`
	Confidence            float64               `json:"confidence,omitempty"`
	ClarificationNeeded   bool                  `json:"clarification_needed,omitempty"`
	ClarificationQuestion string                `json:"clarification_question,omitempty"`
	ClarificationOptions  []ClarificationOption `json:"clarification_options,omitempty"`
	// DefaultQueue is filled from the action definition before routing.
	DefaultQueue string `json:"default_queue,omitempty"`
}

// TaskFilter narrows TaskStore listings. Zero fields match everything.
type TaskFilter struct {
	Status []TaskStatus
	Queue  string
	Action string
	Agent  string
	Limit  int
}

// Matches reports whether t satisfies every set field of f.
func (f TaskFilter) Matches(t *Task) bool {
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Queue != "" && t.Queue != f.Queue {
		return false
	}
	if f.Action != "" && t.Action != f.Action {
		return false
	}
	if f.Agent != "" && t.AssignedAgent != f.Agent {
		return false
	}
	return true
}
