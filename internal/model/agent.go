package model

import (
	"context"
	"slices"
	"time"
)

// ExecContext is handed to an agent alongside the task. Cancellation
// is carried by the context passed to Resolve, not by this struct.
type ExecContext struct {
	AppContext AppContext
	Attempt    int
	Host       Host
}

// Host is the slice of the SDK an executing agent may call back into.
type Host interface {
	Submit(ctx context.Context, transcript string) (*Task, error)
	Context() AppContext
}

// Resolver executes a task. Implementations must return promptly once
// ctx is done.
type Resolver interface {
	Resolve(ctx context.Context, task *Task, ec ExecContext) (*TaskResult, error)
}

// ResolverFunc adapts a function to [Resolver].
type ResolverFunc func(ctx context.Context, task *Task, ec ExecContext) (*TaskResult, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, task *Task, ec ExecContext) (*TaskResult, error) {
	return f(ctx, task, ec)
}

// AgentSelector narrows which tasks an agent accepts. An empty list
// accepts everything for that dimension; at least one dimension must
// be set for the selector to be usable.
type AgentSelector struct {
	Queues    []string
	Actions   []string
	CanHandle func(*Task) bool
}

// Narrows reports whether the selector constrains applicability at all.
func (s AgentSelector) Narrows() bool {
	return len(s.Queues) > 0 || len(s.Actions) > 0 || s.CanHandle != nil
}

// Accepts applies the selector to t.
func (s AgentSelector) Accepts(t *Task) bool {
	if len(s.Actions) > 0 && !slices.Contains(s.Actions, t.Action) {
		return false
	}
	if len(s.Queues) > 0 && !slices.Contains(s.Queues, t.Queue) {
		return false
	}
	if s.CanHandle != nil && !s.CanHandle(t) {
		return false
	}
	return true
}

// Agent is a registered handler implementation.
type Agent struct {
	ID           string
	Name         string
	Selector     AgentSelector
	Resolver     Resolver
	Priority     int
	Enabled      bool
	RegisteredAt time.Time
}

// Record returns the serializable part of a.
func (a Agent) Record() AgentRecord {
	return AgentRecord{
		ID:       a.ID,
		Name:     a.Name,
		Queues:   slices.Clone(a.Selector.Queues),
		Actions:  slices.Clone(a.Selector.Actions),
		Priority: a.Priority,
		Enabled:  a.Enabled,
	}
}

// AgentRecord is the persisted metadata of an agent. The resolver is
// code and cannot be persisted; records restore enablement and
// priority when an agent with the same name registers again.
type AgentRecord struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Queues   []string `json:"queues,omitempty"`
	Actions  []string `json:"actions,omitempty"`
	Priority int      `json:"priority"`
	Enabled  bool     `json:"enabled"`
}

// AgentInput carries the fields accepted when registering an agent.
type AgentInput struct {
	Name     string
	Selector AgentSelector
	Resolver Resolver
	Priority int
	Enabled  *bool
}

// AgentPatch is a partial agent update. Nil fields are left unchanged.
type AgentPatch struct {
	Name     *string
	Selector *AgentSelector
	Resolver Resolver
	Priority *int
	Enabled  *bool
}
