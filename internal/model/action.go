// Package model defines the data types shared by every voice-task
// component: actions, queues, routing rules, tasks, agents, the
// application context and undo entries. Behavior is limited to
// validation and Clone helpers; every other internal package imports
// it.
package model

import (
	"fmt"
	"time"
)

// Default action settings applied when a field is left zero at
// registration time.
const (
	DefaultActionTimeout = 30 * time.Second
	DefaultRetryDelay    = time.Second
)

// ParamType is the declared type of an action parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// Valid reports whether t is one of the known parameter types.
func (t ParamType) Valid() bool {
	switch t {
	case ParamString, ParamNumber, ParamBoolean, ParamObject, ParamArray:
		return true
	}
	return false
}

// Param describes one parameter of an action. Params are kept in
// declaration order; the prompt builder relies on that order.
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required"`
	Default     any       `json:"default,omitempty" yaml:"default"`
	Description string    `json:"description,omitempty" yaml:"description"`
}

// Priority orders tasks within a queue. Higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// Valid reports whether p is within 1..3.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// OrDefault returns p when valid, otherwise [PriorityNormal].
func (p Priority) OrDefault() Priority {
	if p.Valid() {
		return p
	}
	return PriorityNormal
}

// Action is a registered intent: the schema the classifier chooses
// from and the execution policy the dispatcher applies.
type Action struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	Params          []Param       `json:"params,omitempty"`
	Examples        []string      `json:"examples,omitempty"`
	DefaultQueue    string        `json:"default_queue,omitempty"`
	DefaultPriority Priority      `json:"default_priority"`
	Timeout         time.Duration `json:"timeout"`
	Retries         int           `json:"retries"`
	RetryDelay      time.Duration `json:"retry_delay"`
	Enabled         bool          `json:"enabled"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// MaxAttempts is the total number of executions allowed for a task of
// this action: the first run plus Retries.
func (a Action) MaxAttempts() int {
	return a.Retries + 1
}

// Clone returns a copy of a that shares no slices with the original.
func (a Action) Clone() Action {
	out := a
	if a.Params != nil {
		out.Params = make([]Param, len(a.Params))
		copy(out.Params, a.Params)
	}
	if a.Examples != nil {
		out.Examples = make([]string, len(a.Examples))
		copy(out.Examples, a.Examples)
	}
	return out
}

// ActionInput carries the fields accepted when registering an action.
// Zero values select the documented defaults; Enabled defaults to true
// when nil.
type ActionInput struct {
	Name            string        `yaml:"name"`
	Description     string        `yaml:"description"`
	Params          []Param       `yaml:"params"`
	Examples        []string      `yaml:"examples"`
	DefaultQueue    string        `yaml:"default_queue"`
	DefaultPriority Priority      `yaml:"default_priority"`
	Timeout         time.Duration `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Enabled         *bool         `yaml:"enabled"`
}

// Validate checks the registration invariants that do not depend on
// other registered actions.
func (in ActionInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("action name is required")
	}
	if in.Timeout < 0 {
		return fmt.Errorf("action %q: timeout must be positive", in.Name)
	}
	if in.Retries < 0 {
		return fmt.Errorf("action %q: retries must be >= 0", in.Name)
	}
	if in.RetryDelay < 0 {
		return fmt.Errorf("action %q: retry delay must be >= 0", in.Name)
	}
	for _, p := range in.Params {
		if p.Name == "" {
			return fmt.Errorf("action %q: parameter name is required", in.Name)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("action %q: parameter %q has unknown type %q", in.Name, p.Name, p.Type)
		}
	}
	return nil
}

// ActionPatch is a partial update. Nil fields are left unchanged.
type ActionPatch struct {
	Name            *string
	Description     *string
	Params          []Param
	Examples        []string
	DefaultQueue    *string
	DefaultPriority *Priority
	Timeout         *time.Duration
	Retries         *int
	RetryDelay      *time.Duration
	Enabled         *bool
}
