package model

import (
	"fmt"
	"time"
)

// OverflowPolicy decides what happens when a bounded queue is full.
type OverflowPolicy string

const (
	OverflowDrop       OverflowPolicy = "drop"
	OverflowError      OverflowPolicy = "error"
	OverflowDeadletter OverflowPolicy = "deadletter"
)

// Valid reports whether p is a known overflow policy.
func (p OverflowPolicy) Valid() bool {
	switch p {
	case OverflowDrop, OverflowError, OverflowDeadletter:
		return true
	}
	return false
}

// QueueConfig is the persistent definition of an execution channel.
type QueueConfig struct {
	Name        string         `json:"name" yaml:"name"`
	Concurrency int            `json:"concurrency" yaml:"concurrency"`
	MaxSize     *int           `json:"max_size,omitempty" yaml:"max_size"`
	Overflow    OverflowPolicy `json:"overflow" yaml:"overflow"`
	Paused      bool           `json:"paused" yaml:"paused"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
}

// Validate checks the queue invariants. Concurrency 0 and an empty
// overflow policy are accepted and mean "use the default".
func (q QueueConfig) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if q.Concurrency < 0 {
		return fmt.Errorf("queue %q: concurrency must be >= 1", q.Name)
	}
	if q.MaxSize != nil && *q.MaxSize < 0 {
		return fmt.Errorf("queue %q: max size must be >= 0", q.Name)
	}
	if q.Overflow != "" && !q.Overflow.Valid() {
		return fmt.Errorf("queue %q: unknown overflow policy %q", q.Name, q.Overflow)
	}
	return nil
}

// QueueStats summarizes one queue.
type QueueStats struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Paused    bool   `json:"paused"`
}
