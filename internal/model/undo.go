package model

import "time"

// UndoEntry is one reversible completed task on the undo stack.
type UndoEntry struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	Undo        UndoFunc  `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
}

// Armed reports whether the entry still carries its undo capability.
// Entries loaded from persistence never do.
func (e UndoEntry) Armed() bool {
	return e.Undo != nil
}
