package model

import (
	"maps"
	"time"
)

// Role identifies the speaker of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation history entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// User identifies the person issuing commands.
type User struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// AppContext is the application state the classifier and agents see.
type AppContext struct {
	ActiveDocument string `json:"active_document,omitempty"`
	SelectedText   string `json:"selected_text,omitempty"`
	CurrentUser    *User  `json:"current_user,omitempty"`
	// Summaries are short, provider-supplied descriptions of the
	// environment (open windows, calendar, ...). When present they
	// replace the raw metadata dump in classifier prompts.
	Summaries           map[string]string `json:"summaries,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
	ConversationHistory []Message         `json:"conversation_history,omitempty"`
	LastTask            *Task             `json:"last_task,omitempty"`
}

// Clone returns a deep-enough copy of c for handing across goroutines.
func (c AppContext) Clone() AppContext {
	out := c
	if c.CurrentUser != nil {
		u := *c.CurrentUser
		out.CurrentUser = &u
	}
	out.Summaries = maps.Clone(c.Summaries)
	out.Metadata = maps.Clone(c.Metadata)
	if c.ConversationHistory != nil {
		out.ConversationHistory = make([]Message, len(c.ConversationHistory))
		copy(out.ConversationHistory, c.ConversationHistory)
	}
	out.LastTask = c.LastTask.Clone()
	return out
}

// AppContextPatch is a partial context update. Metadata and history
// are preserved unless explicitly supplied.
type AppContextPatch struct {
	ActiveDocument      *string
	SelectedText        *string
	CurrentUser         *User
	Summaries           map[string]string
	Metadata            map[string]any
	ConversationHistory []Message
}
