// Package actions holds the registry of intents the classifier can
// choose from. Names are unique within the process; a name index is
// kept alongside the id-keyed map and updated under the same lock so
// renames are atomic.
package actions

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// Errors returned by [Store].
var (
	ErrDuplicateName = errors.New("action name already registered")
	ErrNotFound      = errors.New("action not found")
)

// Store is an in-memory action registry. All methods are safe for
// concurrent use and return copies.
type Store struct {
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[string]*model.Action
	byName map[string]string // name → id

	onChange func()
}

// NewStore creates an empty action store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		byID:   make(map[string]*model.Action),
		byName: make(map[string]string),
	}
}

// OnChange registers fn to be called after every successful mutation.
// Used to schedule persistence saves.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Create registers a new action. It rejects an empty or duplicate name,
// a negative timeout and negative retries.
func (s *Store) Create(in model.ActionInput) (model.Action, error) {
	if err := in.Validate(); err != nil {
		return model.Action{}, err
	}

	now := time.Now()
	a := &model.Action{
		ID:              model.NewID(),
		Name:            in.Name,
		Description:     in.Description,
		Params:          in.Params,
		Examples:        in.Examples,
		DefaultQueue:    in.DefaultQueue,
		DefaultPriority: in.DefaultPriority.OrDefault(),
		Timeout:         in.Timeout,
		Retries:         in.Retries,
		RetryDelay:      in.RetryDelay,
		Enabled:         in.Enabled == nil || *in.Enabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if a.Timeout == 0 {
		a.Timeout = model.DefaultActionTimeout
	}
	if a.RetryDelay == 0 {
		a.RetryDelay = model.DefaultRetryDelay
	}
	*a = a.Clone()

	s.mu.Lock()
	if _, exists := s.byName[a.Name]; exists {
		s.mu.Unlock()
		return model.Action{}, fmt.Errorf("create %q: %w", a.Name, ErrDuplicateName)
	}
	s.byID[a.ID] = a
	s.byName[a.Name] = a.ID
	out := a.Clone()
	s.mu.Unlock()

	s.logger.Debug("action registered", "action", a.Name, "id", a.ID)
	s.changed()
	return out, nil
}

// Restore inserts a previously persisted action verbatim, keeping its
// id and timestamps. Duplicates by name are rejected.
func (s *Store) Restore(a model.Action) error {
	if a.Name == "" || a.ID == "" {
		return fmt.Errorf("restore action: id and name are required")
	}
	c := a.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[c.Name]; exists {
		return fmt.Errorf("restore %q: %w", c.Name, ErrDuplicateName)
	}
	s.byID[c.ID] = &c
	s.byName[c.Name] = c.ID
	return nil
}

// Read returns the action registered under name.
func (s *Store) Read(name string) (model.Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return model.Action{}, false
	}
	return s.byID[id].Clone(), true
}

// GetByID returns the action with the given id.
func (s *Store) GetByID(id string) (model.Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Action{}, false
	}
	return a.Clone(), true
}

// Update applies patch to the action named name. A rename must not
// collide with another action; the name index is updated atomically
// with the record.
func (s *Store) Update(name string, patch model.ActionPatch) (model.Action, error) {
	s.mu.Lock()
	id, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return model.Action{}, fmt.Errorf("update %q: %w", name, ErrNotFound)
	}
	next := s.byID[id].Clone()

	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Params != nil {
		next.Params = patch.Params
	}
	if patch.Examples != nil {
		next.Examples = patch.Examples
	}
	if patch.DefaultQueue != nil {
		next.DefaultQueue = *patch.DefaultQueue
	}
	if patch.DefaultPriority != nil {
		next.DefaultPriority = patch.DefaultPriority.OrDefault()
	}
	if patch.Timeout != nil {
		next.Timeout = *patch.Timeout
	}
	if patch.Retries != nil {
		next.Retries = *patch.Retries
	}
	if patch.RetryDelay != nil {
		next.RetryDelay = *patch.RetryDelay
	}
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}

	check := model.ActionInput{
		Name:       next.Name,
		Params:     next.Params,
		Timeout:    next.Timeout,
		Retries:    next.Retries,
		RetryDelay: next.RetryDelay,
	}
	if err := check.Validate(); err != nil {
		s.mu.Unlock()
		return model.Action{}, err
	}
	if next.Timeout == 0 {
		s.mu.Unlock()
		return model.Action{}, fmt.Errorf("action %q: timeout must be positive", next.Name)
	}
	if next.Name != name {
		if _, taken := s.byName[next.Name]; taken {
			s.mu.Unlock()
			return model.Action{}, fmt.Errorf("rename %q to %q: %w", name, next.Name, ErrDuplicateName)
		}
		delete(s.byName, name)
		s.byName[next.Name] = id
	}
	next.UpdatedAt = time.Now()
	next = next.Clone()
	s.byID[id] = &next
	out := next.Clone()
	s.mu.Unlock()

	s.changed()
	return out, nil
}

// Delete removes the action named name and reports whether it existed.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	id, ok := s.byName[name]
	if ok {
		delete(s.byName, name)
		delete(s.byID, id)
	}
	s.mu.Unlock()

	if ok {
		s.changed()
	}
	return ok
}

// List returns actions sorted by name, optionally only enabled ones.
func (s *Store) List(enabledOnly bool) []model.Action {
	s.mu.RLock()
	out := make([]model.Action, 0, len(s.byID))
	for _, a := range s.byID {
		if enabledOnly && !a.Enabled {
			continue
		}
		out = append(out, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enable marks the action enabled. Returns false if it does not exist.
func (s *Store) Enable(name string) bool {
	return s.setEnabled(name, true)
}

// Disable marks the action disabled. Returns false if it does not exist.
func (s *Store) Disable(name string) bool {
	return s.setEnabled(name, false)
}

func (s *Store) setEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	id, ok := s.byName[name]
	if ok {
		a := s.byID[id]
		a.Enabled = enabled
		a.UpdatedAt = time.Now()
	}
	s.mu.Unlock()

	if ok {
		s.changed()
	}
	return ok
}

// Clear removes every action.
func (s *Store) Clear() {
	s.mu.Lock()
	s.byID = make(map[string]*model.Action)
	s.byName = make(map[string]string)
	s.mu.Unlock()
	s.changed()
}

// Len returns the number of registered actions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
