// Package agents is the registry of task handlers. Agents declare what
// they accept through a [model.AgentSelector]; FindForTask applies the
// selectors and orders candidates by priority and registration order.
package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// Errors returned by [Registry].
var (
	ErrNotFound      = errors.New("agent not found")
	ErrDuplicateName = errors.New("agent name already registered")
	ErrNoSelector    = errors.New("agent selector must set queues, actions or a predicate")
	ErrNoResolver    = errors.New("agent resolver is required")
)

type entry struct {
	agent model.Agent
	order uint64
}

// Registry holds registered agents. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byID    map[string]*entry
	seq     uint64
	records map[string]model.AgentRecord // by name, from persistence

	onChange func()
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		byID:    make(map[string]*entry),
		records: make(map[string]model.AgentRecord),
	}
}

// OnChange registers fn to be called after every mutation.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) changed() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Preload stores persisted agent records. When an agent with a
// matching name registers later it gets the record's id. Priority and
// enablement come from the record only when the input leaves them
// unset (zero priority, nil Enabled).
func (r *Registry) Preload(records []model.AgentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.records[rec.Name] = rec
	}
}

// Create registers an agent.
func (r *Registry) Create(in model.AgentInput) (model.Agent, error) {
	if in.Name == "" {
		return model.Agent{}, fmt.Errorf("agent name is required")
	}
	if in.Resolver == nil {
		return model.Agent{}, fmt.Errorf("agent %q: %w", in.Name, ErrNoResolver)
	}
	if !in.Selector.Narrows() {
		return model.Agent{}, fmt.Errorf("agent %q: %w", in.Name, ErrNoSelector)
	}

	a := model.Agent{
		ID:           model.NewID(),
		Name:         in.Name,
		Selector:     cloneSelector(in.Selector),
		Resolver:     in.Resolver,
		Priority:     in.Priority,
		Enabled:      in.Enabled == nil || *in.Enabled,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	for _, e := range r.byID {
		if e.agent.Name == a.Name {
			r.mu.Unlock()
			return model.Agent{}, fmt.Errorf("create %q: %w", a.Name, ErrDuplicateName)
		}
	}
	restored := false
	if rec, ok := r.records[a.Name]; ok {
		if _, taken := r.byID[rec.ID]; !taken && rec.ID != "" {
			a.ID = rec.ID
		}
		if in.Priority == 0 {
			a.Priority = rec.Priority
		}
		if in.Enabled == nil {
			a.Enabled = rec.Enabled
		}
		delete(r.records, a.Name)
		restored = true
	}
	r.seq++
	r.byID[a.ID] = &entry{agent: a, order: r.seq}
	r.mu.Unlock()

	r.logger.Debug("agent registered", "agent", a.Name, "id", a.ID,
		"priority", a.Priority, "restored", restored)
	r.changed()
	return a, nil
}

// Read returns the agent with the given id.
func (r *Registry) Read(id string) (model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return model.Agent{}, false
	}
	return e.agent, true
}

// ReadByName returns the agent registered under name.
func (r *Registry) ReadByName(name string) (model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byID {
		if e.agent.Name == name {
			return e.agent, true
		}
	}
	return model.Agent{}, false
}

// Update applies patch to the agent with the given id.
func (r *Registry) Update(id string, patch model.AgentPatch) (model.Agent, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return model.Agent{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	next := e.agent
	if patch.Name != nil {
		if *patch.Name == "" {
			r.mu.Unlock()
			return model.Agent{}, fmt.Errorf("agent name is required")
		}
		for otherID, other := range r.byID {
			if otherID != id && other.agent.Name == *patch.Name {
				r.mu.Unlock()
				return model.Agent{}, fmt.Errorf("rename to %q: %w", *patch.Name, ErrDuplicateName)
			}
		}
		next.Name = *patch.Name
	}
	if patch.Selector != nil {
		if !patch.Selector.Narrows() {
			r.mu.Unlock()
			return model.Agent{}, fmt.Errorf("agent %q: %w", next.Name, ErrNoSelector)
		}
		next.Selector = cloneSelector(*patch.Selector)
	}
	if patch.Resolver != nil {
		next.Resolver = patch.Resolver
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
	}
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	e.agent = next
	r.mu.Unlock()

	r.changed()
	return next, nil
}

// Delete removes the agent and reports whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()
	if ok {
		r.changed()
	}
	return ok
}

// Enable marks the agent enabled.
func (r *Registry) Enable(id string) bool {
	t := true
	_, err := r.Update(id, model.AgentPatch{Enabled: &t})
	return err == nil
}

// Disable marks the agent disabled.
func (r *Registry) Disable(id string) bool {
	f := false
	_, err := r.Update(id, model.AgentPatch{Enabled: &f})
	return err == nil
}

// List returns every agent in registration order.
func (r *Registry) List() []model.Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]model.Agent, len(entries))
	for i, e := range entries {
		out[i] = e.agent
	}
	return out
}

// Records returns the persistable metadata of every agent, including
// preloaded records whose agent has not registered yet.
func (r *Registry) Records() []model.AgentRecord {
	out := make([]model.AgentRecord, 0)
	for _, a := range r.List() {
		out = append(out, a.Record())
	}
	r.mu.RLock()
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindForTask returns the enabled agents whose selector accepts t,
// ordered by descending priority and then by registration order.
// Predicates run outside the registry lock.
func (r *Registry) FindForTask(t *model.Task) []model.Agent {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		if e.agent.Enabled {
			c := *e
			candidates = append(candidates, &c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].order < candidates[j].order })

	var out []model.Agent
	for _, e := range candidates {
		if r.accepts(e.agent, t) {
			out = append(out, e.agent)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// accepts applies a's selector. A panicking predicate counts as no
// match.
func (r *Registry) accepts(a model.Agent, t *model.Task) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("agent predicate panicked", "agent", a.Name, "task_id", t.ID, "panic", p)
			ok = false
		}
	}()
	return a.Selector.Accepts(t)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func cloneSelector(s model.AgentSelector) model.AgentSelector {
	out := s
	if s.Queues != nil {
		out.Queues = append([]string(nil), s.Queues...)
	}
	if s.Actions != nil {
		out.Actions = append([]string(nil), s.Actions...)
	}
	return out
}
