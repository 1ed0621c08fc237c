package voicetask

import (
	"github.com/nugget/voicetask/internal/events"
	"github.com/nugget/voicetask/internal/logging"
	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/router"
)

// Actions

func (s *SDK) CreateAction(in model.ActionInput) (model.Action, error) {
	a, err := s.actions.Create(in)
	if err != nil {
		return model.Action{}, err
	}
	s.log.Info(logging.CategorySDK, "action registered", "action", a.Name)
	return a, nil
}

func (s *SDK) ReadAction(name string) (model.Action, bool) { return s.actions.Read(name) }

func (s *SDK) UpdateAction(name string, patch model.ActionPatch) (model.Action, error) {
	return s.actions.Update(name, patch)
}

func (s *SDK) DeleteAction(name string) bool {
	ok := s.actions.Delete(name)
	if ok {
		s.log.Info(logging.CategorySDK, "action deleted", "action", name)
	}
	return ok
}

// ListActions returns registered actions sorted by name.
func (s *SDK) ListActions(enabledOnly bool) []model.Action { return s.actions.List(enabledOnly) }

func (s *SDK) EnableAction(name string) bool  { return s.actions.Enable(name) }
func (s *SDK) DisableAction(name string) bool { return s.actions.Disable(name) }

// Queues

// CreateQueue adds a queue and emits queue:created.
func (s *SDK) CreateQueue(cfg model.QueueConfig) (model.QueueConfig, error) {
	q, err := s.queues.Create(cfg)
	if err != nil {
		return model.QueueConfig{}, err
	}
	s.emitQueueEvent(events.KindQueueCreated, q)
	s.log.Info(logging.CategoryQueue, "queue created", "queue", q.Name, "concurrency", q.Concurrency)
	return q, nil
}

func (s *SDK) ReadQueue(name string) (model.QueueConfig, bool) { return s.queues.Read(name) }

func (s *SDK) ListQueues() []model.QueueConfig { return s.queues.List() }

// UpdateQueue changes the limits of an existing queue. Pending tasks
// and the pause state are kept.
func (s *SDK) UpdateQueue(cfg model.QueueConfig) (model.QueueConfig, error) {
	q, err := s.queues.Configure(cfg)
	if err != nil {
		return model.QueueConfig{}, err
	}
	s.log.Info(logging.CategoryQueue, "queue updated", "queue", q.Name, "concurrency", q.Concurrency)
	s.dispatcher.Kick()
	return q, nil
}

// DeleteQueue removes a queue. Tasks still pending in it are
// cancelled. The default queue cannot be deleted.
func (s *SDK) DeleteQueue(name string) bool {
	if name == s.cfg.DefaultQueue {
		return false
	}
	orphaned, ok := s.queues.Delete(name)
	if !ok {
		return false
	}
	s.cancelOrphans(orphaned, "queue deleted")
	s.log.Info(logging.CategoryQueue, "queue deleted", "queue", name, "cancelled", len(orphaned))
	return true
}

// PauseQueue stops dispatch from the queue and emits queue:paused.
func (s *SDK) PauseQueue(name string) bool {
	if !s.queues.Pause(name) {
		return false
	}
	q, _ := s.queues.Read(name)
	s.emitQueueEvent(events.KindQueuePaused, q)
	s.log.Info(logging.CategoryQueue, "queue paused", "queue", name)
	return true
}

// ResumeQueue re-enables dispatch and emits queue:resumed.
func (s *SDK) ResumeQueue(name string) bool {
	if !s.queues.Resume(name) {
		return false
	}
	q, _ := s.queues.Read(name)
	s.emitQueueEvent(events.KindQueueResumed, q)
	s.log.Info(logging.CategoryQueue, "queue resumed", "queue", name)
	s.dispatcher.Kick()
	return true
}

// ClearQueue cancels every task pending in the queue and returns their
// ids.
func (s *SDK) ClearQueue(name string) ([]string, error) {
	ids, err := s.queues.Clear(name)
	if err != nil {
		return nil, err
	}
	s.cancelOrphans(ids, "queue cleared")
	return ids, nil
}

func (s *SDK) QueueStats(name string) (model.QueueStats, bool) { return s.queues.Stats(name) }

func (s *SDK) AllQueueStats() []model.QueueStats { return s.queues.AllStats() }

func (s *SDK) cancelOrphans(ids []string, reason string) {
	for _, id := range ids {
		t, changed, err := s.tasks.Cancel(id)
		if err != nil || !changed {
			continue
		}
		s.bus.EmitTask(events.KindCancelled, t, map[string]any{"reason": reason})
	}
}

func (s *SDK) emitQueueEvent(kind events.Kind, q model.QueueConfig) {
	s.bus.Emit(events.Event{Kind: kind, Data: map[string]any{
		"queue":       q.Name,
		"concurrency": q.Concurrency,
		"paused":      q.Paused,
	}})
}

// Agents

// RegisterAgent adds an agent and emits agent:registered. An agent
// whose name matches a persisted record keeps the record's id, and
// inherits its priority and enablement only where in leaves them unset.
func (s *SDK) RegisterAgent(in model.AgentInput) (model.Agent, error) {
	a, err := s.agents.Create(in)
	if err != nil {
		return model.Agent{}, err
	}
	s.bus.Emit(events.Event{Kind: events.KindAgentRegistered, Data: map[string]any{
		"agent_id": a.ID, "name": a.Name,
	}})
	s.log.Info(logging.CategoryAgent, "agent registered", "agent_id", a.ID, "name", a.Name)
	s.dispatcher.Kick()
	return a, nil
}

func (s *SDK) ReadAgent(id string) (model.Agent, bool) { return s.agents.Read(id) }

func (s *SDK) ReadAgentByName(name string) (model.Agent, bool) { return s.agents.ReadByName(name) }

func (s *SDK) UpdateAgent(id string, patch model.AgentPatch) (model.Agent, error) {
	return s.agents.Update(id, patch)
}

// RemoveAgent unregisters an agent and emits agent:removed. Tasks it
// is running are not interrupted.
func (s *SDK) RemoveAgent(id string) bool {
	a, ok := s.agents.Read(id)
	if !ok || !s.agents.Delete(id) {
		return false
	}
	s.bus.Emit(events.Event{Kind: events.KindAgentRemoved, Data: map[string]any{
		"agent_id": a.ID, "name": a.Name,
	}})
	s.log.Info(logging.CategoryAgent, "agent removed", "agent_id", a.ID, "name", a.Name)
	return true
}

func (s *SDK) ListAgents() []model.Agent { return s.agents.List() }

func (s *SDK) EnableAgent(id string) bool  { return s.agents.Enable(id) }
func (s *SDK) DisableAgent(id string) bool { return s.agents.Disable(id) }

// Routing

func (s *SDK) AddRule(rule model.RoutingRule) (model.RoutingRule, error) {
	return s.router.AddRule(rule)
}

func (s *SDK) RemoveRule(id string) bool { return s.router.RemoveRule(id) }

func (s *SDK) ListRules() []model.RoutingRule { return s.router.ListRules() }

// Route reports which queue c would be sent to. It records a decision
// in the audit log but schedules nothing.
func (s *SDK) Route(c model.ClassifiedTask) (string, *router.Decision) {
	s.applyActionDefaults(&c)
	return s.router.Route(c)
}

func (s *SDK) RouterStats() router.Stats { return s.router.GetStats() }

func (s *SDK) AuditLog(limit int) []router.Decision { return s.router.GetAuditLog(limit) }

// Explain returns the routing decision for a task, if still retained.
func (s *SDK) Explain(taskID string) *router.Decision { return s.router.Explain(taskID) }
