// Package router maps classified tasks to queue names through an
// ordered set of routing rules. Every decision is recorded in a
// bounded audit log so "why did this go to that queue" can be
// answered after the fact.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/voicetask/internal/model"
)

// ErrNoTarget is returned by AddRule when a rule has no target queue.
var ErrNoTarget = errors.New("routing rule target is required")

// Decision records why a queue was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Input
	Action       string `json:"action"`
	ContentLen   int    `json:"content_length"`
	DefaultQueue string `json:"default_queue,omitempty"`

	// Decision process
	RulesEvaluated []string `json:"rules_evaluated"`
	RuleMatched    string   `json:"rule_matched,omitempty"`

	// Outcome. Queue is empty when the task is unroutable.
	Queue     string `json:"queue"`
	Source    string `json:"source"`
	Reasoning string `json:"reasoning"`
}

// Decision sources.
const (
	SourceRule         = "rule"
	SourceActionQueue  = "action_default"
	SourceDefaultQueue = "router_default"
	SourceNone         = "none"
)

// Config holds router configuration.
type Config struct {
	// DefaultQueue is used when no rule matches and the classified
	// task carries no known default queue.
	DefaultQueue string
	// QueueExists reports whether a queue name is known. Nil treats
	// every name as known.
	QueueExists func(name string) bool
	MaxAuditLog int // How many decisions to keep in memory
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	Unroutable    int64            `json:"unroutable"`
	QueueCounts   map[string]int64 `json:"queue_counts"`
	RuleCounts    map[string]int64 `json:"rule_counts"`
	SourceCounts  map[string]int64 `json:"source_counts"`
}

type ruleEntry struct {
	rule  model.RoutingRule
	order uint64
}

// Router evaluates routing rules. Safe for concurrent use.
type Router struct {
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	rules    []ruleEntry // kept sorted by priority desc, insertion order
	seq      uint64
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{
		logger:   logger,
		config:   config,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats:    newStats(),
	}
}

func newStats() Stats {
	return Stats{
		QueueCounts:  make(map[string]int64),
		RuleCounts:   make(map[string]int64),
		SourceCounts: make(map[string]int64),
	}
}

// SetDefaultQueue changes the fallback queue.
func (r *Router) SetDefaultQueue(name string) {
	r.mu.Lock()
	r.config.DefaultQueue = name
	r.mu.Unlock()
}

// AddRule registers a rule. An empty id is replaced by a generated
// one. The stored rule is returned.
func (r *Router) AddRule(rule model.RoutingRule) (model.RoutingRule, error) {
	if rule.Target == "" {
		return model.RoutingRule{}, ErrNoTarget
	}
	if rule.ID == "" {
		rule.ID = model.NewID()
	}
	rule.Match.Actions = slices.Clone(rule.Match.Actions)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rules {
		if e.rule.ID == rule.ID {
			return model.RoutingRule{}, fmt.Errorf("routing rule %q already exists", rule.ID)
		}
	}
	r.seq++
	r.rules = append(r.rules, ruleEntry{rule: rule, order: r.seq})
	sort.SliceStable(r.rules, func(i, j int) bool {
		if r.rules[i].rule.Priority != r.rules[j].rule.Priority {
			return r.rules[i].rule.Priority > r.rules[j].rule.Priority
		}
		return r.rules[i].order < r.rules[j].order
	})
	return rule, nil
}

// RemoveRule deletes a rule by id.
func (r *Router) RemoveRule(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.rules {
		if e.rule.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// ListRules returns rules in evaluation order.
func (r *Router) ListRules() []model.RoutingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RoutingRule, len(r.rules))
	for i, e := range r.rules {
		out[i] = e.rule
	}
	return out
}

// ClearRules removes every rule.
func (r *Router) ClearRules() {
	r.mu.Lock()
	r.rules = nil
	r.mu.Unlock()
}

// Route selects a queue for the classified task. The returned name is
// empty when the task is unroutable. Route is deterministic for a
// given rule set and input.
func (r *Router) Route(classified model.ClassifiedTask) (string, *Decision) {
	r.mu.RLock()
	rules := make([]model.RoutingRule, len(r.rules))
	for i, e := range r.rules {
		rules[i] = e.rule
	}
	cfg := r.config
	r.mu.RUnlock()

	decision := &Decision{
		RequestID:    model.NewID(),
		Timestamp:    time.Now(),
		Action:       classified.Action,
		ContentLen:   len(classified.Content),
		DefaultQueue: classified.DefaultQueue,
	}

	var reasoning strings.Builder
	for _, rule := range rules {
		decision.RulesEvaluated = append(decision.RulesEvaluated, rule.ID)
		if r.matches(rule, classified) {
			decision.RuleMatched = rule.ID
			decision.Queue = rule.Target
			decision.Source = SourceRule
			fmt.Fprintf(&reasoning, "Rule %s (priority %d) matched.", rule.ID, rule.Priority)
			break
		}
	}

	if decision.Queue == "" {
		exists := cfg.QueueExists
		if exists == nil {
			exists = func(string) bool { return true }
		}
		switch {
		case classified.DefaultQueue != "" && exists(classified.DefaultQueue):
			decision.Queue = classified.DefaultQueue
			decision.Source = SourceActionQueue
			reasoning.WriteString("No rule matched; using the action's default queue.")
		case cfg.DefaultQueue != "":
			decision.Queue = cfg.DefaultQueue
			decision.Source = SourceDefaultQueue
			reasoning.WriteString("No rule matched; using the router default queue.")
		default:
			decision.Source = SourceNone
			reasoning.WriteString("No rule matched and no default queue is configured.")
		}
	}
	decision.Reasoning = reasoning.String()

	r.recordDecision(*decision)

	r.logger.Debug("task routed",
		"request_id", decision.RequestID,
		"action", classified.Action,
		"queue", decision.Queue,
		"source", decision.Source,
	)

	return decision.Queue, decision
}

// matches evaluates all present clauses of rule. A panicking condition
// counts as no match.
func (r *Router) matches(rule model.RoutingRule, c model.ClassifiedTask) (ok bool) {
	m := rule.Match
	if len(m.Actions) > 0 && !slices.Contains(m.Actions, c.Action) {
		return false
	}
	if m.Pattern != nil && !m.Pattern.MatchString(c.Content) {
		return false
	}
	if m.Condition != nil {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Warn("routing condition panicked", "rule", rule.ID, "panic", p)
				ok = false
			}
		}()
		return m.Condition(c)
	}
	return true
}

// AttachTask associates a decision with the task created from it, so
// [Router.Explain] can be queried by task id.
func (r *Router) AttachTask(requestID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			r.auditLog[i].TaskID = taskID
			break
		}
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Trim if over capacity
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}

	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.SourceCounts[d.Source]++
	if d.Queue == "" {
		r.stats.Unroutable++
	} else {
		r.stats.QueueCounts[d.Queue]++
	}
	if d.RuleMatched != "" {
		r.stats.RuleCounts[d.RuleMatched]++
	}
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	// Return most recent
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := newStats()
	s.TotalRequests = r.stats.TotalRequests
	s.Unroutable = r.stats.Unroutable
	for k, v := range r.stats.QueueCounts {
		s.QueueCounts[k] = v
	}
	for k, v := range r.stats.RuleCounts {
		s.RuleCounts[k] = v
	}
	for k, v := range r.stats.SourceCounts {
		s.SourceCounts[k] = v
	}
	return s
}

// Explain returns the decision recorded under a request or task id.
func (r *Router) Explain(id string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == id || r.auditLog[i].TaskID == id {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
