package model

import "regexp"

// RuleMatch holds the clauses of a routing rule. A nil or empty clause
// matches everything; all present clauses must match.
type RuleMatch struct {
	// Actions matches when the classified action is one of these names.
	Actions []string
	// Pattern is tested against the original transcript.
	Pattern *regexp.Regexp
	// Condition is an arbitrary predicate over the classified task.
	Condition func(ClassifiedTask) bool
}

// RoutingRule sends matching classified tasks to Target. Rules are
// evaluated in descending Priority; the first match wins.
type RoutingRule struct {
	ID       string
	Match    RuleMatch
	Target   string
	Priority int
}
