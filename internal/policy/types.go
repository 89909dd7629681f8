// Package policy implements the rule-based policy engine that decides whether
// a normalized tool call may proceed.
//
// Rules are typed by category (file, network, shell, secret) and carry a
// fixed set of predicates: path globs, host patterns, command prefixes and
// exact secret names. Rules are evaluated in descending priority order; the
// first match wins and ties keep declaration order. When nothing matches, the
// policy set's default decision applies.
package policy

import (
	"fmt"
	"time"
)

// Category classifies a tool call for policy evaluation.
type Category string

const (
	CategoryFile    Category = "file"
	CategoryNetwork Category = "network"
	CategoryShell   Category = "shell"
	CategorySecret  Category = "secret"
)

// Categories lists every category in a stable order.
var Categories = []Category{CategoryFile, CategoryNetwork, CategoryShell, CategorySecret}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryFile, CategoryNetwork, CategoryShell, CategorySecret:
		return true
	}
	return false
}

// Decision is the outcome a rule (or the default) assigns to a request.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionBlock   Decision = "block"
	DecisionApprove Decision = "approve" // defer to an approval workflow
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionBlock, DecisionApprove:
		return true
	}
	return false
}

// FileOperation is the kind of access a file tool requests.
type FileOperation string

const (
	OpRead   FileOperation = "read"
	OpWrite  FileOperation = "write"
	OpDelete FileOperation = "delete"
	OpList   FileOperation = "list"
)

// Valid reports whether op is one of the known file operations.
func (op FileOperation) Valid() bool {
	switch op {
	case OpRead, OpWrite, OpDelete, OpList:
		return true
	}
	return false
}

// Rule is a single match-and-decide unit. Only the pattern fields belonging
// to Category are consulted.
type Rule struct {
	ID          string
	Description string
	Category    Category
	Decision    Decision
	Priority    int // higher = evaluated first
	Enabled     bool

	Paths      []string        // file: doublestar globs
	Operations []FileOperation // file: empty means every operation
	Hosts      []string        // network: exact, "*.suffix" or "*"
	Commands   []string        // shell: exact, "prefix*" or "*"
	Names      []string        // secret: exact or "*"
}

// Patterns returns the pattern list relevant to the rule's category.
func (r *Rule) Patterns() []string {
	switch r.Category {
	case CategoryFile:
		return r.Paths
	case CategoryNetwork:
		return r.Hosts
	case CategoryShell:
		return r.Commands
	case CategorySecret:
		return r.Names
	}
	return nil
}

// PolicySet is an ordered rule collection plus the decision applied when no
// rule matches.
type PolicySet struct {
	Name            string
	Description     string
	DefaultDecision Decision
	Rules           []Rule
}

// Validate checks every rule and collects all problems into one error.
func (s *PolicySet) Validate() error {
	var errs []string
	if s.DefaultDecision != "" && !s.DefaultDecision.Valid() {
		errs = append(errs, fmt.Sprintf("defaultDecision must be one of: allow, block, approve (got %q)", s.DefaultDecision))
	}

	seen := make(map[string]bool, len(s.Rules))
	for i := range s.Rules {
		r := &s.Rules[i]
		label := r.ID
		if label == "" {
			label = fmt.Sprintf("rules[%d]", i)
			errs = append(errs, fmt.Sprintf("%s: id is required", label))
		} else if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate rule id", label))
		}
		seen[r.ID] = true

		if !r.Category.Valid() {
			errs = append(errs, fmt.Sprintf("%s: unknown category %q", label, r.Category))
		}
		if !r.Decision.Valid() {
			errs = append(errs, fmt.Sprintf("%s: decision must be one of: allow, block, approve (got %q)", label, r.Decision))
		}
		if len(r.Patterns()) == 0 {
			errs = append(errs, fmt.Sprintf("%s: at least one pattern is required", label))
		}
		for _, op := range r.Operations {
			if !op.Valid() {
				errs = append(errs, fmt.Sprintf("%s: unknown file operation %q", label, op))
			}
		}
		if r.Category == CategoryFile {
			for _, p := range r.Paths {
				if !validPathPattern(p) {
					errs = append(errs, fmt.Sprintf("%s: invalid path glob %q", label, p))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("policy %q: %d invalid rule(s): %v", s.Name, len(errs), errs)
	}
	return nil
}

// Request is a categorized tool call ready for evaluation.
type Request struct {
	Category  Category
	Entity    string        // path, host, command or secret name
	Operation FileOperation // file category only
	Tool      string
	AgentID   string
}

// Evaluation is the engine's verdict for one request.
type Evaluation struct {
	Decision    Decision
	Reason      string
	MatchedRule *Rule // nil when the default decision applied
	Timestamp   time.Time
}

// MatchedRuleID returns the id of the matched rule, or "" for a default decision.
func (e Evaluation) MatchedRuleID() string {
	if e.MatchedRule == nil {
		return ""
	}
	return e.MatchedRule.ID
}
