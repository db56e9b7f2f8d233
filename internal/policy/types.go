// Package policy evaluates generated artifacts against governance rules
// and drives the accept/override/regenerate resolution workflow.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Severity classifies how binding a rule is.
type Severity string

const (
	SeverityRequired    Severity = "required"
	SeverityRecommended Severity = "recommended"
	SeverityOptional    Severity = "optional"
)

// Resolution records how a violation was settled.
type Resolution string

const (
	ResolutionOpen        Resolution = ""
	ResolutionAccepted    Resolution = "accepted-compliant"
	ResolutionOverridden  Resolution = "overridden"
	ResolutionRegenerated Resolution = "regenerated"
)

// Operator is a predicate comparison over artifact content.
type Operator string

const (
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
	OpNotMatches  Operator = "not_matches"
)

// Predicate is the checkable condition of a rule. Compliant content
// satisfies the predicate; content that does not satisfy it violates the
// rule.
type Predicate struct {
	Operator Operator `yaml:"operator"`
	Value    string   `yaml:"value"`

	re *regexp.Regexp // compiled for matches/not_matches
}

// Rule is one governance rule document.
type Rule struct {
	ID        string    `yaml:"id"`
	Severity  Severity  `yaml:"severity"`
	Roles     []string  `yaml:"roles"` // applicable producer roles; empty applies to all
	Message   string    `yaml:"message"`
	Predicate Predicate `yaml:"predicate"`
}

// AppliesTo reports whether the rule covers artifacts produced by role.
func (r *Rule) AppliesTo(role string) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, want := range r.Roles {
		if want == role {
			return true
		}
	}
	return false
}

// compile validates the rule and prepares its predicate.
func (r *Rule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("rule without id")
	}
	switch r.Severity {
	case SeverityRequired, SeverityRecommended, SeverityOptional:
	default:
		return fmt.Errorf("rule %q: unknown severity %q", r.ID, r.Severity)
	}
	switch r.Predicate.Operator {
	case OpContains, OpNotContains:
	case OpMatches, OpNotMatches:
		re, err := regexp.Compile(r.Predicate.Value)
		if err != nil {
			return fmt.Errorf("rule %q: invalid pattern: %w", r.ID, err)
		}
		r.Predicate.re = re
	default:
		return fmt.Errorf("rule %q: unknown operator %q", r.ID, r.Predicate.Operator)
	}
	return nil
}

// Satisfied evaluates the predicate against artifact content.
func (p *Predicate) Satisfied(content string) bool {
	switch p.Operator {
	case OpContains:
		return strings.Contains(content, p.Value)
	case OpNotContains:
		return !strings.Contains(content, p.Value)
	case OpMatches:
		return p.re.MatchString(content)
	case OpNotMatches:
		return !p.re.MatchString(content)
	default:
		return false
	}
}

// Violation is one rule violation found on a stage's artifacts, together
// with its resolution once settled.
type Violation struct {
	RuleID        string     `json:"rule_id"`
	Severity      Severity   `json:"severity"`
	Stage         int        `json:"stage"`
	ArtifactKey   string     `json:"artifact_key"`
	Message       string     `json:"message"`
	Resolution    Resolution `json:"resolution"`
	Justification string     `json:"justification,omitempty"`
	FoundAt       time.Time  `json:"found_at"`
	ResolvedAt    time.Time  `json:"resolved_at,omitzero"`
}

// Open reports whether the violation still needs a resolution.
func (v *Violation) Open() bool {
	return v.Resolution == ResolutionOpen
}

// Blocking reports whether the violation blocks the stage's policy-checked
// transition while open. Required violations always block; recommended
// ones block when blockRecommended is set.
func (v *Violation) Blocking(blockRecommended bool) bool {
	if !v.Open() {
		return false
	}
	switch v.Severity {
	case SeverityRequired:
		return true
	case SeverityRecommended:
		return blockRecommended
	default:
		return false
	}
}
