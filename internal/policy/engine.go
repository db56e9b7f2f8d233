package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/events"
)

// Config holds the engine's tunables.
type Config struct {
	// BlockOnRecommended escalates recommended-severity violations to
	// block a stage like required ones. Off by default: recommended
	// violations are a soft accept.
	BlockOnRecommended bool
}

// Auditor receives every violation found and every resolution recorded.
// Entries are append-only; nothing is ever overwritten.
type Auditor interface {
	AppendViolation(ctx context.Context, v Violation) error
}

// Engine evaluates stage artifacts against the loaded rules and tracks
// violation resolutions.
type Engine struct {
	loader *Loader
	cfg    Config
	audit  Auditor
	bus    *events.Bus
	log    *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine. audit and bus may be nil.
func NewEngine(loader *Loader, cfg Config, audit Auditor, bus *events.Bus, log *slog.Logger) *Engine {
	return &Engine{
		loader: loader,
		cfg:    cfg,
		audit:  audit,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

// Evaluate checks every artifact of a stage against the rules applicable
// to its producer role and returns the violations found. Each violation is
// appended to the audit trail.
func (e *Engine) Evaluate(ctx context.Context, stage int, artifacts []artifact.Artifact) ([]*Violation, error) {
	rules, err := e.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}

	var violations []*Violation
	for i := range rules {
		rule := &rules[i]
		for _, a := range artifacts {
			if !rule.AppliesTo(a.Producer) {
				continue
			}
			if rule.Predicate.Satisfied(a.Content) {
				continue
			}
			v := &Violation{
				RuleID:      rule.ID,
				Severity:    rule.Severity,
				Stage:       stage,
				ArtifactKey: a.Key,
				Message:     rule.Message,
				FoundAt:     e.now(),
			}
			violations = append(violations, v)

			if e.audit != nil {
				if err := e.audit.AppendViolation(ctx, *v); err != nil {
					return nil, fmt.Errorf("audit violation %s: %w", rule.ID, err)
				}
			}
			if e.bus != nil {
				e.bus.Publish(events.TopicPolicy, events.PolicyViolationEvent{
					Stage:     stage,
					RuleID:    rule.ID,
					Severity:  string(rule.Severity),
					Message:   rule.Message,
					Timestamp: v.FoundAt,
				})
			}
		}
	}
	return violations, nil
}

// Accept resolves a violation as compliant without a rewrite. Refused for
// required violations: those must be regenerated or overridden.
func (e *Engine) Accept(ctx context.Context, v *Violation) error {
	if !v.Open() {
		return fmt.Errorf("violation %s already resolved as %s", v.RuleID, v.Resolution)
	}
	if v.Severity == SeverityRequired {
		return fmt.Errorf("required violation %s cannot be accepted as compliant; override with justification or regenerate", v.RuleID)
	}
	return e.resolve(ctx, v, ResolutionAccepted, "")
}

// Override resolves a violation by recording an explicit justification.
// Terminal for any severity; the justification is mandatory.
func (e *Engine) Override(ctx context.Context, v *Violation, justification string) error {
	if !v.Open() {
		return fmt.Errorf("violation %s already resolved as %s", v.RuleID, v.Resolution)
	}
	if justification == "" {
		return fmt.Errorf("override of %s requires a justification", v.RuleID)
	}
	return e.resolve(ctx, v, ResolutionOverridden, justification)
}

// MarkRegenerated resolves a violation after the artifact was rewritten
// and re-evaluation confirmed the rule's predicate now passes. rewritten
// is the replacement artifact.
func (e *Engine) MarkRegenerated(ctx context.Context, v *Violation, rewritten artifact.Artifact) error {
	if !v.Open() {
		return fmt.Errorf("violation %s already resolved as %s", v.RuleID, v.Resolution)
	}
	rules, err := e.loader.Load()
	if err != nil {
		return fmt.Errorf("load policy rules: %w", err)
	}
	for i := range rules {
		if rules[i].ID != v.RuleID {
			continue
		}
		if !rules[i].Predicate.Satisfied(rewritten.Content) {
			return fmt.Errorf("regenerated artifact %q still violates rule %s", rewritten.Key, v.RuleID)
		}
		return e.resolve(ctx, v, ResolutionRegenerated, "")
	}
	return fmt.Errorf("rule %s not found", v.RuleID)
}

func (e *Engine) resolve(ctx context.Context, v *Violation, res Resolution, justification string) error {
	v.Resolution = res
	v.Justification = justification
	v.ResolvedAt = e.now()
	if e.audit != nil {
		if err := e.audit.AppendViolation(ctx, *v); err != nil {
			return fmt.Errorf("audit resolution of %s: %w", v.RuleID, err)
		}
	}
	return nil
}

// Blocking reports whether the violation blocks its stage under the
// engine's configuration.
func (e *Engine) Blocking(v *Violation) bool {
	return v.Blocking(e.cfg.BlockOnRecommended)
}

// StageCleared reports whether the stage may transition to policy-checked:
// no blocking violation remains open.
func (e *Engine) StageCleared(violations []*Violation) bool {
	for _, v := range violations {
		if v.Blocking(e.cfg.BlockOnRecommended) {
			return false
		}
	}
	return true
}
