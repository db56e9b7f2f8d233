// Package remediate regenerates a failed stage with structured feedback,
// bounded to a configured attempt ceiling. When the ceiling is reached the
// stage is handed to the escalation tracker instead of retried forever.
package remediate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aristath/stagehand/internal/escalate"
)

// DefaultMaxAttempts bounds remediation rounds per stage when the
// configuration does not set one.
const DefaultMaxAttempts = 2

// Finding is one validation failure to feed back into regeneration. ID must
// be stable across attempts so resolved findings can be filtered out.
type Finding struct {
	ID      string
	Message string
}

// Regenerator replays a stage's generation with fix instructions derived
// from the open findings.
type Regenerator func(ctx context.Context, stage int, feedback []string) error

// Validator re-checks a stage after a regeneration attempt and returns the
// findings that are still open.
type Validator func(ctx context.Context, stage int) ([]Finding, error)

// ExhaustedError reports a stage that stayed broken through every allowed
// attempt. Remaining lists only the findings still open on the last attempt.
type ExhaustedError struct {
	Stage     int
	Attempts  int
	Remaining []Finding
	IssueID   string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("stage %d still failing after %d remediation attempt(s), %d finding(s) open, escalated as %s",
		e.Stage, e.Attempts, len(e.Remaining), e.IssueID)
}

// Config holds remediation tunables.
type Config struct {
	MaxAttempts int
}

// Controller drives bounded regenerate-and-revalidate rounds for one
// session.
type Controller struct {
	max        int
	regenerate Regenerator
	validate   Validator
	tracker    *escalate.Tracker
	log        *slog.Logger
}

// New creates a controller. tracker receives the issue when attempts run
// out.
func New(cfg Config, regenerate Regenerator, validate Validator, tracker *escalate.Tracker, log *slog.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		max:        cfg.MaxAttempts,
		regenerate: regenerate,
		validate:   validate,
		tracker:    tracker,
		log:        log,
	}
}

// Remediate runs up to MaxAttempts regenerate-and-revalidate rounds for the
// stage, seeding the first round with the given findings. Findings resolved
// by an earlier round are never re-surfaced. On success it returns nil; on
// exhaustion it opens an escalation record and returns ExhaustedError.
func (c *Controller) Remediate(ctx context.Context, stage int, findings []Finding) error {
	open := findings
	for attempt := 1; attempt <= c.max; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.log.Info("remediation attempt", "stage", stage, "attempt", attempt, "open_findings", len(open))

		feedback := make([]string, len(open))
		for i, f := range open {
			feedback[i] = f.Message
		}
		if err := c.regenerate(ctx, stage, feedback); err != nil {
			// A failed regeneration consumes the attempt; the findings
			// stay open for the next round.
			c.log.Warn("regeneration failed", "stage", stage, "attempt", attempt, "error", err)
			continue
		}

		remaining, err := c.validate(ctx, stage)
		if err != nil {
			c.log.Warn("revalidation failed", "stage", stage, "attempt", attempt, "error", err)
			continue
		}
		open = keepUnresolved(open, remaining)
		if len(open) == 0 {
			c.log.Info("stage remediated", "stage", stage, "attempts", attempt)
			return nil
		}
	}

	summary := fmt.Sprintf("stage %d unresolved after %d remediation attempt(s)", stage, c.max)
	rec := c.tracker.Open(stage, summary)
	return &ExhaustedError{Stage: stage, Attempts: c.max, Remaining: open, IssueID: rec.IssueID}
}

// keepUnresolved intersects the previously open findings with the ones the
// validator still reports, preserving order. Findings the validator no
// longer reports are resolved; brand-new findings join the open set.
func keepUnresolved(open, remaining []Finding) []Finding {
	still := make(map[string]bool, len(remaining))
	for _, f := range remaining {
		still[f.ID] = true
	}
	known := make(map[string]bool, len(open))
	var out []Finding
	for _, f := range open {
		known[f.ID] = true
		if still[f.ID] {
			out = append(out, f)
		}
	}
	for _, f := range remaining {
		if !known[f.ID] {
			out = append(out, f)
		}
	}
	return out
}
