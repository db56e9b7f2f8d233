// Package rollback enforces strict reverse-order rollback of deployed
// stages. A stage can only come down after every later deployed stage has
// come down first.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aristath/stagehand/internal/events"
	"github.com/aristath/stagehand/internal/planner"
)

// OrderViolationError reports a refused out-of-order rollback. The request
// is never silently reordered.
type OrderViolationError struct {
	Stage    int
	Deployed []int // later stages still deployed
}

func (e *OrderViolationError) Error() string {
	later := make([]string, len(e.Deployed))
	for i, n := range e.Deployed {
		later[i] = fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("cannot roll back stage %d while later stage(s) %s are deployed; roll those back first",
		e.Stage, strings.Join(later, ", "))
}

// Destroyer tears down one stage's provisioned resources.
type Destroyer func(ctx context.Context, stage *planner.Stage) error

// Recorder appends one rollback entry to the session's audit trail.
type Recorder func(ctx context.Context, stage int, detail string) error

// Controller drives reverse-order rollback over a session's stage list.
type Controller struct {
	destroy Destroyer
	record  Recorder
	bus     *events.Bus
	log     *slog.Logger
}

// New creates a controller. record and bus may be nil.
func New(destroy Destroyer, record Recorder, bus *events.Bus, log *slog.Logger) *Controller {
	return &Controller{destroy: destroy, record: record, bus: bus, log: log}
}

// Rollback tears down stage n. Refused with OrderViolationError while any
// higher-indexed stage is still deployed. On success the stage transitions
// to rolled-back and the audit trail records it.
func (c *Controller) Rollback(ctx context.Context, stages []*planner.Stage, n int) error {
	target := findStage(stages, n)
	if target == nil {
		return fmt.Errorf("no stage with index %d", n)
	}
	if target.Status != planner.StageDeployed {
		return fmt.Errorf("stage %d is %s, only deployed stages can be rolled back", n, target.Status)
	}

	var laterDeployed []int
	for _, s := range stages {
		if s.Index > n && s.Status == planner.StageDeployed {
			laterDeployed = append(laterDeployed, s.Index)
		}
	}
	if len(laterDeployed) > 0 {
		return &OrderViolationError{Stage: n, Deployed: laterDeployed}
	}

	c.log.Info("rolling back stage", "stage", n, "name", target.Name)
	if err := c.destroy(ctx, target); err != nil {
		return fmt.Errorf("roll back stage %d (%s): %w", n, target.Name, err)
	}

	target.Status = planner.StageRolledBack
	now := time.Now().UTC()
	if c.record != nil {
		detail := fmt.Sprintf("stage %d (%s) rolled back at %s", n, target.Name, now.Format(time.RFC3339))
		if err := c.record(ctx, n, detail); err != nil {
			return fmt.Errorf("record rollback of stage %d: %w", n, err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.TopicRollback, events.RollbackEvent{Stage: n, Name: target.Name, Timestamp: now})
	}
	return nil
}

// RollbackAll rolls back every deployed stage strictly from the highest
// index to the lowest, one at a time. It stops on the first failure and
// returns the indices already rolled back alongside the error, so a broken
// reverse-order invariant is never masked.
func (c *Controller) RollbackAll(ctx context.Context, stages []*planner.Stage) ([]int, error) {
	var deployed []int
	for _, s := range stages {
		if s.Status == planner.StageDeployed {
			deployed = append(deployed, s.Index)
		}
	}
	// Highest index first.
	sort.Sort(sort.Reverse(sort.IntSlice(deployed)))

	var done []int
	for _, n := range deployed {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := c.Rollback(ctx, stages, n); err != nil {
			return done, err
		}
		done = append(done, n)
	}
	return done, nil
}

func findStage(stages []*planner.Stage, n int) *planner.Stage {
	for _, s := range stages {
		if s.Index == n {
			return s
		}
	}
	return nil
}
