package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Task is one role's unit of generation work within a stage. Tasks reference
// artifact types, never each other, so ordering is derived purely from the
// declared consumed/produced sets.
type Task struct {
	ID          string
	Stage       int
	Role        string
	Capability  string
	Description string
	Consumes    []string // artifact types that must exist before the task runs
	Produces    []string // artifact types the task commits on success
	Feedback    []string // structured fix instructions from a prior attempt
	Status      TaskStatus
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// TaskFailure carries one absorbed task failure for reporting.
type TaskFailure struct {
	TaskID string
	Role   string
	Err    error
}

func (f TaskFailure) String() string {
	return fmt.Sprintf("%s (%s): %v", f.TaskID, f.Role, f.Err)
}

// StageResult aggregates the outcome of one stage's dispatch. Every failed
// task is listed; a stage with any failure is reported as failed without
// hiding sibling outcomes.
type StageResult struct {
	Stage     int
	Succeeded []string
	Failed    []TaskFailure
}

// OK reports whether every task in the stage succeeded.
func (r StageResult) OK() bool { return len(r.Failed) == 0 }

// Err returns nil when the stage succeeded, or an error naming every failed
// task.
func (r StageResult) Err() error {
	if r.OK() {
		return nil
	}
	parts := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		parts[i] = f.String()
	}
	return fmt.Errorf("stage %d: %d task(s) failed: %s", r.Stage, len(r.Failed), strings.Join(parts, "; "))
}

// MissingInputError reports a task whose declared inputs were absent from
// the artifact store at dispatch time.
type MissingInputError struct {
	TaskID  string
	Missing []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("task %q is missing input artifact type(s): %s", e.TaskID, strings.Join(e.Missing, ", "))
}

// CyclicTaskError reports a contract cycle inside one stage's task set.
type CyclicTaskError struct {
	Stage int
	Tasks []string
}

func (e *CyclicTaskError) Error() string {
	return fmt.Sprintf("stage %d: task contracts form a cycle: %s", e.Stage, strings.Join(e.Tasks, ", "))
}
