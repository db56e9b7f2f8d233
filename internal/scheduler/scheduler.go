// Package scheduler dispatches a stage's generation tasks with bounded
// concurrency. Independence is derived from the tasks' declared artifact
// contracts: tasks with disjoint consumed/produced type sets run in the
// same wave, producers run before their consumers, and producers of the
// same type run in declaration order.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/events"
)

// DefaultPoolSize bounds concurrent task execution when the configuration
// does not set one.
const DefaultPoolSize = 4

// Runner executes one task and returns the artifacts it produced. Returned
// artifacts are committed to the store only after the runner succeeds, so a
// failed task never leaves partial output behind.
type Runner func(ctx context.Context, task *Task) ([]artifact.Artifact, error)

// ArtifactGate is the slice of the artifact store the scheduler needs:
// input gating and exclusive commit of successful output.
type ArtifactGate interface {
	Put(ctx context.Context, a artifact.Artifact) error
	Swap(ctx context.Context, a artifact.Artifact, expected uint64) error
	Get(key string) (artifact.Artifact, bool)
	HasType(artifactType string) bool
}

// Dispatcher runs one stage's task set to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []*Task) (StageResult, error)
}

// Config holds scheduler tunables.
type Config struct {
	PoolSize int
}

// Scheduler is the contract-driven task dispatcher.
type Scheduler struct {
	pool  int
	run   Runner
	store ArtifactGate
	bus   *events.Bus
	log   *slog.Logger
}

// New creates a scheduler. bus may be nil.
func New(cfg Config, run Runner, store ArtifactGate, bus *events.Bus, log *slog.Logger) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	return &Scheduler{
		pool:  cfg.PoolSize,
		run:   run,
		store: store,
		bus:   bus,
		log:   log,
	}
}

// Dispatch partitions the tasks into dependency waves and runs each wave on
// a bounded worker pool, waiting for a wave to finish before the next one
// starts. A task failure never aborts its siblings; every failure is listed
// in the result. Cancellation takes effect at wave boundaries.
func (s *Scheduler) Dispatch(ctx context.Context, tasks []*Task) (StageResult, error) {
	result := StageResult{}
	if len(tasks) == 0 {
		return result, nil
	}
	result.Stage = tasks[0].Stage

	waves, err := partition(result.Stage, tasks)
	if err != nil {
		return result, err
	}

	var mu sync.Mutex
	for _, wave := range waves {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.pool)

		for _, task := range wave {
			// A task whose inputs never materialized (an upstream failure
			// or a contract gap) fails without being started.
			if missing := s.missingInputs(task); len(missing) > 0 {
				s.markFailed(&mu, &result, task, &MissingInputError{TaskID: task.ID, Missing: missing})
				continue
			}

			t := task
			g.Go(func() error {
				s.execute(gctx, &mu, &result, t)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
		}
	}

	return result, nil
}

func (s *Scheduler) execute(ctx context.Context, mu *sync.Mutex, result *StageResult, task *Task) {
	if err := ctx.Err(); err != nil {
		s.markFailed(mu, result, task, fmt.Errorf("cancelled before execution: %w", err))
		return
	}

	task.Status = TaskRunning
	task.StartedAt = time.Now().UTC()
	s.log.Debug("task dispatched", "task", task.ID, "role", task.Role, "stage", task.Stage)

	produced, err := s.run(ctx, task)
	if err != nil {
		s.markFailed(mu, result, task, err)
		return
	}

	// Commit happens only after the runner succeeded. A key that already
	// exists marks a replay (remediation, revise, resume), which replaces
	// its prior output via compare-and-set; a conflict then means a
	// concurrent writer got there first, which fails the task like any
	// other error.
	for _, a := range produced {
		a.Stage = task.Stage
		a.Producer = task.Role
		if err := s.commit(ctx, task, a); err != nil {
			s.markFailed(mu, result, task, fmt.Errorf("commit artifact %q: %w", a.Key, err))
			return
		}
	}

	task.Status = TaskSucceeded
	task.FinishedAt = time.Now().UTC()

	mu.Lock()
	result.Succeeded = append(result.Succeeded, task.ID)
	mu.Unlock()
}

func (s *Scheduler) commit(ctx context.Context, task *Task, a artifact.Artifact) error {
	if existing, ok := s.store.Get(a.Key); ok {
		return s.store.Swap(ctx, a, existing.Fingerprint)
	}
	return s.store.Put(ctx, a)
}

func (s *Scheduler) markFailed(mu *sync.Mutex, result *StageResult, task *Task, err error) {
	task.Status = TaskFailed
	task.Err = err
	task.FinishedAt = time.Now().UTC()

	mu.Lock()
	result.Failed = append(result.Failed, TaskFailure{TaskID: task.ID, Role: task.Role, Err: err})
	mu.Unlock()

	s.log.Warn("task failed", "task", task.ID, "role", task.Role, "stage", task.Stage, "error", err)
	if s.bus != nil {
		s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			Stage:     task.Stage,
			TaskID:    task.ID,
			Role:      task.Role,
			Err:       err.Error(),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (s *Scheduler) missingInputs(task *Task) []string {
	var missing []string
	for _, typ := range task.Consumes {
		if !s.store.HasType(typ) {
			missing = append(missing, typ)
		}
	}
	return missing
}

// partition orders tasks into waves. Edges run producer -> consumer on any
// shared artifact type; two producers of the same type are ordered by
// declaration. A wave holds every task whose predecessors all sit in
// earlier waves.
func partition(stage int, tasks []*Task) ([][]*Task, error) {
	n := len(tasks)
	preds := make([]map[int]bool, n)
	for i := range preds {
		preds[i] = make(map[int]bool)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if intersects(tasks[i].Produces, tasks[j].Consumes) {
				preds[j][i] = true
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if intersects(tasks[i].Produces, tasks[j].Produces) {
				preds[j][i] = true
			}
		}
	}

	// Kahn's algorithm with level tracking; declaration order breaks ties
	// inside each wave.
	indeg := make([]int, n)
	for i := range preds {
		indeg[i] = len(preds[i])
	}
	level := make([]int, n)
	done := make([]bool, n)
	placed := 0

	for placed < n {
		progressed := false
		for i := 0; i < n; i++ {
			if done[i] || indeg[i] != 0 {
				continue
			}
			done[i] = true
			placed++
			progressed = true
			for j := 0; j < n; j++ {
				if preds[j][i] {
					delete(preds[j], i)
					indeg[j]--
					if level[i]+1 > level[j] {
						level[j] = level[i] + 1
					}
				}
			}
		}
		if !progressed {
			var cyclic []string
			for i := 0; i < n; i++ {
				if !done[i] {
					cyclic = append(cyclic, tasks[i].ID)
				}
			}
			return nil, &CyclicTaskError{Stage: stage, Tasks: cyclic}
		}
	}

	maxLevel := 0
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	waves := make([][]*Task, maxLevel+1)
	for i, t := range tasks {
		waves[level[i]] = append(waves[level[i]], t)
	}
	return waves, nil
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
